package server

import (
	"time"

	"gorm.io/gorm"
)

// CustomerDO is the tenant registry. Every other row is scoped to one
// customer id and no operation ever crosses that boundary.
type CustomerDO struct {
	gorm.Model
	Name string `gorm:"uniqueIndex;type:VARCHAR(256)"`
}

// AgentStateDO is the liveness record of one running agent instance.
type AgentStateDO struct {
	gorm.Model
	CustomerId         uint      `gorm:"uniqueIndex:agent_identity"`
	JvmUuid            string    `gorm:"uniqueIndex:agent_identity;type:VARCHAR(40)"`
	LastPolledAt       time.Time `gorm:"index"`
	NextPollExpectedAt time.Time
	Enabled            bool
}

// JvmDO is the snapshot of one running application process. The fingerprint
// reference is by value, not a foreign key, and may be null until the agent
// publishes its code base.
type JvmDO struct {
	gorm.Model
	CustomerId          uint    `gorm:"uniqueIndex:jvm_identity"`
	JvmUuid             string  `gorm:"uniqueIndex:jvm_identity;type:VARCHAR(40)"`
	ApplicationId       uint
	EnvironmentId       uint
	CodeBaseFingerprint *string `gorm:"index;type:VARCHAR(200)"`
	Hostname            string  `gorm:"type:VARCHAR(256)"`
	PublishedAt         time.Time
}

// CodeBaseFingerprintDO identifies one deployed code snapshot, shared by
// every jvm running that exact code.
type CodeBaseFingerprintDO struct {
	gorm.Model
	CustomerId    uint   `gorm:"uniqueIndex:fingerprint_identity"`
	ApplicationId uint
	Fingerprint   string `gorm:"uniqueIndex:fingerprint_identity;type:VARCHAR(200)"`
	PublishedAt   time.Time
}

// MethodDO is a statically known method of a code base. The garbage flag is
// set only by the mark phase and cleared when the method is seen again.
type MethodDO struct {
	gorm.Model
	CustomerId       uint   `gorm:"uniqueIndex:method_identity"`
	ClassName        string `gorm:"type:VARCHAR(512)"`
	Signature        string `gorm:"uniqueIndex:method_identity;type:VARCHAR(512)"`
	LastSeenAtMillis int64  `gorm:"index"`
	Garbage          bool   `gorm:"index"`
}

// InvocationDO records that a method was called by a given jvm. It never
// outlives its method.
type InvocationDO struct {
	gorm.Model
	CustomerId          uint   `gorm:"index:invocation_method"`
	MethodId            uint   `gorm:"index:invocation_method"`
	JvmUuid             string `gorm:"type:VARCHAR(40)"`
	CodeBaseFingerprint string `gorm:"type:VARCHAR(200)"`
	InvokedAtMillis     int64
}
