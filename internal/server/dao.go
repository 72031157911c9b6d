package server

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type UpdateDao interface {
	// UpsertAgentState records a heartbeat for (customerId, jvmUuid). It is
	// update-first: only when zero rows were updated is a new row inserted,
	// with enabled forced to true and createdAt set to thisPollAt. A losing
	// insert race returns ErrAgentStateConflict.
	UpsertAgentState(customerId uint, jvmUuid string, thisPollAt, nextExpectedPollAt time.Time, enabled bool) error
	SaveJvm(jvm *JvmDO) error
	SaveFingerprint(fingerprint *CodeBaseFingerprintDO) error
	// RecordMethodSeen updates lastSeenAtMillis and clears the garbage flag,
	// creating the method row when it does not exist yet.
	RecordMethodSeen(customerId uint, className, signature string, seenAtMillis int64) error
	RecordInvocation(invocation *InvocationDO) error
	RegisterCustomer(name string) (*CustomerDO, error)

	// DeleteGarbageAgentStates bulk-deletes by the threshold predicate, not
	// by a previously fetched id list, so agents re-polled since the read
	// are excluded automatically.
	DeleteGarbageAgentStates(customerId uint, lastPolledBefore time.Time) (int64, error)
	DeleteJvmsByUuids(customerId uint, uuids []string) (int64, error)
	DeleteFingerprintsByIds(customerId uint, ids []uint) (int64, error)
	MarkGarbageMethods(customerId uint, lastSeenBeforeMillis int64) (int64, error)
	// SweepGarbageMethods deletes methods that are both flagged garbage and
	// still past the threshold, cascading their invocations in the same
	// transaction.
	SweepGarbageMethods(customerId uint, lastSeenBeforeMillis int64) (int64, error)
}

type QueryDao interface {
	ListCustomerIds() ([]uint, error)
	FindAgentState(customerId uint, jvmUuid string) (*AgentStateDO, error)
	FindGarbageAgentStates(customerId uint, lastPolledBefore time.Time) ([]*AgentStateDO, error)
	FindAllJvms(customerId uint) ([]*JvmDO, error)
	FindAllFingerprints(customerId uint) ([]*CodeBaseFingerprintDO, error)
	// FindReferencedFingerprints returns the set of fingerprint values still
	// referenced by at least one jvm of the customer.
	FindReferencedFingerprints(customerId uint) (map[string]struct{}, error)
	FindAllMethods(customerId uint) ([]*MethodDO, error)
	FindAllInvocations(customerId uint) ([]*InvocationDO, error)
}

type Dao interface {
	DB() *gorm.DB
	UpdateDao
	QueryDao
}

type daoImpl struct {
	db     *gorm.DB
	logger *log.Logger
}

var _ Dao = &daoImpl{}

func NewDao(host string) (Dao, error) {
	databaseURL := fmt.Sprintf("scavenger:scavenger@tcp(%s)/scavenger?charset=utf8mb4&parseTime=True&loc=Local",
		host)
	db, err := gorm.Open(mysql.Open(databaseURL), &gorm.Config{
		TranslateError: true,
		Logger: logger.New(log.New(os.Stdout, "", 0), logger.Config{
			LogLevel: logger.Silent,
		}),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	return newDaoWithDB(db)
}

func newDaoWithDB(db *gorm.DB) (Dao, error) {
	err := db.AutoMigrate(&CustomerDO{}, &AgentStateDO{}, &JvmDO{},
		&CodeBaseFingerprintDO{}, &MethodDO{}, &InvocationDO{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to migrate tables")
	}

	return &daoImpl{
		db:     db,
		logger: log.New(os.Stdout, "dao: ", log.LstdFlags|log.Lshortfile|log.Lmsgprefix),
	}, nil
}

func (d *daoImpl) UpsertAgentState(customerId uint, jvmUuid string, thisPollAt, nextExpectedPollAt time.Time, enabled bool) error {
	result := d.db.Model(&AgentStateDO{}).
		Where("customer_id = ? AND jvm_uuid = ?", customerId, jvmUuid).
		Updates(map[string]interface{}{
			"last_polled_at":        thisPollAt,
			"next_poll_expected_at": nextExpectedPollAt,
			"enabled":               enabled,
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to update agent state")
	}
	if result.RowsAffected > 0 {
		return nil
	}

	return d.insertAgentState(customerId, jvmUuid, thisPollAt, nextExpectedPollAt)
}

// insertAgentState is the zero-rows-updated branch of UpsertAgentState. The
// unique index on (customer_id, jvm_uuid) rejects a double-insert race.
func (d *daoImpl) insertAgentState(customerId uint, jvmUuid string, thisPollAt, nextExpectedPollAt time.Time) error {
	state := &AgentStateDO{
		CustomerId:         customerId,
		JvmUuid:            jvmUuid,
		LastPolledAt:       thisPollAt,
		NextPollExpectedAt: nextExpectedPollAt,
		Enabled:            true,
	}
	state.CreatedAt = thisPollAt

	err := d.db.Create(state).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrAgentStateConflict
	}
	return errors.Wrap(err, "failed to insert agent state")
}

func (d *daoImpl) SaveJvm(jvm *JvmDO) error {
	result := d.db.Model(&JvmDO{}).
		Where("customer_id = ? AND jvm_uuid = ?", jvm.CustomerId, jvm.JvmUuid).
		Updates(map[string]interface{}{
			"code_base_fingerprint": jvm.CodeBaseFingerprint,
			"hostname":              jvm.Hostname,
			"published_at":          jvm.PublishedAt,
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to update jvm")
	}
	if result.RowsAffected > 0 {
		return nil
	}

	return errors.Wrap(d.db.Create(jvm).Error, "failed to insert jvm")
}

func (d *daoImpl) SaveFingerprint(fingerprint *CodeBaseFingerprintDO) error {
	result := d.db.Model(&CodeBaseFingerprintDO{}).
		Where("customer_id = ? AND fingerprint = ?", fingerprint.CustomerId, fingerprint.Fingerprint).
		Update("published_at", fingerprint.PublishedAt)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to update fingerprint")
	}
	if result.RowsAffected > 0 {
		return nil
	}

	return errors.Wrap(d.db.Create(fingerprint).Error, "failed to insert fingerprint")
}

func (d *daoImpl) RecordMethodSeen(customerId uint, className, signature string, seenAtMillis int64) error {
	result := d.db.Model(&MethodDO{}).
		Where("customer_id = ? AND signature = ?", customerId, signature).
		Updates(map[string]interface{}{
			"last_seen_at_millis": seenAtMillis,
			"garbage":             false,
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to update method")
	}
	if result.RowsAffected > 0 {
		return nil
	}

	return errors.Wrap(d.db.Create(&MethodDO{
		CustomerId:       customerId,
		ClassName:        className,
		Signature:        signature,
		LastSeenAtMillis: seenAtMillis,
	}).Error, "failed to insert method")
}

func (d *daoImpl) RecordInvocation(invocation *InvocationDO) error {
	return errors.Wrap(d.db.Create(invocation).Error, "failed to insert invocation")
}

func (d *daoImpl) RegisterCustomer(name string) (*CustomerDO, error) {
	customer := &CustomerDO{}
	err := d.db.First(customer, &CustomerDO{Name: name}).Error
	if err == nil {
		return customer, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrap(err, "failed to query customer")
	}

	d.logger.Printf("customer %s does not exist yet, creating\n", name)
	customer.Name = name
	if err := d.db.Create(customer).Error; err != nil {
		return nil, errors.Wrap(err, "failed to create customer")
	}
	return customer, nil
}

func (d *daoImpl) DeleteGarbageAgentStates(customerId uint, lastPolledBefore time.Time) (int64, error) {
	result := d.db.Unscoped().
		Where("customer_id = ? AND last_polled_at < ?", customerId, lastPolledBefore).
		Delete(&AgentStateDO{})
	return result.RowsAffected, errors.Wrap(result.Error, "failed to delete expired agent states")
}

func (d *daoImpl) DeleteJvmsByUuids(customerId uint, uuids []string) (int64, error) {
	if len(uuids) == 0 {
		return 0, nil
	}
	result := d.db.Unscoped().
		Where("customer_id = ? AND jvm_uuid IN ?", customerId, uuids).
		Delete(&JvmDO{})
	return result.RowsAffected, errors.Wrap(result.Error, "failed to delete jvms")
}

func (d *daoImpl) DeleteFingerprintsByIds(customerId uint, ids []uint) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := d.db.Unscoped().
		Where("customer_id = ? AND id IN ?", customerId, ids).
		Delete(&CodeBaseFingerprintDO{})
	return result.RowsAffected, errors.Wrap(result.Error, "failed to delete fingerprints")
}

func (d *daoImpl) MarkGarbageMethods(customerId uint, lastSeenBeforeMillis int64) (int64, error) {
	result := d.db.Model(&MethodDO{}).
		Where("customer_id = ? AND garbage = ? AND last_seen_at_millis < ?", customerId, false, lastSeenBeforeMillis).
		Update("garbage", true)
	return result.RowsAffected, errors.Wrap(result.Error, "failed to mark garbage methods")
}

func (d *daoImpl) SweepGarbageMethods(customerId uint, lastSeenBeforeMillis int64) (int64, error) {
	var deleted int64
	err := d.db.Transaction(func(tx *gorm.DB) error {
		ids := []uint{}
		err := tx.Model(&MethodDO{}).
			Where("customer_id = ? AND garbage = ? AND last_seen_at_millis < ?", customerId, true, lastSeenBeforeMillis).
			Pluck("id", &ids).Error
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		err = tx.Unscoped().
			Where("customer_id = ? AND method_id IN ?", customerId, ids).
			Delete(&InvocationDO{}).Error
		if err != nil {
			return err
		}

		// The methods themselves are deleted by the re-applied predicate, so
		// a method re-seen after the Pluck above is left alone.
		result := tx.Unscoped().
			Where("customer_id = ? AND garbage = ? AND last_seen_at_millis < ?", customerId, true, lastSeenBeforeMillis).
			Delete(&MethodDO{})
		deleted = result.RowsAffected
		return result.Error
	})
	return deleted, errors.Wrap(err, "failed to sweep garbage methods")
}

func (d *daoImpl) ListCustomerIds() ([]uint, error) {
	ids := []uint{}
	err := d.db.Model(&CustomerDO{}).Pluck("id", &ids).Error
	return ids, errors.Wrap(err, "failed to list customer ids")
}

func (d *daoImpl) FindAgentState(customerId uint, jvmUuid string) (*AgentStateDO, error) {
	state := &AgentStateDO{}
	err := d.db.Where("customer_id = ? AND jvm_uuid = ?", customerId, jvmUuid).First(state).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to query agent state")
	}
	return state, nil
}

func (d *daoImpl) FindGarbageAgentStates(customerId uint, lastPolledBefore time.Time) ([]*AgentStateDO, error) {
	states := []*AgentStateDO{}
	err := d.db.
		Where("customer_id = ? AND last_polled_at < ?", customerId, lastPolledBefore).
		Find(&states).Error
	return states, errors.Wrap(err, "failed to query expired agent states")
}

func (d *daoImpl) FindAllJvms(customerId uint) ([]*JvmDO, error) {
	jvms := []*JvmDO{}
	err := d.db.Where("customer_id = ?", customerId).Find(&jvms).Error
	return jvms, errors.Wrap(err, "failed to query jvms")
}

func (d *daoImpl) FindAllFingerprints(customerId uint) ([]*CodeBaseFingerprintDO, error) {
	fingerprints := []*CodeBaseFingerprintDO{}
	err := d.db.Where("customer_id = ?", customerId).Find(&fingerprints).Error
	return fingerprints, errors.Wrap(err, "failed to query fingerprints")
}

func (d *daoImpl) FindReferencedFingerprints(customerId uint) (map[string]struct{}, error) {
	values := []string{}
	err := d.db.Model(&JvmDO{}).
		Where("customer_id = ? AND code_base_fingerprint IS NOT NULL", customerId).
		Distinct().
		Pluck("code_base_fingerprint", &values).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to query referenced fingerprints")
	}

	referenced := make(map[string]struct{}, len(values))
	for _, value := range values {
		referenced[value] = struct{}{}
	}
	return referenced, nil
}

func (d *daoImpl) FindAllMethods(customerId uint) ([]*MethodDO, error) {
	methods := []*MethodDO{}
	err := d.db.Where("customer_id = ?", customerId).Find(&methods).Error
	return methods, errors.Wrap(err, "failed to query methods")
}

func (d *daoImpl) FindAllInvocations(customerId uint) ([]*InvocationDO, error) {
	invocations := []*InvocationDO{}
	err := d.db.Where("customer_id = ?", customerId).Find(&invocations).Error
	return invocations, errors.Wrap(err, "failed to query invocations")
}

func (d *daoImpl) DB() *gorm.DB {
	return d.db
}
