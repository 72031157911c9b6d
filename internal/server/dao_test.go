package server

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDao(t *testing.T) Dao {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "scavenger.db")), &gorm.Config{
		TranslateError: true,
		Logger: logger.New(log.New(os.Stdout, "", 0), logger.Config{
			LogLevel: logger.Silent,
		}),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	// sqlite allows a single writer; serialize the pool so concurrent test
	// goroutines queue instead of failing with a busy error
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access test database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	dao, err := newDaoWithDB(db)
	if err != nil {
		t.Fatalf("failed to build dao: %v", err)
	}
	return dao
}

func TestDaoImpl_UpsertAgentState(t *testing.T) {
	dao := newTestDao(t)
	customerId := uint(1)
	jvmUuid := "2f26fbd2-52ae-4e64-a71e-d6e9ae4d51c9"
	firstPoll := time.Now().Add(-time.Hour).Truncate(time.Second)

	/*
		first poll inserts, with enabled forced to true
	*/
	err := dao.UpsertAgentState(customerId, jvmUuid, firstPoll, firstPoll.Add(time.Minute), false)
	assert.NoError(t, err)

	state, err := dao.FindAgentState(customerId, jvmUuid)
	assert.NoError(t, err)
	assert.True(t, state.Enabled)
	assert.Equal(t, firstPoll.Unix(), state.LastPolledAt.Unix())
	assert.Equal(t, firstPoll.Unix(), state.CreatedAt.Unix())

	/*
		second poll updates in place and keeps createdAt
	*/
	secondPoll := firstPoll.Add(time.Minute)
	err = dao.UpsertAgentState(customerId, jvmUuid, secondPoll, secondPoll.Add(time.Minute), false)
	assert.NoError(t, err)

	updated, err := dao.FindAgentState(customerId, jvmUuid)
	assert.NoError(t, err)
	assert.Equal(t, state.ID, updated.ID)
	assert.False(t, updated.Enabled)
	assert.Equal(t, secondPoll.Unix(), updated.LastPolledAt.Unix())
	assert.Equal(t, firstPoll.Unix(), updated.CreatedAt.Unix())
	assert.False(t, updated.NextPollExpectedAt.Before(updated.LastPolledAt))
}

func TestDaoImpl_InsertAgentStateConflict(t *testing.T) {
	dao := newTestDao(t)
	impl := dao.(*daoImpl)
	now := time.Now()
	jvmUuid := "51e81ef5-8d1e-4124-a235-a37e95fdd311"

	err := impl.insertAgentState(1, jvmUuid, now, now.Add(time.Minute))
	assert.NoError(t, err)

	// a second insert for the same (customer, jvm) is the double-insert
	// race; the unique index must reject it with the conflict sentinel
	err = impl.insertAgentState(1, jvmUuid, now, now.Add(time.Minute))
	assert.Equal(t, ErrAgentStateConflict, err)

	// a different customer with the same jvm uuid is no conflict
	err = impl.insertAgentState(2, jvmUuid, now, now.Add(time.Minute))
	assert.NoError(t, err)
}

func TestDaoImpl_DeleteGarbageAgentStates(t *testing.T) {
	dao := newTestDao(t)
	customerId := uint(1)
	now := time.Now()
	threshold := now.Add(-time.Hour)

	for i, lastPolledAt := range []time.Time{
		now.Add(-2 * time.Hour),
		now.Add(-90 * time.Minute),
		now.Add(-time.Minute),
	} {
		err := dao.UpsertAgentState(customerId, fmt.Sprintf("00000000-0000-0000-0000-00000000000%d", i),
			lastPolledAt, lastPolledAt.Add(time.Minute), true)
		assert.NoError(t, err)
	}
	// another customer's expired agent must not be touched
	err := dao.UpsertAgentState(2, "00000000-0000-0000-0000-000000000009",
		now.Add(-2*time.Hour), now.Add(-2*time.Hour).Add(time.Minute), true)
	assert.NoError(t, err)

	deleted, err := dao.DeleteGarbageAgentStates(customerId, threshold)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	remaining, err := dao.FindGarbageAgentStates(customerId, now)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(remaining))

	other, err := dao.FindAgentState(2, "00000000-0000-0000-0000-000000000009")
	assert.NoError(t, err)
	assert.NotNil(t, other)

	/*
		second run with the same threshold deletes nothing
	*/
	deleted, err = dao.DeleteGarbageAgentStates(customerId, threshold)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), deleted)
}

func TestDaoImpl_DeleteJvmsByUuids(t *testing.T) {
	dao := newTestDao(t)
	now := time.Now()

	for i := 0; i < 3; i++ {
		err := dao.SaveJvm(&JvmDO{
			CustomerId:    1,
			JvmUuid:       fmt.Sprintf("jvm-%d", i),
			ApplicationId: 1,
			Hostname:      "hostname",
			PublishedAt:   now,
		})
		assert.NoError(t, err)
	}
	// same uuid under another customer must survive
	err := dao.SaveJvm(&JvmDO{CustomerId: 2, JvmUuid: "jvm-0", ApplicationId: 1, PublishedAt: now})
	assert.NoError(t, err)

	deleted, err := dao.DeleteJvmsByUuids(1, []string{})
	assert.NoError(t, err)
	assert.Equal(t, int64(0), deleted)

	deleted, err = dao.DeleteJvmsByUuids(1, []string{"jvm-0", "jvm-2"})
	assert.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	jvms, err := dao.FindAllJvms(1)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(jvms))
	assert.Equal(t, "jvm-1", jvms[0].JvmUuid)

	otherJvms, err := dao.FindAllJvms(2)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(otherJvms))
}

func TestDaoImpl_FindReferencedFingerprints(t *testing.T) {
	dao := newTestDao(t)
	now := time.Now()

	finger := "finger1"
	err := dao.SaveJvm(&JvmDO{CustomerId: 1, JvmUuid: "jvm-1", CodeBaseFingerprint: &finger, PublishedAt: now})
	assert.NoError(t, err)
	// fingerprint not yet resolved
	err = dao.SaveJvm(&JvmDO{CustomerId: 1, JvmUuid: "jvm-2", CodeBaseFingerprint: nil, PublishedAt: now})
	assert.NoError(t, err)
	otherFinger := "finger2"
	err = dao.SaveJvm(&JvmDO{CustomerId: 2, JvmUuid: "jvm-3", CodeBaseFingerprint: &otherFinger, PublishedAt: now})
	assert.NoError(t, err)

	referenced, err := dao.FindReferencedFingerprints(1)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(referenced))
	_, ok := referenced["finger1"]
	assert.True(t, ok)
}

func TestDaoImpl_RecordMethodSeen(t *testing.T) {
	dao := newTestDao(t)
	customerId := uint(1)

	err := dao.RecordMethodSeen(customerId, "com.example.Service", "doWork()", 1000)
	assert.NoError(t, err)

	methods, err := dao.FindAllMethods(customerId)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(methods))
	assert.Equal(t, int64(1000), methods[0].LastSeenAtMillis)

	/*
		re-seen clears a garbage mark and advances the timestamp
	*/
	marked, err := dao.MarkGarbageMethods(customerId, 2000)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), marked)

	err = dao.RecordMethodSeen(customerId, "com.example.Service", "doWork()", 3000)
	assert.NoError(t, err)

	methods, err = dao.FindAllMethods(customerId)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(methods))
	assert.False(t, methods[0].Garbage)
	assert.Equal(t, int64(3000), methods[0].LastSeenAtMillis)
}

func TestDaoImpl_MarkGarbageMethods(t *testing.T) {
	dao := newTestDao(t)
	customerId := uint(1)

	for i := 0; i < 5; i++ {
		err := dao.RecordMethodSeen(customerId, "com.example.Service", fmt.Sprintf("method%d()", i), int64(i*1000))
		assert.NoError(t, err)
	}

	marked, err := dao.MarkGarbageMethods(customerId, 2000)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), marked)

	/*
		marking again with the same threshold touches nothing
	*/
	marked, err = dao.MarkGarbageMethods(customerId, 2000)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), marked)
}

func TestDaoImpl_SweepGarbageMethods(t *testing.T) {
	dao := newTestDao(t)
	customerId := uint(1)

	for i := 0; i < 5; i++ {
		err := dao.RecordMethodSeen(customerId, "com.example.Service", fmt.Sprintf("method%d()", i), int64(i*1000))
		assert.NoError(t, err)
	}
	methods, err := dao.FindAllMethods(customerId)
	assert.NoError(t, err)
	for _, method := range methods {
		err := dao.RecordInvocation(&InvocationDO{
			CustomerId:      customerId,
			MethodId:        method.ID,
			JvmUuid:         "jvm-1",
			InvokedAtMillis: method.LastSeenAtMillis,
		})
		assert.NoError(t, err)
	}

	/*
		sweeping before any mark deletes nothing
	*/
	deleted, err := dao.SweepGarbageMethods(customerId, 10000)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), deleted)

	marked, err := dao.MarkGarbageMethods(customerId, 2000)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), marked)

	/*
		a reference time still inside the retention window is a no-op
	*/
	deleted, err = dao.SweepGarbageMethods(customerId, 500)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), deleted)

	deleted, err = dao.SweepGarbageMethods(customerId, 2000)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	methods, err = dao.FindAllMethods(customerId)
	assert.NoError(t, err)
	assert.Equal(t, 3, len(methods))

	/*
		no invocation may reference a deleted method
	*/
	surviving := map[uint]struct{}{}
	for _, method := range methods {
		surviving[method.ID] = struct{}{}
	}
	invocations, err := dao.FindAllInvocations(customerId)
	assert.NoError(t, err)
	assert.Equal(t, 3, len(invocations))
	for _, invocation := range invocations {
		_, ok := surviving[invocation.MethodId]
		assert.True(t, ok)
	}
}

func TestDaoImpl_RegisterCustomer(t *testing.T) {
	dao := newTestDao(t)

	customer, err := dao.RegisterCustomer("acme")
	assert.NoError(t, err)
	assert.NotEqual(t, uint(0), customer.ID)

	/*
		registering twice returns the existing row
	*/
	again, err := dao.RegisterCustomer("acme")
	assert.NoError(t, err)
	assert.Equal(t, customer.ID, again.ID)

	ids, err := dao.ListCustomerIds()
	assert.NoError(t, err)
	assert.Equal(t, []uint{customer.ID}, ids)
}
