package server

import (
	"log"
	"os"
	"testing"
	"time"

	"github.com/deadcodehq/scavenger/pkg/api"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func newTestServer(t *testing.T) (*serverImpl, Dao) {
	dao := newTestDao(t)
	config := &ServerConfig{
		Port:            DefaultPort,
		PollingInterval: DefaultPollingInterval,
		DeadMargin:      DefaultDeadMargin,
		MethodRetention: DefaultMethodRetention,
	}
	s := &serverImpl{
		config: config,
		dao:    dao,
		gc: NewGarbageCollector(dao, IntervalPolicy{
			PollingInterval: config.PollingInterval,
			DeadMargin:      config.DeadMargin,
			MethodRetention: config.MethodRetention,
		}),
		logger:    log.New(os.Stdout, "", 0),
		executeGC: make(chan struct{}, 1),
	}
	return s, dao
}

func TestServerImpl_Poll(t *testing.T) {
	s, dao := newTestServer(t)
	jvmUuid := uuid.NewString()

	response, err := s.Poll(&api.PollRequest{
		CustomerId:          1,
		JvmUuid:             jvmUuid,
		ApplicationId:       1,
		EnvironmentId:       1,
		CodeBaseFingerprint: "finger1",
		Hostname:            "hostname",
		Enabled:             true,
	})
	assert.NoError(t, err)
	assert.True(t, response.NextPollExpectedAt.After(time.Now().Add(30*time.Second)))

	state, err := dao.FindAgentState(1, jvmUuid)
	assert.NoError(t, err)
	assert.True(t, state.Enabled)
	assert.False(t, state.NextPollExpectedAt.Before(state.LastPolledAt))

	jvms, err := dao.FindAllJvms(1)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(jvms))
	assert.Equal(t, "finger1", *jvms[0].CodeBaseFingerprint)

	/*
		a second poll updates the same rows instead of creating new ones
	*/
	_, err = s.Poll(&api.PollRequest{
		CustomerId:    1,
		JvmUuid:       jvmUuid,
		ApplicationId: 1,
		Hostname:      "hostname-2",
		Enabled:       false,
	})
	assert.NoError(t, err)

	updated, err := dao.FindAgentState(1, jvmUuid)
	assert.NoError(t, err)
	assert.Equal(t, state.ID, updated.ID)
	assert.False(t, updated.Enabled)

	jvms, err = dao.FindAllJvms(1)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(jvms))
	assert.Equal(t, "hostname-2", jvms[0].Hostname)
}

func TestServerImpl_PollValidation(t *testing.T) {
	s, _ := newTestServer(t)

	_, err := s.Poll(&api.PollRequest{CustomerId: 1, JvmUuid: "not-a-uuid"})
	assert.True(t, errors.Is(err, ErrInvalidPollRequest))

	_, err = s.Poll(&api.PollRequest{CustomerId: 0, JvmUuid: uuid.NewString()})
	assert.True(t, errors.Is(err, ErrInvalidPollRequest))
}

func TestServerImpl_TriggerCollection(t *testing.T) {
	s, _ := newTestServer(t)

	s.TriggerCollection()

	select {
	case <-s.executeGC:
	default:
		assert.Fail(t, "trigger did not reach the gc channel")
	}
}
