package server

import (
	"time"

	"github.com/deadcodehq/scavenger/pkg/api"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var _ api.API = &serverImpl{}

// Poll records one agent heartbeat: the agent state is upserted
// update-first and the jvm snapshot row is refreshed alongside it. On a
// lost insert race the update path is retried once, since the row now
// exists.
func (s *serverImpl) Poll(request *api.PollRequest) (*api.PollResponse, error) {
	if _, err := uuid.Parse(request.JvmUuid); err != nil {
		return nil, errors.Wrapf(ErrInvalidPollRequest, "jvmUuid %q is not a valid uuid", request.JvmUuid)
	}
	if request.CustomerId == 0 {
		return nil, errors.Wrap(ErrInvalidPollRequest, "customerId is required")
	}

	thisPollAt := time.Now()
	nextExpectedPollAt := thisPollAt.Add(s.config.PollingInterval)

	err := s.dao.UpsertAgentState(request.CustomerId, request.JvmUuid, thisPollAt, nextExpectedPollAt, request.Enabled)
	if err == ErrAgentStateConflict {
		err = s.dao.UpsertAgentState(request.CustomerId, request.JvmUuid, thisPollAt, nextExpectedPollAt, request.Enabled)
	}
	if err != nil {
		s.logger.Printf("failed to record poll of jvm %s for customer %d: %v\n",
			request.JvmUuid, request.CustomerId, err)
		return nil, err
	}

	var fingerprint *string
	if request.CodeBaseFingerprint != "" {
		fingerprint = &request.CodeBaseFingerprint
	}
	err = s.dao.SaveJvm(&JvmDO{
		CustomerId:          request.CustomerId,
		JvmUuid:             request.JvmUuid,
		ApplicationId:       request.ApplicationId,
		EnvironmentId:       request.EnvironmentId,
		CodeBaseFingerprint: fingerprint,
		Hostname:            request.Hostname,
		PublishedAt:         thisPollAt,
	})
	if err != nil {
		s.logger.Printf("failed to save jvm %s for customer %d: %v\n",
			request.JvmUuid, request.CustomerId, err)
		return nil, err
	}

	return &api.PollResponse{NextPollExpectedAt: nextExpectedPollAt}, nil
}

func (s *serverImpl) TriggerCollection() {
	s.executeGC <- struct{}{}
}
