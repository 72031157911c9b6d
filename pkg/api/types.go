package api

import "time"

// PollRequest is the heartbeat an agent sends every polling interval. The
// customer id scopes everything; no request may omit it.
type PollRequest struct {
	CustomerId          uint   `json:"customerId"`
	JvmUuid             string `json:"jvmUuid"`
	ApplicationId       uint   `json:"applicationId"`
	EnvironmentId       uint   `json:"environmentId"`
	CodeBaseFingerprint string `json:"codeBaseFingerprint,omitempty"`
	Hostname            string `json:"hostname"`
	Enabled             bool   `json:"enabled"`
}

type PollResponse struct {
	NextPollExpectedAt time.Time `json:"nextPollExpectedAt"`
}

type API interface {
	Poll(request *PollRequest) (*PollResponse, error)

	// TriggerCollection starts a garbage collection cycle out of schedule.
	TriggerCollection()
}
