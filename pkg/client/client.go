package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/deadcodehq/scavenger/pkg/api"
	"github.com/pkg/errors"
)

const defaultApiHostBaseUrl = "http://scavenger-collector.scavenger"

// NewApiClient returns a client for the collector's HTTP API. An empty
// baseUrl uses the in-cluster service address.
func NewApiClient(baseUrl string) api.API {
	if baseUrl == "" {
		baseUrl = defaultApiHostBaseUrl
	}
	return &apiClient{baseUrl: baseUrl}
}

var _ api.API = &apiClient{}

type apiClient struct {
	baseUrl string
}

func (a *apiClient) Poll(request *api.PollRequest) (*api.PollResponse, error) {
	marshal, err := json.Marshal(request)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal poll request")
	}

	response, err := http.Post(a.baseUrl+"/poll", "application/json", bytes.NewReader(marshal))
	if err != nil {
		return nil, errors.Wrap(err, "poll request failed")
	}
	defer func() { _ = response.Body.Close() }()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read poll response")
	}

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll rejected with status %d: %s", response.StatusCode, string(body))
	}

	dest := &api.PollResponse{}
	err = json.Unmarshal(body, dest)
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("failed to parse poll response, body was\n%s", string(body)))
	}

	return dest, nil
}

func (a *apiClient) TriggerCollection() {
	_, _ = http.Get(a.baseUrl + "/gc")
}
