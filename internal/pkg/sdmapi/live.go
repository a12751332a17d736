package sdmapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/jdtait/nest-protect-gateway/internal/pkg/logging"
	"github.com/jdtait/nest-protect-gateway/internal/pkg/nestauth"
)

// DefaultBaseURL is the SDM REST endpoint
const DefaultBaseURL = "https://smartdevicemanagement.googleapis.com/v1"

var (
	// ErrAuthentication means the API rejected our token even after
	// one forced refresh
	ErrAuthentication = nestauth.ErrAuthentication

	// ErrConnection wraps transport-level and non-401 HTTP failures
	ErrConnection = nestauth.ErrConnection
)

// Live talks to the SDM REST API through the authenticated request
// pipeline: bearer injection, exactly one forced refresh and retry on
// a 401, typed errors otherwise.
type Live struct {
	sdmProjectID string
	baseURL      string
	tokens       TokenSource
	timeout      time.Duration

	mu sync.Mutex
	hc *http.Client
}

func NewLiveClient(sdmProjectID string, tokens TokenSource) *Live {
	return &Live{
		sdmProjectID: "enterprises/" + sdmProjectID,
		baseURL:      DefaultBaseURL,
		tokens:       tokens,
	}
}

func (c *Live) WithTimeout(d time.Duration) SmartDeviceManagement {
	c.timeout = d
	return c
}

func (c *Live) WithBaseURL(u string) *Live {
	c.baseURL = strings.TrimSuffix(u, "/")
	return c
}

// session returns the shared HTTP client, lazily creating it and
// recreating it if it was torn down by Close.
func (c *Live) session() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hc == nil {
		c.hc = &http.Client{Timeout: c.timeout}
	}
	return c.hc
}

// Close tears down the shared HTTP session.  A later call recreates
// it.
func (c *Live) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hc != nil {
		c.hc.CloseIdleConnections()
		c.hc = nil
	}
}

// do issues one authenticated request.  On a 401 it forces a single
// token refresh and retries once; a second rejection propagates as an
// authentication error.  Other non-2xx statuses surface the response
// detail; transport faults are wrapped into the connection-error kind.
func (c *Live) do(ctx context.Context, method, path string, body interface{}) (json.RawMessage, error) {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	status, respBody, err := c.issue(ctx, method, path, body, token)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized {
		logging.Logger(ctx).Debug("got 401, forcing token refresh and retrying once")
		if err := c.tokens.Refresh(ctx); err != nil {
			return nil, err
		}

		token, err = c.tokens.AccessToken(ctx)
		if err != nil {
			return nil, err
		}

		status, respBody, err = c.issue(ctx, method, path, body, token)
		if err != nil {
			return nil, err
		}

		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return nil, errors.Wrapf(ErrAuthentication, "API rejected refreshed token: %d: %s", status, respBody)
		}
	}

	if status < 200 || status > 299 {
		return nil, errors.Wrapf(ErrConnection, "non-2xx code from device API: %d: %s", status, respBody)
	}

	return respBody, nil
}

func (c *Live) issue(ctx context.Context, method, path string, body interface{}, token string) (int, []byte, error) {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, errors.Wrap(err, "encoding request body")
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, nil, errors.Wrap(err, "building device API request")
	}

	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.session().Do(req)
	if err != nil {
		return 0, nil, errors.Wrapf(ErrConnection, "executing device API request: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, errors.Wrapf(ErrConnection, "reading device API response: %v", err)
	}

	return resp.StatusCode, respBody, nil
}

// rawDevice is the wire shape of an SDM device document
type rawDevice struct {
	Name   string          `json:"name"`
	Type   string          `json:"type"`
	Traits json.RawMessage `json:"traits"`
}

func (c *Live) parseDevice(rd rawDevice) (Device, error) {
	t := NewTraits()
	if len(rd.Traits) > 0 {
		if err := t.Parse(rd.Traits); err != nil {
			return Device{}, errors.Wrap(err, "parsing device traits")
		}
	}

	return Device{
		Name:       rd.Name,
		DeviceType: rd.Type,
		Traits:     t,
	}, nil
}

func (c *Live) Devices(ctx context.Context) ([]Device, error) {
	respBody, err := c.do(ctx, http.MethodGet, "/"+c.sdmProjectID+"/devices", nil)
	if err != nil {
		return nil, err
	}

	var list struct {
		Devices []rawDevice `json:"devices"`
	}
	if err := json.Unmarshal(respBody, &list); err != nil {
		return nil, errors.Wrap(err, "decoding device list")
	}

	items := make([]Device, 0, len(list.Devices))
	for _, rd := range list.Devices {
		d, err := c.parseDevice(rd)
		if err != nil {
			return nil, err
		}
		items = append(items, d)
	}

	return items, nil
}

func (c *Live) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	respBody, err := c.do(ctx, http.MethodGet, "/"+c.longDeviceName(deviceID), nil)
	if err != nil {
		return nil, err
	}

	var rd rawDevice
	if err := json.Unmarshal(respBody, &rd); err != nil {
		return nil, errors.Wrap(err, "decoding device document")
	}

	d, err := c.parseDevice(rd)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Live) longDeviceName(shortName string) string {
	return c.sdmProjectID + "/devices/" + shortName
}

// executeCommandRequest is the :executeCommand wire payload
type executeCommandRequest struct {
	Command string      `json:"command"`
	Params  interface{} `json:"params,omitempty"`
}

func (c *Live) SendCommand(ctx context.Context, deviceID string, command Command) error {
	req := executeCommandRequest{
		Command: command.commandName(),
		Params:  command,
	}

	logging.Logger(ctx).Debugf("sending command %s to device %s", req.Command, deviceID)

	_, err := c.do(ctx, http.MethodPost, "/"+c.longDeviceName(deviceID)+":executeCommand", req)
	if err != nil {
		return errors.Wrapf(err, "executing command %s", req.Command)
	}

	return nil
}
