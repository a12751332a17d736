package sdmapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
)

// fakeTokens hands out sequenced tokens and counts refreshes
type fakeTokens struct {
	tokens     []string
	issued     int32
	refreshes  int32
	refreshErr error
}

func (f *fakeTokens) AccessToken(ctx context.Context) (string, error) {
	n := int(atomic.AddInt32(&f.issued, 1)) - 1
	if n >= len(f.tokens) {
		n = len(f.tokens) - 1
	}
	return f.tokens[n], nil
}

func (f *fakeTokens) Refresh(ctx context.Context) error {
	atomic.AddInt32(&f.refreshes, 1)
	return f.refreshErr
}

func newTestClient(t *testing.T, handler http.HandlerFunc, tokens *fakeTokens) *Live {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewLiveClient("proj-1", tokens).WithBaseURL(srv.URL)
	c.WithTimeout(time.Second * 5)
	return c
}

const deviceListBody = `{
  "devices": [
    {
      "name": "enterprises/proj-1/devices/dev-1",
      "type": "sdm.devices.types.SMOKE_DETECTOR",
      "traits": {
        "sdm.devices.traits.Info": {"customName": "Hallway"},
        "sdm.devices.traits.Connectivity": {"status": "ONLINE"}
      }
    }
  ]
}`

func TestDevicesSendsBearerToken(t *testing.T) {
	var gotAuth, gotPath string
	tokens := &fakeTokens{tokens: []string{"tok-1"}}

	c := newTestClient(t, func(rw http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_, _ = rw.Write([]byte(deviceListBody))
	}, tokens)

	devices, err := c.Devices(context.Background())
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}

	if gotAuth != "Bearer tok-1" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotPath != "/enterprises/proj-1/devices" {
		t.Errorf("path = %q", gotPath)
	}
	if len(devices) != 1 {
		t.Fatalf("got %d devices, want 1", len(devices))
	}
	if devices[0].Name != "enterprises/proj-1/devices/dev-1" {
		t.Errorf("device name = %q", devices[0].Name)
	}
	if info := devices[0].Traits.Info(); info == nil || info.CustomName != "Hallway" {
		t.Errorf("info trait = %+v", info)
	}
}

func TestDoRetriesOnceAfter401(t *testing.T) {
	var calls int32
	tokens := &fakeTokens{tokens: []string{"stale", "fresh"}}

	c := newTestClient(t, func(rw http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("Authorization") == "Bearer stale" {
			rw.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = rw.Write([]byte(deviceListBody))
	}, tokens)

	if _, err := c.Devices(context.Background()); err != nil {
		t.Fatalf("Devices after retry: %v", err)
	}

	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("outbound calls = %d, want 2", n)
	}
	if n := atomic.LoadInt32(&tokens.refreshes); n != 1 {
		t.Errorf("refreshes = %d, want 1", n)
	}
}

func TestDoSecond401IsAuthenticationError(t *testing.T) {
	var calls int32
	tokens := &fakeTokens{tokens: []string{"stale"}}

	c := newTestClient(t, func(rw http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		rw.WriteHeader(http.StatusUnauthorized)
	}, tokens)

	_, err := c.Devices(context.Background())
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("err = %v, want ErrAuthentication", err)
	}

	// exactly one retry, never a third attempt
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("outbound calls = %d, want 2", n)
	}
}

func TestDoNon2xxIsConnectionError(t *testing.T) {
	tokens := &fakeTokens{tokens: []string{"tok-1"}}

	c := newTestClient(t, func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusServiceUnavailable)
		_, _ = rw.Write([]byte("backend down"))
	}, tokens)

	_, err := c.Devices(context.Background())
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("err = %v, want ErrConnection", err)
	}
	if n := atomic.LoadInt32(&tokens.refreshes); n != 0 {
		t.Errorf("refreshes = %d, want 0", n)
	}
}

func TestDoTransportFailureIsConnectionError(t *testing.T) {
	tokens := &fakeTokens{tokens: []string{"tok-1"}}

	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	c := NewLiveClient("proj-1", tokens).WithBaseURL(srv.URL)

	_, err := c.Devices(context.Background())
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("err = %v, want ErrConnection", err)
	}
}

func TestGetDevice(t *testing.T) {
	var gotPath string
	tokens := &fakeTokens{tokens: []string{"tok-1"}}

	c := newTestClient(t, func(rw http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = rw.Write([]byte(`{
			"name": "enterprises/proj-1/devices/dev-1",
			"type": "sdm.devices.types.SMOKE_DETECTOR",
			"traits": {"sdm.devices.traits.Battery": {"batteryStatus": "NORMAL"}}
		}`))
	}, tokens)

	d, err := c.GetDevice(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}

	if gotPath != "/enterprises/proj-1/devices/dev-1" {
		t.Errorf("path = %q", gotPath)
	}
	if b := d.Traits.Battery(); b == nil || b.BatteryStatus != "NORMAL" {
		t.Errorf("battery trait = %+v", b)
	}
}

func TestSendCommandPayload(t *testing.T) {
	var gotPath string
	var gotBody []byte
	tokens := &fakeTokens{tokens: []string{"tok-1"}}

	c := newTestClient(t, func(rw http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = rw.Write([]byte(`{}`))
	}, tokens)

	err := c.SendCommand(context.Background(), "dev-1", NewHushCommand(time.Second*180))
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}

	if gotPath != "/enterprises/proj-1/devices/dev-1:executeCommand" {
		t.Errorf("path = %q", gotPath)
	}

	var payload struct {
		Command string `json:"command"`
		Params  struct {
			Duration string `json:"duration"`
		} `json:"params"`
	}
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if payload.Command != "sdm.devices.commands.SafetyHush.Hush" {
		t.Errorf("command = %q", payload.Command)
	}
	if payload.Params.Duration != "180s" {
		t.Errorf("duration = %q", payload.Params.Duration)
	}
}
