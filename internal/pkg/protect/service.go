package protect

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/jdtait/nest-protect-gateway/internal/pkg/logging"
	"github.com/jdtait/nest-protect-gateway/internal/pkg/sdmapi"
	"github.com/jdtait/nest-protect-gateway/internal/pkg/statestore"
)

// State key holding the serialized device cache
const keyDevices = "devices"

const (
	defaultHushDuration   = time.Second * 180
	defaultLocateDuration = time.Second * 10
)

// TokenManager is the slice of the token lifecycle the service
// needs; satisfied by nestauth.Manager.
type TokenManager interface {
	Load(configRefreshToken string)
	Authenticated() bool
}

// Service owns the in-memory device cache and dispatches commands
// through the authenticated request pipeline, emitting typed events
// on success.
type Service struct {
	cfg       Config
	store     *statestore.Store
	tokens    TokenManager
	api       sdmapi.SmartDeviceManagement
	listeners *listenerRegistry

	mu      sync.Mutex
	devices map[string]DeviceRecord
}

func New(cfg Config, store *statestore.Store, tokens TokenManager, api sdmapi.SmartDeviceManagement) *Service {
	return &Service{
		cfg:       cfg,
		store:     store,
		tokens:    tokens,
		api:       api,
		listeners: newListenerRegistry(),
		devices:   make(map[string]DeviceRecord),
	}
}

// Initialize loads persisted state: token fields into the lifecycle
// manager and the serialized device cache into memory.
func (s *Service) Initialize(ctx context.Context) error {
	if err := s.store.Load(); err != nil {
		return errors.Wrap(err, "loading gateway state")
	}

	s.tokens.Load(s.cfg.RefreshToken)
	s.restoreDeviceCache(ctx)

	logging.Logger(ctx).Infof("gateway initialized, authenticated=%v, %d cached devices",
		s.tokens.Authenticated(), s.deviceCount())
	return nil
}

// Shutdown persists the device cache and tears down the shared HTTP
// session.  The cache itself is discarded with the process.
func (s *Service) Shutdown(ctx context.Context) error {
	s.persistDeviceCache()
	s.api.Close()
	logging.Logger(ctx).Info("gateway shut down")
	return nil
}

// AddListener registers an event listener and returns a handle for
// RemoveListener.
func (s *Service) AddListener(l EventListener) int {
	return s.listeners.add(l)
}

func (s *Service) RemoveListener(id int) {
	s.listeners.remove(id)
}

// Authenticated reports whether a refresh token is known.
func (s *Service) Authenticated() bool {
	return s.tokens.Authenticated()
}

func (s *Service) deviceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.devices)
}

// DeviceCount returns the number of cached devices.
func (s *Service) DeviceCount() int {
	return s.deviceCount()
}

// ListDevices returns the cached device snapshot, populating the
// cache through the pipeline on first use.  When unauthenticated, or
// when the read fails, it degrades to whatever is cached (possibly
// nothing) with a logged warning rather than failing the tool call.
func (s *Service) ListDevices(ctx context.Context) ([]DeviceRecord, error) {
	if !s.tokens.Authenticated() {
		logging.Logger(ctx).Warn("not authenticated with the device API, returning no devices")
		return []DeviceRecord{}, nil
	}

	if s.deviceCount() == 0 {
		if err := s.RefreshDevices(ctx); err != nil {
			logging.Logger(ctx).WithError(err).Warn("fetching devices")
		}
	}

	return s.snapshot(), nil
}

// GetDevice returns the cached record for a device, populating the
// cache on first use.
func (s *Service) GetDevice(ctx context.Context, deviceID string) (*DeviceRecord, error) {
	if s.deviceCount() == 0 && s.tokens.Authenticated() {
		if err := s.RefreshDevices(ctx); err != nil {
			logging.Logger(ctx).WithError(err).Warn("fetching devices")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.devices[deviceID]; ok {
		out := rec
		return &out, nil
	}
	return nil, errors.Wrapf(ErrDeviceNotFound, "device %s", deviceID)
}

// RefreshDevices replaces the whole cache from the device API and
// persists the new snapshot.
func (s *Service) RefreshDevices(ctx context.Context) error {
	raw, err := s.api.Devices(ctx)
	if err != nil {
		return err
	}

	devices := make(map[string]DeviceRecord, len(raw))
	for _, d := range raw {
		rec := MapDevice(d)
		devices[rec.ID] = rec
	}

	s.mu.Lock()
	s.devices = devices
	s.mu.Unlock()

	s.persistDeviceCache()
	logging.Logger(ctx).Debugf("device cache refreshed, %d devices", len(devices))
	return nil
}

// SendCommand validates and dispatches a command.  Validation happens
// before any network call.  An absent device id targets all cached
// devices.  Success patches the cache for read-after-write
// consistency and emits exactly one event per device; a remote
// rejection leaves the cache and listeners untouched.
func (s *Service) SendCommand(ctx context.Context, req CommandRequest) (bool, error) {
	if !validCommand(req.Command) {
		return false, errors.Wrapf(ErrInvalidCommand, "command %q", req.Command)
	}

	plan, err := planCommand(req)
	if err != nil {
		return false, err
	}

	targets, err := s.resolveTargets(ctx, req.DeviceID)
	if err != nil {
		return false, err
	}

	logging.Logger(ctx).Infof("dispatching %s to %d device(s)", req.Command, len(targets))

	success := true
	var firstErr error
	for _, deviceID := range targets {
		if err := s.execute(ctx, deviceID, req.Command, plan); err != nil {
			logging.Logger(ctx).WithError(err).Errorf("command %s failed for device %s", req.Command, deviceID)
			success = false
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return success, firstErr
}

func (s *Service) resolveTargets(ctx context.Context, deviceID string) ([]string, error) {
	if s.deviceCount() == 0 && s.tokens.Authenticated() {
		if err := s.RefreshDevices(ctx); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if deviceID != "" {
		if _, ok := s.devices[deviceID]; !ok {
			return nil, errors.Wrapf(ErrDeviceNotFound, "device %s", deviceID)
		}
		return []string{deviceID}, nil
	}

	all := make([]string, 0, len(s.devices))
	for id := range s.devices {
		all = append(all, id)
	}
	return all, nil
}

// commandPlan is a validated command: the remote call to make and the
// local cache patch and event to apply on success.
type commandPlan struct {
	remote    sdmapi.Command // nil for local-only commands (update)
	eventType string
	eventData map[string]interface{}
	patch     func(*DeviceRecord)
}

func planCommand(req CommandRequest) (*commandPlan, error) {
	switch req.Command {
	case CommandHush:
		d, err := durationParam(req.Params, "duration", defaultHushDuration)
		if err != nil {
			return nil, err
		}
		return &commandPlan{
			remote:    sdmapi.NewHushCommand(d),
			eventType: "alarm_hushed",
			eventData: map[string]interface{}{"hush_duration": int(d.Seconds())},
			patch: func(rec *DeviceRecord) {
				rec.CoAlarmState = AlarmStateOff
				rec.SmokeAlarmState = AlarmStateOff
				rec.HeatAlarmState = AlarmStateOff
			},
		}, nil

	case CommandTest:
		testType := stringParam(req.Params, "type", "full")
		switch testType {
		case "full", "smoke", "co", "heat":
		default:
			return nil, errors.Wrapf(ErrValidation, "unknown test type %q", testType)
		}
		return &commandPlan{
			remote:    sdmapi.NewSelfTestCommand(testType),
			eventType: "safety_test_started",
			eventData: map[string]interface{}{"test_type": testType},
		}, nil

	case CommandLocate:
		d, err := durationParam(req.Params, "duration", defaultLocateDuration)
		if err != nil {
			return nil, err
		}
		return &commandPlan{
			remote:    sdmapi.NewLocateCommand(d),
			eventType: "locate_started",
			eventData: map[string]interface{}{"duration": int(d.Seconds())},
		}, nil

	case CommandLedBrightness:
		level, ok, err := intParam(req.Params, "level")
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.Wrap(ErrValidation, "led_brightness requires a level parameter")
		}
		if level < 0 || level > 100 {
			return nil, errors.Wrapf(ErrValidation, "level %d out of range 0-100", level)
		}
		return &commandPlan{
			remote:    sdmapi.NewLedBrightnessCommand(level),
			eventType: "led_brightness_set",
			eventData: map[string]interface{}{"level": level},
		}, nil

	case CommandUpdate:
		// no remote executeCommand exists; refreshes the record instead
		return &commandPlan{
			eventType: "state_updated",
		}, nil
	}

	return nil, errors.Wrapf(ErrInvalidCommand, "command %q", req.Command)
}

func (s *Service) execute(ctx context.Context, deviceID string, name CommandName, plan *commandPlan) error {
	if plan.remote == nil {
		return s.updateDevice(ctx, deviceID, plan)
	}

	if err := s.api.SendCommand(ctx, deviceID, plan.remote); err != nil {
		return err
	}

	if plan.patch != nil {
		s.mu.Lock()
		if rec, ok := s.devices[deviceID]; ok {
			plan.patch(&rec)
			s.devices[deviceID] = rec
		}
		s.mu.Unlock()
		s.persistDeviceCache()
	}

	s.listeners.emit(newEvent(deviceID, plan.eventType, plan.eventData))
	return nil
}

// updateDevice re-fetches one device and replaces its cached record.
func (s *Service) updateDevice(ctx context.Context, deviceID string, plan *commandPlan) error {
	d, err := s.api.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}

	rec := MapDevice(*d)

	s.mu.Lock()
	s.devices[rec.ID] = rec
	s.mu.Unlock()
	s.persistDeviceCache()

	s.listeners.emit(newEvent(deviceID, plan.eventType, plan.eventData))
	return nil
}

func (s *Service) snapshot() []DeviceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]DeviceRecord, 0, len(s.devices))
	for _, rec := range s.devices {
		out = append(out, rec)
	}
	return out
}

func (s *Service) persistDeviceCache() {
	s.store.Set(keyDevices, s.snapshot(), true)
}

// restoreDeviceCache rehydrates the cache persisted by a previous
// run.  The store hands back generic JSON values, so round-trip
// through the codec.
func (s *Service) restoreDeviceCache(ctx context.Context) {
	v := s.store.Get(keyDevices, nil)
	if v == nil {
		return
	}

	b, err := json.Marshal(v)
	if err != nil {
		logging.Logger(ctx).WithError(err).Warn("re-encoding persisted device cache")
		return
	}

	var recs []DeviceRecord
	if err := json.Unmarshal(b, &recs); err != nil {
		logging.Logger(ctx).WithError(err).Warn("decoding persisted device cache")
		return
	}

	devices := make(map[string]DeviceRecord, len(recs))
	for _, rec := range recs {
		devices[rec.ID] = rec
	}

	s.mu.Lock()
	s.devices = devices
	s.mu.Unlock()
}

// Parameter coercion; tool-layer params arrive as generic JSON.

func stringParam(params map[string]interface{}, key, def string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return def
}

func intParam(params map[string]interface{}, key string) (int, bool, error) {
	v, ok := params[key]
	if !ok {
		return 0, false, nil
	}

	switch n := v.(type) {
	case int:
		return n, true, nil
	case float64:
		return int(n), true, nil
	}
	return 0, false, errors.Wrapf(ErrValidation, "parameter %q must be a number", key)
}

func durationParam(params map[string]interface{}, key string, def time.Duration) (time.Duration, error) {
	secs, ok, err := intParam(params, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return def, nil
	}
	if secs <= 0 {
		return 0, errors.Wrapf(ErrValidation, "parameter %q must be positive", key)
	}
	return time.Second * time.Duration(secs), nil
}
