package protect

import "time"

// AlarmState is the normalized state of one alarm channel on a
// Protect device.
type AlarmState string

const (
	AlarmStateOK        AlarmState = "ok"
	AlarmStateWarning   AlarmState = "warning"
	AlarmStateEmergency AlarmState = "emergency"
	AlarmStateTesting   AlarmState = "testing"
	AlarmStateOff       AlarmState = "off"
)

// BatteryState is the normalized battery health of a Protect device.
type BatteryState string

const (
	BatteryStateOK       BatteryState = "ok"
	BatteryStateReplace  BatteryState = "replace_soon"
	BatteryStateCritical BatteryState = "replace_now"
	BatteryStateMissing  BatteryState = "missing"
	BatteryStateInvalid  BatteryState = "invalid"
)

// CommandName enumerates the commands the dispatcher accepts.
type CommandName string

const (
	CommandHush          CommandName = "hush"
	CommandTest          CommandName = "test"
	CommandLocate        CommandName = "locate"
	CommandUpdate        CommandName = "update"
	CommandLedBrightness CommandName = "led_brightness"
)

func validCommand(name CommandName) bool {
	switch name {
	case CommandHush, CommandTest, CommandLocate, CommandUpdate, CommandLedBrightness:
		return true
	}
	return false
}

// DeviceRecord is the vendor-agnostic device state the dispatch logic
// works with.  It is replaced wholesale on each fetch and may be
// patched locally after a successful command.  Numeric sensor fields
// are pointers: nil means the backing trait was absent, not zero.
type DeviceRecord struct {
	ID           string `json:"device_id"`
	Name         string `json:"name"`
	Model        string `json:"model"`
	SerialNumber string `json:"serial_number"`

	Online          bool         `json:"online"`
	BatteryHealth   BatteryState `json:"battery_health"`
	CoAlarmState    AlarmState   `json:"co_alarm_state"`
	SmokeAlarmState AlarmState   `json:"smoke_alarm_state"`
	HeatAlarmState  AlarmState   `json:"heat_alarm_state"`

	BatteryLevel *int     `json:"battery_level,omitempty"`
	CoPPM        *float64 `json:"co_ppm,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	Humidity     *float64 `json:"humidity,omitempty"`

	LastConnection  *time.Time `json:"last_connection,omitempty"`
	SoftwareVersion string     `json:"software_version,omitempty"`
}

// CommandRequest is a command submitted through the tool layer.  An
// absent DeviceID targets every cached device.
type CommandRequest struct {
	Command  CommandName            `json:"command"`
	DeviceID string                 `json:"device_id,omitempty"`
	Params   map[string]interface{} `json:"params,omitempty"`
}

// Event is a fire-and-forget notification emitted after a successful
// command.  Events are not persisted.
type Event struct {
	EventID   string                 `json:"event_id"`
	DeviceID  string                 `json:"device_id"`
	Timestamp time.Time              `json:"timestamp"`
	EventType string                 `json:"event_type"`
	EventData map[string]interface{} `json:"event_data,omitempty"`
}

// Config is the parsed configuration the core consumes; loading it is
// the caller's concern.
type Config struct {
	ProjectID      string
	ClientID       string
	ClientSecret   string
	RefreshToken   string
	UpdateInterval time.Duration
}
