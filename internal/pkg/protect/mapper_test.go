package protect

import (
	"testing"
	"time"

	"github.com/jdtait/nest-protect-gateway/internal/pkg/sdmapi"
)

func deviceFromTraits(t *testing.T, name, traitsJSON string) sdmapi.Device {
	t.Helper()

	traits := sdmapi.NewTraits()
	if err := traits.Parse([]byte(traitsJSON)); err != nil {
		t.Fatalf("parsing trait fixture: %v", err)
	}
	return sdmapi.Device{
		Name:       name,
		DeviceType: "sdm.devices.types.SMOKE_DETECTOR",
		Traits:     traits,
	}
}

func TestMapDeviceMinimalDocument(t *testing.T) {
	d := deviceFromTraits(t, "enterprises/proj-1/devices/abc", `{}`)

	rec := MapDevice(d)

	if rec.ID != "abc" {
		t.Errorf("ID = %q, want abc", rec.ID)
	}
	// no Info trait, so the resource name stands in
	if rec.Name != "enterprises/proj-1/devices/abc" {
		t.Errorf("Name = %q", rec.Name)
	}
	if rec.Online {
		t.Error("Online should default to false")
	}
	if rec.BatteryHealth != BatteryStateInvalid {
		t.Errorf("BatteryHealth = %q, want invalid", rec.BatteryHealth)
	}
	for _, st := range []AlarmState{rec.CoAlarmState, rec.SmokeAlarmState, rec.HeatAlarmState} {
		if st != AlarmStateOff {
			t.Errorf("alarm state = %q, want off", st)
		}
	}
	if rec.BatteryLevel != nil || rec.CoPPM != nil || rec.Temperature != nil || rec.Humidity != nil {
		t.Error("numeric sensor fields should be nil when traits are absent")
	}
	if rec.LastConnection != nil {
		t.Error("LastConnection should be nil")
	}
}

func TestMapDeviceFullDocument(t *testing.T) {
	d := deviceFromTraits(t, "enterprises/proj-1/devices/abc", `{
		"sdm.devices.traits.Info": {
			"customName": "Hallway",
			"modelNumber": "Topaz-2.7",
			"serialNumber": "SN-123",
			"softwareVersion": "3.1.4"
		},
		"sdm.devices.traits.Connectivity": {
			"status": "ONLINE",
			"lastConnectionTime": "2026-08-30T10:15:00Z"
		},
		"sdm.devices.traits.Battery": {
			"batteryLevel": 87,
			"batteryStatus": "NORMAL"
		},
		"sdm.devices.traits.Smoke": {"smokeStatus": "WARNING"},
		"sdm.devices.traits.CarbonMonoxide": {"coStatus": "EMERGENCY", "coLevel": 42.5},
		"sdm.devices.traits.Heat": {"heatStatus": "OK"},
		"sdm.devices.traits.Temperature": {"temperature": 21.5},
		"sdm.devices.traits.Humidity": {"humidity": 48}
	}`)

	rec := MapDevice(d)

	if rec.Name != "Hallway" {
		t.Errorf("Name = %q, want Hallway", rec.Name)
	}
	if rec.Model != "Topaz-2.7" || rec.SerialNumber != "SN-123" || rec.SoftwareVersion != "3.1.4" {
		t.Errorf("info fields = %q %q %q", rec.Model, rec.SerialNumber, rec.SoftwareVersion)
	}
	if !rec.Online {
		t.Error("Online should be true")
	}
	want := time.Date(2026, 8, 30, 10, 15, 0, 0, time.UTC)
	if rec.LastConnection == nil || !rec.LastConnection.Equal(want) {
		t.Errorf("LastConnection = %v, want %v", rec.LastConnection, want)
	}
	if rec.BatteryHealth != BatteryStateOK {
		t.Errorf("BatteryHealth = %q, want ok", rec.BatteryHealth)
	}
	if rec.BatteryLevel == nil || *rec.BatteryLevel != 87 {
		t.Errorf("BatteryLevel = %v", rec.BatteryLevel)
	}
	if rec.SmokeAlarmState != AlarmStateWarning {
		t.Errorf("SmokeAlarmState = %q", rec.SmokeAlarmState)
	}
	if rec.CoAlarmState != AlarmStateEmergency {
		t.Errorf("CoAlarmState = %q", rec.CoAlarmState)
	}
	if rec.CoPPM == nil || *rec.CoPPM != 42.5 {
		t.Errorf("CoPPM = %v", rec.CoPPM)
	}
	if rec.HeatAlarmState != AlarmStateOK {
		t.Errorf("HeatAlarmState = %q", rec.HeatAlarmState)
	}
	if rec.Temperature == nil || *rec.Temperature != 21.5 {
		t.Errorf("Temperature = %v", rec.Temperature)
	}
	if rec.Humidity == nil || *rec.Humidity != 48 {
		t.Errorf("Humidity = %v", rec.Humidity)
	}
}

func TestMapAlarmStateTable(t *testing.T) {
	tests := []struct {
		vendor string
		want   AlarmState
	}{
		{"OK", AlarmStateOK},
		{"WARNING", AlarmStateWarning},
		{"EMERGENCY", AlarmStateEmergency},
		{"TESTING", AlarmStateTesting},
		{"", AlarmStateOff},
		{"ok", AlarmStateOff},
		{"SOMETHING_NEW", AlarmStateOff},
	}
	for _, tc := range tests {
		if got := mapAlarmState(tc.vendor); got != tc.want {
			t.Errorf("mapAlarmState(%q) = %q, want %q", tc.vendor, got, tc.want)
		}
	}
}

func TestMapBatteryStateTable(t *testing.T) {
	tests := []struct {
		vendor string
		want   BatteryState
	}{
		{"NORMAL", BatteryStateOK},
		{"LOW", BatteryStateReplace},
		{"CRITICAL", BatteryStateCritical},
		{"MISSING", BatteryStateMissing},
		{"", BatteryStateInvalid},
		{"FULL", BatteryStateInvalid},
	}
	for _, tc := range tests {
		if got := mapBatteryState(tc.vendor); got != tc.want {
			t.Errorf("mapBatteryState(%q) = %q, want %q", tc.vendor, got, tc.want)
		}
	}
}

func TestShortDeviceID(t *testing.T) {
	if got := shortDeviceID("enterprises/p/devices/abc"); got != "abc" {
		t.Errorf("got %q", got)
	}
	if got := shortDeviceID("abc"); got != "abc" {
		t.Errorf("bare name: got %q", got)
	}
}
