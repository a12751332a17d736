package protect

import (
	"strings"

	"github.com/jdtait/nest-protect-gateway/internal/pkg/sdmapi"
)

/*
 *  Pure mapping from raw SDM trait documents to the normalized device
 *  record.  The mapper never fails: partial vendor data maps to calm
 *  defaults instead of spurious alarms.
 */

var alarmStates = map[string]AlarmState{
	"OK":        AlarmStateOK,
	"WARNING":   AlarmStateWarning,
	"EMERGENCY": AlarmStateEmergency,
	"TESTING":   AlarmStateTesting,
}

var batteryStates = map[string]BatteryState{
	"NORMAL":   BatteryStateOK,
	"LOW":      BatteryStateReplace,
	"CRITICAL": BatteryStateCritical,
	"MISSING":  BatteryStateMissing,
}

// mapAlarmState maps a vendor alarm string through the fixed table,
// defaulting to off for anything unrecognized or missing.
func mapAlarmState(vendor string) AlarmState {
	if s, ok := alarmStates[vendor]; ok {
		return s
	}
	return AlarmStateOff
}

// mapBatteryState defaults to invalid, which is distinct from ok: an
// absent battery trait is not a healthy battery.
func mapBatteryState(vendor string) BatteryState {
	if s, ok := batteryStates[vendor]; ok {
		return s
	}
	return BatteryStateInvalid
}

// shortDeviceID is the last path segment of the SDM resource name.
func shortDeviceID(resourceName string) string {
	idx := strings.LastIndex(resourceName, "/")
	if idx < 0 {
		return resourceName
	}
	return resourceName[idx+1:]
}

// MapDevice translates one raw SDM device document into a
// DeviceRecord.  Pure, no I/O.
func MapDevice(d sdmapi.Device) DeviceRecord {
	rec := DeviceRecord{
		ID:              shortDeviceID(d.Name),
		Name:            d.Name,
		BatteryHealth:   BatteryStateInvalid,
		CoAlarmState:    AlarmStateOff,
		SmokeAlarmState: AlarmStateOff,
		HeatAlarmState:  AlarmStateOff,
	}

	if info := d.Traits.Info(); info != nil {
		if info.CustomName != "" {
			rec.Name = info.CustomName
		}
		rec.Model = info.ModelNumber
		rec.SerialNumber = info.SerialNumber
		rec.SoftwareVersion = info.SoftwareVersion
	}

	if conn := d.Traits.Connectivity(); conn != nil {
		rec.Online = conn.Online
		if !conn.LastConnection.IsZero() {
			last := conn.LastConnection
			rec.LastConnection = &last
		}
	}

	if bat := d.Traits.Battery(); bat != nil {
		rec.BatteryHealth = mapBatteryState(bat.BatteryStatus)
		rec.BatteryLevel = bat.BatteryLevel
	}

	if smoke := d.Traits.Smoke(); smoke != nil {
		rec.SmokeAlarmState = mapAlarmState(smoke.SmokeStatus)
	}

	if co := d.Traits.CarbonMonoxide(); co != nil {
		rec.CoAlarmState = mapAlarmState(co.CoStatus)
		rec.CoPPM = co.CoLevel
	}

	if heat := d.Traits.Heat(); heat != nil {
		rec.HeatAlarmState = mapAlarmState(heat.HeatStatus)
	}

	if temp := d.Traits.Temperature(); temp != nil {
		rec.Temperature = temp.Temperature
	}

	if hum := d.Traits.Humidity(); hum != nil {
		rec.Humidity = hum.Humidity
	}

	return rec
}
