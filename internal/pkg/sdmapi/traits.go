package sdmapi

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jdtait/nest-protect-gateway/internal/pkg/logging"
)

/*
 *   Supported Google Smart Device Management trait identifiers and
 *   names, covering the Nest Protect safety device surface
 */

type traitID int

const (
	sdmDevicesTraitsInfo traitID = iota
	sdmDevicesTraitsConnectivity
	sdmDevicesTraitsBattery
	sdmDevicesTraitsSmoke
	sdmDevicesTraitsCarbonMonoxide
	sdmDevicesTraitsHeat
	sdmDevicesTraitsSafetyAlarm
	sdmDevicesTraitsTemperature
	sdmDevicesTraitsHumidity
)

var traitNames = []string{
	"sdm.devices.traits.Info",
	"sdm.devices.traits.Connectivity",
	"sdm.devices.traits.Battery",
	"sdm.devices.traits.Smoke",
	"sdm.devices.traits.CarbonMonoxide",
	"sdm.devices.traits.Heat",
	"sdm.devices.traits.SafetyAlarm",
	"sdm.devices.traits.Temperature",
	"sdm.devices.traits.Humidity",
}

// convert a trait name to its ID
func parseTraitName(name string) (bool, traitID) {
	for i, val := range traitNames {
		if val == name {
			return true, traitID(i)
		}
	}

	return false, 0
}

// return the name of a trait
func (id traitID) Name() string {
	if int(id) >= len(traitNames) {
		return fmt.Sprintf("unknown (id: %d)", id)
	}

	return traitNames[id]
}

// Convert a trait as read from Google, to internal representation
type traitsReader interface {
	Unmarshal() interface{}
}

// A set of traits for a device
type Traits struct {
	traits map[traitID]interface{}
}

func NewTraits() Traits {
	return Traits{
		traits: make(map[traitID]interface{}),
	}
}

// Return a list of trait IDs for the trait set
func (t *Traits) TraitIDs() []traitID {
	keys := make([]traitID, 0, len(t.traits))
	for k := range t.traits {
		keys = append(keys, k)
	}

	return keys
}

// Return the trait data from the trait set given its ID
func (t *Traits) Trait(id traitID) interface{} {
	val, ok := t.traits[id]
	if ok {
		return val
	}
	return nil
}

// Typed accessors for mapping code; each returns nil when the trait
// is absent from the document.

func (t *Traits) Info() *DeviceInfoTraits {
	v, _ := t.Trait(sdmDevicesTraitsInfo).(*DeviceInfoTraits)
	return v
}

func (t *Traits) Connectivity() *DeviceConnectivityTraits {
	v, _ := t.Trait(sdmDevicesTraitsConnectivity).(*DeviceConnectivityTraits)
	return v
}

func (t *Traits) Battery() *DeviceBatteryTraits {
	v, _ := t.Trait(sdmDevicesTraitsBattery).(*DeviceBatteryTraits)
	return v
}

func (t *Traits) Smoke() *DeviceSmokeTraits {
	v, _ := t.Trait(sdmDevicesTraitsSmoke).(*DeviceSmokeTraits)
	return v
}

func (t *Traits) CarbonMonoxide() *DeviceCarbonMonoxideTraits {
	v, _ := t.Trait(sdmDevicesTraitsCarbonMonoxide).(*DeviceCarbonMonoxideTraits)
	return v
}

func (t *Traits) Heat() *DeviceHeatTraits {
	v, _ := t.Trait(sdmDevicesTraitsHeat).(*DeviceHeatTraits)
	return v
}

func (t *Traits) SafetyAlarm() *DeviceSafetyAlarmTraits {
	v, _ := t.Trait(sdmDevicesTraitsSafetyAlarm).(*DeviceSafetyAlarmTraits)
	return v
}

func (t *Traits) Temperature() *DeviceTemperatureTraits {
	v, _ := t.Trait(sdmDevicesTraitsTemperature).(*DeviceTemperatureTraits)
	return v
}

func (t *Traits) Humidity() *DeviceHumidityTraits {
	v, _ := t.Trait(sdmDevicesTraitsHumidity).(*DeviceHumidityTraits)
	return v
}

// Parse a set of traits from JSON into the trait set
func (t *Traits) Parse(data []byte) error {
	var alltraits map[string]json.RawMessage
	if err := json.Unmarshal(data, &alltraits); err != nil {
		return err
	}

	for traitName, v := range alltraits {
		ok, traitID := parseTraitName(traitName)
		if !ok {
			logging.Logger(nil).Debugf("Ignoring unimplemented trait [%s]", traitName)
			continue
		}

		var decoded traitsReader
		switch traitID {
		case sdmDevicesTraitsInfo:
			decoded = &DeviceInfoTraits{}
		case sdmDevicesTraitsConnectivity:
			decoded = &deviceConnectivityTraits{}
		case sdmDevicesTraitsBattery:
			decoded = &DeviceBatteryTraits{}
		case sdmDevicesTraitsSmoke:
			decoded = &DeviceSmokeTraits{}
		case sdmDevicesTraitsCarbonMonoxide:
			decoded = &DeviceCarbonMonoxideTraits{}
		case sdmDevicesTraitsHeat:
			decoded = &DeviceHeatTraits{}
		case sdmDevicesTraitsSafetyAlarm:
			decoded = &DeviceSafetyAlarmTraits{}
		case sdmDevicesTraitsTemperature:
			decoded = &DeviceTemperatureTraits{}
		case sdmDevicesTraitsHumidity:
			decoded = &DeviceHumidityTraits{}
		}

		if err := json.Unmarshal(v, &decoded); err != nil {
			return err
		}

		value := decoded.Unmarshal()
		t.traits[traitID] = value
	}

	return nil
}

type DeviceInfoTraits struct {
	CustomName      string `json:"customName"`
	ModelNumber     string `json:"modelNumber"`
	SerialNumber    string `json:"serialNumber"`
	SoftwareVersion string `json:"softwareVersion"`
}

func (t *DeviceInfoTraits) Unmarshal() interface{} {
	return t
}

type deviceConnectivityTraits struct {
	Status         string `json:"status"`
	LastConnection string `json:"lastConnectionTime"`
}
type DeviceConnectivityTraits struct {
	Online         bool
	LastConnection time.Time
}

func (t *deviceConnectivityTraits) Unmarshal() interface{} {
	v := &DeviceConnectivityTraits{}

	// only an explicit ONLINE counts; anything else is offline
	if t.Status == "ONLINE" {
		v.Online = true
	}

	last, err := time.Parse(time.RFC3339, t.LastConnection)
	if err == nil {
		v.LastConnection = last
	}

	return v
}

type DeviceBatteryTraits struct {
	BatteryLevel  *int   `json:"batteryLevel"`
	BatteryStatus string `json:"batteryStatus"`
}

func (t *DeviceBatteryTraits) Unmarshal() interface{} {
	return t
}

type DeviceSmokeTraits struct {
	SmokeStatus string `json:"smokeStatus"`
	LastEvent   string `json:"lastEvent"`
}

func (t *DeviceSmokeTraits) Unmarshal() interface{} {
	return t
}

type DeviceCarbonMonoxideTraits struct {
	CoStatus string   `json:"coStatus"`
	CoLevel  *float64 `json:"coLevel"`
}

func (t *DeviceCarbonMonoxideTraits) Unmarshal() interface{} {
	return t
}

type DeviceHeatTraits struct {
	HeatStatus string `json:"heatStatus"`
}

func (t *DeviceHeatTraits) Unmarshal() interface{} {
	return t
}

type DeviceSafetyAlarmTraits struct {
	AlarmStatus string `json:"alarmStatus"`
	LastEvent   string `json:"lastEvent"`
}

func (t *DeviceSafetyAlarmTraits) Unmarshal() interface{} {
	return t
}

type DeviceTemperatureTraits struct {
	Temperature *float64 `json:"temperature"`
}

func (t *DeviceTemperatureTraits) Unmarshal() interface{} {
	return t
}

type DeviceHumidityTraits struct {
	Humidity *float64 `json:"humidity"`
}

func (t *DeviceHumidityTraits) Unmarshal() interface{} {
	return t
}
