package sdmapi

import (
	"context"
	"time"
)

// Device is a raw SDM device document: the resource name, type and
// the parsed trait set.  Mapping to the gateway's normalized device
// record happens above this package.
type Device struct {
	Name       string
	DeviceType string
	Traits     Traits
}

// Command is an executeCommand payload; implementations carry their
// namespaced SDM command name.
type Command interface {
	commandName() string
}

// TokenSource supplies bearer tokens to the request pipeline and
// lets it force a refresh after a 401.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
}

// SmartDeviceManagement is the device API surface the gateway uses.
type SmartDeviceManagement interface {
	WithTimeout(d time.Duration) SmartDeviceManagement
	Devices(ctx context.Context) ([]Device, error)
	GetDevice(ctx context.Context, deviceID string) (*Device, error)
	SendCommand(ctx context.Context, deviceID string, command Command) error
	Close()
}
