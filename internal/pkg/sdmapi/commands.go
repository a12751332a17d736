package sdmapi

import (
	"fmt"
	"time"
)

type command struct {
	command string `json:"-"`
}

func newCommand(name string) command {
	return command{
		command: name,
	}
}

func (c command) commandName() string {
	return c.command
}

type safetyHushCommandParams struct {
	command
	Duration string `json:"duration"`
}

// NewHushCommand silences an active alarm for the given duration.
func NewHushCommand(duration time.Duration) Command {
	return safetyHushCommandParams{
		command:  newCommand("sdm.devices.commands.SafetyHush.Hush"),
		Duration: fmt.Sprintf("%.0fs", duration.Seconds()),
	}
}

type safetyTestCommandParams struct {
	command
	TestType string `json:"test_type,omitempty"`
}

// NewSelfTestCommand runs a device self-test.  An empty or "full"
// test type runs the complete check.
func NewSelfTestCommand(testType string) Command {
	p := safetyTestCommandParams{
		command: newCommand("sdm.devices.commands.SafetyTest.SelfTest"),
	}
	if testType != "" && testType != "full" {
		p.TestType = testType
	}

	return p
}

type locateCommandParams struct {
	command
	Duration string `json:"duration"`
}

// NewLocateCommand plays the locator sound for the given duration.
func NewLocateCommand(duration time.Duration) Command {
	return locateCommandParams{
		command:  newCommand("sdm.devices.commands.Locate.Sound"),
		Duration: fmt.Sprintf("%.0fs", duration.Seconds()),
	}
}

type ledBrightnessCommandParams struct {
	command
	Level int `json:"level"`
}

// NewLedBrightnessCommand sets the pathlight LED brightness, 0-100.
func NewLedBrightnessCommand(level int) Command {
	return ledBrightnessCommandParams{
		command: newCommand("sdm.devices.commands.Settings.LedBrightness"),
		Level:   level,
	}
}
