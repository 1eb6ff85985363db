// Package device discovers capture targets and talks to them through the
// platform bridge tools.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Handle identifies one capture target. It is immutable after discovery.
type Handle struct {
	// Serial is the adb serial number or the iOS UDID.
	Serial          string
	IsEmulator      bool
	IsRooted        bool
	SELinuxEnforced bool
}

// String returns the serial.
func (h Handle) String() string {
	return h.Serial
}

// Info is one entry of a bridge device listing.
type Info struct {
	Serial string
	State  string
	Model  string
}

// Online reports whether the bridge can talk to the device.
func (i Info) Online() bool {
	return i.State == "device"
}

// Bridge is the device transport used by the Android backend.
type Bridge interface {
	Devices(ctx context.Context) ([]Info, error)
	Push(ctx context.Context, serial, local, remote string) error
	Pull(ctx context.Context, serial, remote, local string) error
	Shell(ctx context.Context, serial, command string) ([]string, error)
	Property(ctx context.Context, serial, key string) (string, error)
}

// ErrInvalidID is returned for serials that are unsafe to pass to a shell.
var ErrInvalidID = errors.New("invalid device id")

var unsafeIDFragments = []string{";", "&&", "||", "|", "`", "$", "(", ")", "{", "}", "<", ">", "!", "'", "\"", "\\"}

// ValidateID rejects empty serials and serials carrying shell metacharacters.
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if strings.ContainsAny(id, " \t\r\n") {
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidID, id)
	}
	for _, fragment := range unsafeIDFragments {
		if strings.Contains(id, fragment) {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidID, id, fragment)
		}
	}
	return nil
}

// Select picks the device to capture from. An empty want selects the first
// online device.
func Select(devices []Info, want string) (Info, error) {
	want = strings.TrimSpace(want)
	for _, info := range devices {
		if !info.Online() {
			continue
		}
		if want == "" || info.Serial == want {
			return info, nil
		}
	}
	if want == "" {
		return Info{}, ErrNoDevice
	}
	return Info{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, want)
}

var (
	// ErrNoDevice is returned when no online device is attached.
	ErrNoDevice = errors.New("no device attached")
	// ErrDeviceNotFound is returned when the requested serial is not attached.
	ErrDeviceNotFound = errors.New("device not found")
)
