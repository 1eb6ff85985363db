package ios

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// MinMajorVersion is the oldest iOS release RVI capture supports.
const MinMajorVersion = 5

// DeviceDetailsFile holds the device description written at start.
const DeviceDetailsFile = "device_details"

// ErrVersionUnreadable is returned when ProductVersion has no numeric major part.
var ErrVersionUnreadable = errors.New("device version unreadable")

// DeviceInfo is the key/value output of `ideviceinfo -u <udid>`.
type DeviceInfo map[string]string

// ParseDeviceInfo reads "Key: Value" lines. Lines without a colon are skipped
// and only the text between the first and second colon is kept as the value.
func ParseDeviceInfo(out string) DeviceInfo {
	info := DeviceInfo{}
	for _, line := range strings.Split(out, "\n") {
		parts := strings.Split(strings.TrimRight(line, "\r"), ":")
		if len(parts) < 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		info[key] = strings.TrimSpace(parts[1])
	}
	return info
}

// ProductVersion returns the iOS release, or "" when unknown.
func (d DeviceInfo) ProductVersion() string {
	return d["ProductVersion"]
}

// MajorVersion parses the leading number of ProductVersion.
func (d DeviceInfo) MajorVersion() (int, error) {
	version := d.ProductVersion()
	head, _, _ := strings.Cut(version, ".")
	major, err := strconv.Atoi(strings.TrimSpace(head))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrVersionUnreadable, version)
	}
	return major, nil
}

// ScreenResolution returns the reported resolution, falling back to a table
// keyed by product type. The boolean is false when the fallback guessed.
func (d DeviceInfo) ScreenResolution() (string, bool) {
	if value := d["ScreenResolution"]; value != "" {
		return value, true
	}
	productType := d["ProductType"]
	switch {
	case strings.Contains(productType, "iPhone5"), strings.Contains(productType, "iPhone6"):
		return "640*1136", true
	case strings.Contains(productType, "iPhone4"):
		return "640*960", true
	case strings.Contains(productType, "iPad2"):
		return "768*1024", true
	case strings.Contains(productType, "iPad3"):
		return "1536*2048", true
	}
	return "640*960", false
}

// Details renders the device_details body.
func (d DeviceInfo) Details(buildVersion string) string {
	resolution, _ := d.ScreenResolution()
	lines := []string{
		"ARO Analyzer/IOS",
		orUnknown(d["ProductType"]),
		"Apple",
		"IOS",
		orUnknown(d.ProductVersion()),
		buildVersion,
		"0",
		resolution,
	}
	return strings.Join(lines, "\n") + "\n"
}

// WriteDetails writes device_details into path.
func (d DeviceInfo) WriteDetails(path, buildVersion string) error {
	if err := os.WriteFile(path, []byte(d.Details(buildVersion)), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", DeviceDetailsFile, err)
	}
	return nil
}

func orUnknown(value string) string {
	if strings.TrimSpace(value) == "" {
		return "Unknown"
	}
	return value
}
