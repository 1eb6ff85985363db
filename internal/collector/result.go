package collector

import (
	"fmt"
	"sort"
	"strings"
)

const (
	// DataRequestPassword asks the caller to supply the sudo password.
	DataRequestPassword = "requestPassword"
	// DataNotRunning is the benign result of stopping an idle collector.
	DataNotRunning = "not running"
	// DataNotRequired marks operations that do not apply to a platform.
	DataNotRequired = "not required"
)

// ErrorCode is one entry of a platform error registry.
type ErrorCode struct {
	Code        int
	Name        string
	Description string
}

func (e ErrorCode) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Code, e.Name, e.Description)
}

// WithDetail returns a copy whose description carries detail.
func (e ErrorCode) WithDetail(detail string) ErrorCode {
	detail = strings.TrimSpace(detail)
	if detail == "" {
		return e
	}
	e.Description = strings.TrimSuffix(e.Description, ".") + ": " + detail
	return e
}

// StatusResult is the outcome of every public controller call.
type StatusResult struct {
	Success bool
	Error   *ErrorCode
	Data    string
}

// Success builds a successful result.
func Success(data string) StatusResult {
	return StatusResult{Success: true, Data: data}
}

// RequestPassword asks the caller to prompt for the sudo password and retry.
// It is not a failure: Error stays nil and the collector stays idle.
func RequestPassword() StatusResult {
	return StatusResult{Success: true, Data: DataRequestPassword}
}

// Failure builds a failed result carrying code.
func Failure(code ErrorCode, data string) StatusResult {
	return StatusResult{Error: &code, Data: data}
}

// Code returns the error code number, or 0 on success.
func (r StatusResult) Code() int {
	if r.Error == nil {
		return 0
	}
	return r.Error.Code
}

// NeedsPassword reports whether r is the RequestPassword signal.
func (r StatusResult) NeedsPassword() bool {
	return r.Error == nil && r.Data == DataRequestPassword
}

// Is reports whether the result failed with code.
func (r StatusResult) Is(code ErrorCode) bool {
	return r.Error != nil && r.Error.Code == code.Code
}

func (r StatusResult) String() string {
	if r.Success {
		if r.Data == "" {
			return "ok"
		}
		return "ok: " + r.Data
	}
	if r.Error == nil {
		return "failed: " + r.Data
	}
	return r.Error.Error()
}

// Shared codes.
var (
	CodeNotRunning = ErrorCode{Code: 100, Name: "collector-not-running", Description: "No capture is running."}
)

// Android registry.
var (
	AndroidBridgeFailed        = ErrorCode{Code: 200, Name: "adb-bridge-failed", Description: "The Android Debug Bridge could not be started."}
	AndroidInstallFailed       = ErrorCode{Code: 201, Name: "apk-install-failed", Description: "The collector app could not be installed on the device."}
	// A non-empty trace folder is 202, not 206: 206 means a collector is already running on the device.
	AndroidTraceFolderExists   = ErrorCode{Code: 202, Name: "trace-folder-exists", Description: "The trace folder already exists and is not empty."}
	AndroidNoDevice            = ErrorCode{Code: 203, Name: "no-device", Description: "No Android device is attached."}
	AndroidDeviceNotFound      = ErrorCode{Code: 204, Name: "device-id-not-found", Description: "No attached Android device matches the requested serial."}
	AndroidInsufficientStorage = ErrorCode{Code: 205, Name: "insufficient-storage", Description: "The device does not have enough free space for a trace."}
	AndroidAlreadyRunning      = ErrorCode{Code: 206, Name: "collector-already-running", Description: "A collector is already capturing on this device."}
	AndroidLocalDirFailed      = ErrorCode{Code: 207, Name: "local-dir-create-failed", Description: "The local trace folder could not be created."}
	AndroidExtractFailed       = ErrorCode{Code: 208, Name: "tcpdump-extract-failed", Description: "The capture binary could not be found on this machine."}
	AndroidPushFailed          = ErrorCode{Code: 209, Name: "push-failed", Description: "The capture binary could not be pushed to the emulator."}
	AndroidLaunchFailed        = ErrorCode{Code: 210, Name: "apk-run-failed", Description: "The device reported an error launching the collector app."}
	AndroidSyncUnavailable     = ErrorCode{Code: 211, Name: "sync-service-unavailable", Description: "The device file transfer service is unavailable."}
	AndroidPermissionFailed    = ErrorCode{Code: 212, Name: "permission-set-failed", Description: "Execute permission could not be set on the capture binary."}
	AndroidNotRooted           = ErrorCode{Code: 213, Name: "unknown-device", Description: "The device is not rooted."}
	AndroidTimeout             = ErrorCode{Code: 214, Name: "collector-timeout", Description: "The packet capture did not start in time."}
	AndroidDeviceAccess        = ErrorCode{Code: 215, Name: "device-access-failed", Description: "The device could not be accessed."}
)

// iOS registry.
var (
	IOSInvalidPassword    = ErrorCode{Code: 500, Name: "invalid-sudo-password", Description: "The sudo password was rejected."}
	// The iOS counterpart of 202.
	IOSTraceFolderExists  = ErrorCode{Code: 501, Name: "trace-folder-exists", Description: "The trace folder already exists and is not empty."}
	IOSNoDevice           = ErrorCode{Code: 502, Name: "no-device", Description: "No iOS device is attached."}
	IOSLocalDirFailed     = ErrorCode{Code: 503, Name: "local-dir-create-failed", Description: "The local trace folder could not be created."}
	IOSPasswordIssue      = ErrorCode{Code: 504, Name: "sudo-password-issue", Description: "The sudo password could not be verified."}
	IOSXcodeMissing       = ErrorCode{Code: 505, Name: "xcode-missing", Description: "Xcode command line tools are not installed."}
	IOSXcodeUnsupported   = ErrorCode{Code: 506, Name: "xcode-unsupported", Description: "The installed Xcode version is not supported."}
	IOSBadSerial          = ErrorCode{Code: 507, Name: "bad-serial", Description: "The device UDID could not be read."}
	IOSPasswordMissing    = ErrorCode{Code: 508, Name: "sudo-password-missing", Description: "A sudo password is required."}
	IOSDeviceInfoFailed   = ErrorCode{Code: 509, Name: "device-info-failed", Description: "Device information could not be read."}
	IOSVersionUnreadable  = ErrorCode{Code: 510, Name: "device-version-unreadable", Description: "The device OS version could not be read."}
	IOSUnsupportedVersion = ErrorCode{Code: 511, Name: "ios-unsupported", Description: "The device OS version is not supported."}
	IOSRVIFailed          = ErrorCode{Code: 512, Name: "rvi-failed", Description: "The remote virtual interface could not be created."}
	IOSTimeout            = ErrorCode{Code: 513, Name: "collector-timeout", Description: "The packet capture did not start in time."}
	IOSCaptureMissing     = ErrorCode{Code: 514, Name: "capture-not-written", Description: "tcpdump stopped without writing the capture file."}
)

var registry = func() map[int]ErrorCode {
	codes := []ErrorCode{
		CodeNotRunning,
		AndroidBridgeFailed, AndroidInstallFailed, AndroidTraceFolderExists, AndroidNoDevice,
		AndroidDeviceNotFound, AndroidInsufficientStorage, AndroidAlreadyRunning, AndroidLocalDirFailed,
		AndroidExtractFailed, AndroidPushFailed, AndroidLaunchFailed, AndroidSyncUnavailable,
		AndroidPermissionFailed, AndroidNotRooted, AndroidTimeout, AndroidDeviceAccess,
		IOSInvalidPassword, IOSTraceFolderExists, IOSNoDevice, IOSLocalDirFailed, IOSPasswordIssue,
		IOSXcodeMissing, IOSXcodeUnsupported, IOSBadSerial, IOSPasswordMissing, IOSDeviceInfoFailed,
		IOSVersionUnreadable, IOSUnsupportedVersion, IOSRVIFailed, IOSTimeout, IOSCaptureMissing,
	}
	out := make(map[int]ErrorCode, len(codes))
	for _, code := range codes {
		out[code.Code] = code
	}
	return out
}()

// Lookup returns the registered error code with number code.
func Lookup(code int) (ErrorCode, bool) {
	entry, ok := registry[code]
	return entry, ok
}

// Codes returns every registered code in ascending order.
func Codes() []ErrorCode {
	out := make([]ErrorCode, 0, len(registry))
	for _, code := range registry {
		out = append(out, code)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
