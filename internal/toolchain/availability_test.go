package toolchain

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/attdevsupport/aro-collector/internal/process/processtest"
)

func TestDetectHonoursConfiguredPaths(t *testing.T) {
	t.Parallel()

	availability := detect(Paths{
		ADB:                 "/opt/android/platform-tools/adb",
		LibIMobileDeviceDir: "/opt/imd",
	}, fakeLookPath(map[string]bool{
		"/opt/android/platform-tools/adb": true,
		"/opt/imd/idevice_id":             true,
		"/opt/imd/ideviceinfo":            true,
		"rvictl":                          true,
		"sudo":                            true,
	}))

	if !availability.ADB || !availability.IDeviceID || !availability.IDeviceInfo {
		t.Fatalf("configured tools not detected: %#v", availability)
	}
	if availability.IDeviceScreenshot || availability.FFmpeg || availability.Xcodebuild {
		t.Fatalf("unexpected tools detected: %#v", availability)
	}
	if missing := availability.MissingAndroid(); len(missing) != 0 {
		t.Fatalf("android missing = %v", missing)
	}
	if missing := availability.MissingIOS(); !reflect.DeepEqual(missing, []string{"xcodebuild"}) {
		t.Fatalf("ios missing = %v", missing)
	}
}

func TestParseXcodeVersion(t *testing.T) {
	t.Parallel()

	major, err := ParseXcodeVersion("Xcode 15.2\nBuild version 15C500b\n")
	if err != nil || major != 15 {
		t.Fatalf("parse = %d, %v", major, err)
	}
	if _, err := ParseXcodeVersion("xcode-select: error: tool 'xcodebuild' requires Xcode"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestCheckIOS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		tools   map[string]bool
		output  string
		wantErr error
	}{
		{name: "rvictl missing", tools: map[string]bool{}, wantErr: ErrRvictlMissing},
		{name: "old xcode", tools: map[string]bool{"rvictl": true}, output: "Xcode 4.6.3\n", wantErr: ErrXcodeUnsupported},
		{name: "unreadable xcode", tools: map[string]bool{"rvictl": true}, output: "", wantErr: ErrXcodeUnsupported},
		{name: "supported", tools: map[string]bool{"rvictl": true}, output: "Xcode 14.3\nBuild version 14E222b\n"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			exec := processtest.NewExecutor()
			exec.On("xcodebuild -version", tc.output, nil)
			checker, err := NewChecker(exec)
			if err != nil {
				t.Fatalf("new checker: %v", err)
			}
			checker.lookPath = fakeLookPath(tc.tools)

			err = checker.CheckIOS(context.Background())
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("check: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func fakeLookPath(available map[string]bool) func(string) (string, error) {
	return func(file string) (string, error) {
		if available[file] {
			return "/usr/bin/" + file, nil
		}
		return "", errors.New("not found")
	}
}
