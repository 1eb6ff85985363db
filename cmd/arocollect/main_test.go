package main

import (
	"bytes"
	"reflect"
	"strings"
	"testing"

	"github.com/attdevsupport/aro-collector/internal/config"
	"github.com/charmbracelet/log"
)

func TestRootCommandVersionFlag(t *testing.T) {
	originalVersion := Version
	defer func() {
		Version = originalVersion
	}()
	Version = "v0.1.0-test"
	cmd := newRootCommand(newApp(testConfig(), testLogger()))

	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stdout)
	cmd.SetArgs([]string{"--version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	output := strings.TrimSpace(stdout.String())
	if output != "v0.1.0-test" {
		t.Fatalf("version output = %q, want %q", output, "v0.1.0-test")
	}
}

func TestRootCommandHelpListsExpectedSubcommands(t *testing.T) {
	cmd := newRootCommand(newApp(testConfig(), testLogger()))
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stdout)
	cmd.SetArgs([]string{"--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	output := stdout.String()
	expected := []string{"start", "stop", "status", "log", "devices", "halt", "codes", "doctor", "bugreport"}
	for _, name := range expected {
		if !strings.Contains(output, name) {
			t.Fatalf("help output missing %q: %s", name, output)
		}
	}
}

func TestRootCommandRequiresLogger(t *testing.T) {
	cmd := newRootCommand(newApp(testConfig(), nil))
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"status"})

	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "logger is required") {
		t.Fatalf("execute error = %v, want logger is required", err)
	}
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	return &cfg
}

func testLogger() *log.Logger {
	return log.NewWithOptions(&bytes.Buffer{}, log.Options{})
}

func TestResolveCommandName(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "subcommand", args: []string{"start"}, want: "start"},
		{name: "flags then command", args: []string{"--verbose", "status"}, want: "status"},
		{name: "no command defaults to root", args: []string{"--help"}, want: "root"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := resolveCommandName(tc.args); got != tc.want {
				t.Fatalf("resolveCommandName(%v) = %q, want %q", tc.args, got, tc.want)
			}
		})
	}
}

func TestRedactArgs(t *testing.T) {
	input := []string{
		"start",
		"--token",
		"abc123",
		"--password=supersecret",
		"--password-stdin",
		"--folder",
		"/tmp/trace",
		"--safe=value",
	}
	want := []string{
		"start",
		"--token",
		"<redacted>",
		"--password=<redacted>",
		"--password-stdin",
		"--folder",
		"/tmp/trace",
		"--safe=value",
	}

	if got := redactArgs(input); !reflect.DeepEqual(got, want) {
		t.Fatalf("redactArgs(%v) = %v, want %v", input, got, want)
	}
}

func TestResolvePlatformFlag(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{args: []string{"start", "-p", "ios"}, want: "ios"},
		{args: []string{"stop", "--platform=Android"}, want: "android"},
		{args: []string{"devices", "--platform"}, want: ""},
		{args: []string{"status"}, want: ""},
	}
	for _, tc := range tests {
		if got := resolvePlatformFlag(tc.args); got != tc.want {
			t.Fatalf("resolvePlatformFlag(%v) = %q, want %q", tc.args, got, tc.want)
		}
	}
}
