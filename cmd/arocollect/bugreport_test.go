package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/attdevsupport/aro-collector/internal/ios"
	"github.com/attdevsupport/aro-collector/internal/pcap"
	"github.com/attdevsupport/aro-collector/internal/session"
	"github.com/attdevsupport/aro-collector/internal/telemetry/invariants"
	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBugreportBundlesSessionTraceLogsAndTools(t *testing.T) {
	h := newTestApp(t)
	home := bugreportHome(t, h)

	baseTime := time.Date(2026, 2, 11, 9, 0, 0, 0, time.UTC)
	writeBugreportLog(t, home, "arocollect-1.log", `{"msg":"oldest","session_id":"stale"}`, baseTime.Add(-4*time.Minute))
	writeBugreportLog(t, home, "arocollect-2.log", `{"msg":"capture started","session_id":"s-42","trace_id":"trace-abc"}`, baseTime.Add(-3*time.Minute))
	writeBugreportLog(t, home, "arocollect-3.log",
		`{"msg":"invariant violated","time":"2026-02-11T08:58:00Z","invariant":"stop_order","session_id":"s-42","where":"collector.stop_sequence","detail":"step collect out of order"}`,
		baseTime.Add(-2*time.Minute))
	writeBugreportLog(t, home, "arocollect.log", "not json\n", baseTime.Add(-time.Minute))

	configText := "adb_path = \"/opt/adb\"\nsudo_password = \"hunter2\"\n[retry]\nrvi_attempts = 10\n"
	require.NoError(t, os.WriteFile(filepath.Join(home, ".aro", "config.toml"), []byte(configText), 0o600))

	folder := filepath.Join(t.TempDir(), "trace-1")
	require.NoError(t, os.MkdirAll(folder, 0o750))
	assembler, err := pcap.Create(filepath.Join(folder, ios.CaptureFile))
	require.NoError(t, err)
	require.NoError(t, assembler.Close())
	require.NoError(t, os.WriteFile(filepath.Join(folder, ios.DeviceDetailsFile), []byte("iPhone14,2\n17.4\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(folder, "video.mov"), []byte("frames"), 0o600))

	require.NoError(t, h.store.Save(&session.Record{ID: "s-42", PID: 4242, Backend: platformIOS, Folder: folder, Status: "STARTED"}))
	h.alive[4242] = true

	var ran []string
	h.app.runTool = func(_ context.Context, name string, args ...string) (string, error) {
		command := strings.Join(append([]string{name}, args...), " ")
		ran = append(ran, command)
		switch {
		case command == "adb version":
			return "Android Debug Bridge version 1.0.41\n", nil
		case name == "rvictl":
			return "", errors.New("rvictl: command not found")
		default:
			return "", nil
		}
	}

	out := t.TempDir()
	path, err := h.app.bugreport(context.Background(), out, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out, "aro-bugreport-20260211-100130.tar.gz"), path)

	contents := extractTarballTextFiles(t, path)
	assert.Contains(t, contents["session.json"], `"id": "s-42"`)
	assert.Contains(t, contents["session.json"], `"alive": true`)

	manifest := contents["trace/MANIFEST.txt"]
	assert.Contains(t, manifest, "folder: "+folder)
	assert.Contains(t, manifest, "capture link type: Ethernet")
	assert.Contains(t, manifest, "video.mov")
	assert.Equal(t, "iPhone14,2\n17.4\n", contents["trace/"+ios.DeviceDetailsFile])
	assert.NotContains(t, contents, "trace/video.mov")

	var logs []string
	for name := range contents {
		if strings.HasPrefix(name, "logs/") {
			logs = append(logs, name)
		}
	}
	assert.ElementsMatch(t, []string{"logs/arocollect.log", "logs/arocollect-3.log", "logs/arocollect-2.log"}, logs)
	assert.Contains(t, contents["invariants.txt"], "stop_order session=s-42 at collector.stop_sequence: step collect out of order")

	assert.NotContains(t, contents["config.toml"], "hunter2")
	assert.Contains(t, contents["config.toml"], `sudo_password= "***REDACTED***"`)
	assert.Contains(t, contents["config.toml"], `adb_path = "/opt/adb"`)

	tools := contents["tools.txt"]
	assert.Contains(t, tools, "$ adb version\nAndroid Debug Bridge version 1.0.41")
	assert.Contains(t, tools, "$ rvictl -l\nerror: rvictl: command not found")
	assert.Contains(t, ran, "uname -a")

	readme := contents["README.txt"]
	assert.Contains(t, readme, "session_id: s-42")
	assert.Contains(t, readme, "trace_id:   trace-abc")
	assert.Contains(t, readme, "  trace/MANIFEST.txt")
	assert.NotContains(t, readme, "notes:")
}

func TestBugreportNotesMissingArtifacts(t *testing.T) {
	h := newTestApp(t)
	bugreportHome(t, h)
	h.app.runTool = func(context.Context, string, ...string) (string, error) {
		return "", errors.New("not installed")
	}

	path, err := h.app.bugreport(context.Background(), t.TempDir(), filepath.Join(t.TempDir(), "gone"))
	require.NoError(t, err)

	contents := extractTarballTextFiles(t, path)
	readme := contents["README.txt"]
	assert.Contains(t, readme, "no active session record")
	assert.Contains(t, readme, "trace folder unreadable")
	assert.Contains(t, readme, "logs unavailable")
	assert.Contains(t, readme, "config unavailable")
	assert.NotContains(t, contents, "session.json")
	assert.NotContains(t, contents, "invariants.txt")
	assert.Contains(t, contents["tools.txt"], "error: not installed")
}

func TestBugreportNotesTraceWithoutCapture(t *testing.T) {
	h := newTestApp(t)
	bugreportHome(t, h)
	h.app.runTool = func(context.Context, string, ...string) (string, error) { return "", nil }

	folder := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(folder, "cpu"), []byte("12.5\n"), 0o600))

	path, err := h.app.bugreport(context.Background(), t.TempDir(), folder)
	require.NoError(t, err)

	contents := extractTarballTextFiles(t, path)
	assert.Equal(t, "12.5\n", contents["trace/cpu"])
	assert.Contains(t, contents["README.txt"], "trace folder has no traffic.cap or traffic.pcap")
}

func TestLoggedViolationsReachTheBugreport(t *testing.T) {
	h := newTestApp(t)
	home := bugreportHome(t, h)
	h.app.runTool = func(context.Context, string, ...string) (string, error) { return "", nil }

	logDir := filepath.Join(home, ".aro", "logs")
	require.NoError(t, os.MkdirAll(logDir, 0o750))
	logPath := filepath.Join(logDir, "arocollect.log")
	// #nosec G304 -- test-owned temp file.
	logFile, err := os.Create(logPath)
	require.NoError(t, err)
	h.app.logger = log.NewWithOptions(logFile, log.Options{Formatter: log.JSONFormatter})

	invariants.Reset()
	t.Cleanup(invariants.Reset)
	invariants.CheckCaptureConfirmed(context.Background(), "collector.machine.transition", "s-7", false)
	h.app.logViolations()
	require.NoError(t, logFile.Close())
	assert.Empty(t, invariants.Recent())

	path, err := h.app.bugreport(context.Background(), t.TempDir(), "")
	require.NoError(t, err)

	contents := extractTarballTextFiles(t, path)
	assert.Contains(t, contents["invariants.txt"], "capture_confirmed session=s-7 at collector.machine.transition")
	assert.Contains(t, contents["README.txt"], "session_id: s-7")
}

func TestRedactSensitiveConfig(t *testing.T) {
	input := "adb_path = \"/opt/adb\"\nsudo_password = \"abc\"\n[otel]\nauth_token = \"def\"\n# password = \"kept comment\"\n"
	got := redactSensitiveConfig(input)
	assert.NotContains(t, got, "abc")
	assert.NotContains(t, got, "def")
	assert.Equal(t, 2, strings.Count(got, "***REDACTED***"))
	assert.Contains(t, got, "/opt/adb")
	assert.Contains(t, got, "[otel]")
}

func bugreportHome(t *testing.T, h *testHarness) string {
	t.Helper()
	home := filepath.Join(t.TempDir(), "home")
	require.NoError(t, os.MkdirAll(home, 0o750))
	h.app.homeDir = func() (string, error) { return home, nil }
	return home
}

func writeBugreportLog(t *testing.T, home, name, content string, modTime time.Time) {
	t.Helper()

	dir := filepath.Join(home, ".aro", "logs")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	require.NoError(t, os.Chtimes(path, modTime, modTime))
}

func extractTarballTextFiles(t *testing.T, archivePath string) map[string]string {
	t.Helper()

	// #nosec G304 -- archivePath is generated in the test-owned temp directory.
	archiveFile, err := os.Open(archivePath)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer archiveFile.Close()

	gzipReader, err := gzip.NewReader(archiveFile)
	if err != nil {
		t.Fatalf("create gzip reader: %v", err)
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	files := make(map[string]string)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read tar entry: %v", err)
		}
		data, err := io.ReadAll(tarReader)
		if err != nil {
			t.Fatalf("read tar entry %s: %v", header.Name, err)
		}
		files[header.Name] = string(data)
	}
	if len(files) == 0 {
		t.Fatalf("archive %s is empty", archivePath)
	}
	return files
}
