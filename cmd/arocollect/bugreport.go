package main

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/attdevsupport/aro-collector/internal/android"
	"github.com/attdevsupport/aro-collector/internal/config"
	"github.com/attdevsupport/aro-collector/internal/ios"
	"github.com/attdevsupport/aro-collector/internal/pcap"
	"github.com/attdevsupport/aro-collector/internal/session"
	"github.com/attdevsupport/aro-collector/internal/telemetry/invariants"
	"github.com/attdevsupport/aro-collector/internal/timesync"
	"github.com/spf13/cobra"
)

const (
	bugreportLogFiles  = 3
	bugreportToolLimit = 10 * time.Second
	// Trace artifacts at most this large are copied whole.
	bugreportSmallFile = 64 << 10
)

// smallTraceFiles are the text artifacts of a trace folder worth shipping.
var smallTraceFiles = []string{
	ios.DeviceDetailsFile,
	timesync.VideoTimeFile,
	"time",
	"cpu",
	"appid",
	"appname",
	"alarm_info_start",
}

func newBugreportCommand(a *app) *cobra.Command {
	var output, trace string
	cmd := &cobra.Command{
		Use:   "bugreport",
		Short: "Bundle logs, the session record and the trace manifest for support",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if output == "" {
				cwd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("resolve current directory: %w", err)
				}
				output = cwd
			}
			path, err := a.bugreport(cmd.Context(), output, trace)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Bug report written to %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "directory for the bundle (default: current directory)")
	cmd.Flags().StringVarP(&trace, "trace", "t", "", "trace folder to describe (default: the active session's folder)")
	return cmd
}

// bundle is the in-memory content of a bug report archive.
type bundle struct {
	files     map[string][]byte
	notes     []string
	sessionID string
	traceID   string
}

func (b *bundle) add(name string, data []byte) {
	b.files[name] = data
}

func (b *bundle) note(format string, args ...any) {
	b.notes = append(b.notes, fmt.Sprintf(format, args...))
}

func (a *app) bugreport(ctx context.Context, outputDir, traceFolder string) (string, error) {
	home, err := a.homeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	aroDir := filepath.Join(home, config.DirName)
	b := &bundle{files: map[string][]byte{}}

	record := a.bundleSession(b)
	if traceFolder == "" && record != nil {
		traceFolder = record.Folder
	}
	bundleTrace(b, traceFolder)
	bundleLogs(b, filepath.Join(aroDir, "logs"))
	bundleConfig(b, filepath.Join(aroDir, "config.toml"))
	a.bundleTools(ctx, b)
	b.add("README.txt", bundleReadme(b, a.now()))

	name := fmt.Sprintf("aro-bugreport-%s.tar.gz", a.now().UTC().Format("20060102-150405"))
	path := filepath.Join(outputDir, name)
	if err := writeBundle(path, b.files, a.now()); err != nil {
		return "", err
	}
	a.logger.Info("bug report written", "path", path, "files", len(b.files), "notes", len(b.notes))
	return path, nil
}

func (a *app) bundleSession(b *bundle) *session.Record {
	store, err := a.openStore()
	if err != nil {
		b.note("session store unavailable: %v", err)
		return nil
	}
	record, err := store.Load()
	if err != nil {
		if !errors.Is(err, session.ErrNoSession) {
			b.note("session record unreadable: %v", err)
		} else {
			b.note("no active session record")
		}
		return nil
	}
	data, err := json.MarshalIndent(struct {
		*session.Record
		Alive bool `json:"alive"`
	}{record, a.alive(record.PID)}, "", "  ")
	if err != nil {
		b.note("encode session record: %v", err)
		return record
	}
	b.add("session.json", append(data, '\n'))
	b.sessionID = record.ID
	return record
}

// bundleTrace lists the trace folder and copies its small text artifacts.
// Captures and videos are described, never copied.
func bundleTrace(b *bundle, folder string) {
	if folder == "" {
		b.note("no trace folder to describe")
		return
	}
	entries, err := os.ReadDir(folder)
	if err != nil {
		b.note("trace folder unreadable: %v", err)
		return
	}

	var manifest strings.Builder
	fmt.Fprintf(&manifest, "folder: %s\n\n", folder)
	primary := false
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || entry.IsDir() {
			continue
		}
		fmt.Fprintf(&manifest, "%-24s %12d  %s\n", entry.Name(), info.Size(), info.ModTime().UTC().Format(time.RFC3339))

		path := filepath.Join(folder, entry.Name())
		switch entry.Name() {
		case android.CaptureFile, ios.CaptureFile:
			primary = true
			if linkType, err := pcap.LinkTypeOf(path); err != nil {
				fmt.Fprintf(&manifest, "  capture header: %v\n", err)
			} else {
				fmt.Fprintf(&manifest, "  capture link type: %s\n", linkType)
			}
		}
		if info.Size() <= bugreportSmallFile && slices.Contains(smallTraceFiles, entry.Name()) {
			// #nosec G304 -- path is an entry of the trace folder.
			if data, err := os.ReadFile(path); err == nil {
				b.add("trace/"+entry.Name(), data)
			}
		}
	}
	if !primary {
		b.note("trace folder has no %s or %s", android.CaptureFile, ios.CaptureFile)
	}
	b.add("trace/MANIFEST.txt", []byte(manifest.String()))
}

// bundleLogs copies the newest log files and pulls the last correlation ids
// and every invariant violation out of them.
func bundleLogs(b *bundle, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		b.note("logs unavailable: %v", err)
		return
	}
	type logFile struct {
		name    string
		modTime time.Time
	}
	var files []logFile
	for _, entry := range entries {
		if info, err := entry.Info(); err == nil && !entry.IsDir() {
			files = append(files, logFile{entry.Name(), info.ModTime()})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.After(files[j].modTime) })
	if len(files) > bugreportLogFiles {
		files = files[:bugreportLogFiles]
	}

	var violations []string
	var sessionID string
	// Oldest first, so the last correlation seen is the newest.
	for i := len(files) - 1; i >= 0; i-- {
		// #nosec G304 -- name comes from listing the logs directory.
		data, err := os.ReadFile(filepath.Join(dir, files[i].name))
		if err != nil {
			b.note("log %s unreadable: %v", files[i].name, err)
			continue
		}
		b.add("logs/"+files[i].name, data)
		scan := scanLog(data)
		if scan.sessionID != "" {
			sessionID = scan.sessionID
		}
		if scan.traceID != "" {
			b.traceID = scan.traceID
		}
		violations = append(violations, scan.violations...)
	}
	if b.sessionID == "" {
		b.sessionID = sessionID
	}
	if len(violations) > 0 {
		b.add("invariants.txt", []byte(strings.Join(violations, "\n")+"\n"))
	}
	if b.sessionID == "" && b.traceID == "" {
		b.note("no session_id or trace_id in the logs")
	}
}

type logScan struct {
	sessionID  string
	traceID    string
	violations []string
}

// scanLog reads JSON log lines, keeping the last correlation ids and every
// invariant violation.
func scanLog(data []byte) logScan {
	var scan logScan
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		var line struct {
			Msg       string `json:"msg"`
			Time      string `json:"time"`
			SessionID string `json:"session_id"`
			TraceID   string `json:"trace_id"`
			Invariant string `json:"invariant"`
			Where     string `json:"where"`
			Detail    string `json:"detail"`
		}
		if json.Unmarshal(scanner.Bytes(), &line) != nil {
			continue
		}
		if line.SessionID != "" {
			scan.sessionID = line.SessionID
		}
		if line.TraceID != "" {
			scan.traceID = line.TraceID
		}
		if line.Msg == violationLogMessage {
			scan.violations = append(scan.violations,
				fmt.Sprintf("%s %s session=%s at %s: %s", line.Time, line.Invariant, line.SessionID, line.Where, line.Detail))
		}
	}
	return scan
}

func bundleConfig(b *bundle, path string) {
	// #nosec G304 -- path is the user config under ~/.aro.
	data, err := os.ReadFile(path)
	if err != nil {
		b.note("config unavailable: %v", err)
		return
	}
	b.add("config.toml", []byte(redactSensitiveConfig(string(data))))
}

func redactSensitiveConfig(configText string) string {
	lines := strings.Split(configText, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "[") {
			continue
		}
		key, _, found := strings.Cut(line, "=")
		if !found || !isSensitiveToken(strings.ToLower(strings.TrimSpace(key))) {
			continue
		}
		lines[i] = key + "= \"***REDACTED***\""
	}
	return strings.Join(lines, "\n")
}

// bundleTools records what the configured capture tools report about
// themselves and the attached devices.
func (a *app) bundleTools(ctx context.Context, b *bundle) {
	tools := a.cfg.Tools
	idevice := func(name string) string {
		if tools.LibIMobileDeviceDir == "" {
			return name
		}
		return filepath.Join(tools.LibIMobileDeviceDir, name)
	}
	commands := [][]string{
		{tools.ADB, "version"},
		{tools.ADB, "devices", "-l"},
		{idevice("idevice_id"), "-l"},
		{"rvictl", "-l"},
		{tools.FFmpeg, "-version"},
		{"uname", "-a"},
	}

	var out strings.Builder
	for _, command := range commands {
		if command[0] == "" {
			continue
		}
		fmt.Fprintf(&out, "$ %s\n", strings.Join(command, " "))
		toolCtx, cancel := context.WithTimeout(ctx, bugreportToolLimit)
		text, err := a.runTool(toolCtx, command[0], command[1:]...)
		cancel()
		if text = strings.TrimSpace(text); text != "" {
			out.WriteString(text + "\n")
		}
		if err != nil {
			fmt.Fprintf(&out, "error: %v\n", err)
		}
		out.WriteString("\n")
	}
	b.add("tools.txt", []byte(out.String()))
}

func bundleReadme(b *bundle, now time.Time) []byte {
	var out strings.Builder
	out.WriteString("ARO collector bug report\n\n")
	fmt.Fprintf(&out, "generated:  %s\n", now.UTC().Format(time.RFC3339))
	fmt.Fprintf(&out, "version:    %s\n", Version)
	fmt.Fprintf(&out, "session_id: %s\n", b.sessionID)
	fmt.Fprintf(&out, "trace_id:   %s\n\n", b.traceID)

	names := make([]string, 0, len(b.files))
	for name := range b.files {
		names = append(names, name)
	}
	sort.Strings(names)
	out.WriteString("contents:\n")
	for _, name := range names {
		out.WriteString("  " + name + "\n")
	}
	if len(b.notes) > 0 {
		out.WriteString("\nnotes:\n")
		for _, note := range b.notes {
			out.WriteString("  - " + note + "\n")
		}
	}
	return []byte(out.String())
}

func writeBundle(path string, files map[string][]byte, modTime time.Time) (err error) {
	// #nosec G304 -- path is built from the requested output directory.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create bug report: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf("close bug report: %w", closeErr)
		}
	}()

	zw := gzip.NewWriter(file)
	tw := tar.NewWriter(zw)
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		header := &tar.Header{Name: name, Mode: 0o600, Size: int64(len(files[name])), ModTime: modTime}
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("write %s header: %w", name, err)
		}
		if _, err := io.Copy(tw, bytes.NewReader(files[name])); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("finish bug report archive: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish bug report compression: %w", err)
	}
	return nil
}

// violationLogMessage marks the log line written for each invariant violation.
const violationLogMessage = "invariant violated"

// logViolations writes the violations this process recorded to the log, where
// a later bug report finds them.
func (a *app) logViolations() {
	for _, v := range invariants.Recent() {
		a.logger.Warn(violationLogMessage,
			"invariant", v.Invariant.Name,
			"severity", string(v.Invariant.Severity),
			"session_id", v.SessionID,
			"where", v.Where,
			"detail", v.Detail,
		)
	}
	invariants.Reset()
}
