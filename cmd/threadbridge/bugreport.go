package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ship-commander/threadbridge/internal/telemetry"
	"github.com/spf13/cobra"
)

const (
	bugreportLogLimit     = 3
	bugreportFetchTimeout = 2 * time.Second
	redactedMarker        = "***REDACTED***"
)

var (
	bugreportNowFn = func() time.Time {
		return time.Now().UTC()
	}
	bugreportHomeDirFn = os.UserHomeDir
	bugreportGetwdFn   = os.Getwd
	bugreportRunCmdFn  = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return exec.CommandContext(ctx, name, args...).CombinedOutput()
	}
	bugreportFetchFn = func(ctx context.Context, url string) ([]byte, error) {
		ctx, cancel := context.WithTimeout(ctx, bugreportFetchTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	}
)

func newBugreportCommand(logger *log.Logger) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "bugreport",
		Short: "Collect logs, redacted config and live sessions into a tarball",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if logger != nil {
				logger.With("command", "bugreport").Info("collecting diagnostic bundle")
			}
			return runBugReport(cmd.Context(), cmd.OutOrStdout(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:3000", "base URL of a running serve process")
	return cmd
}

func runBugReport(ctx context.Context, out io.Writer, serverURL string) error {
	homeDir, err := bugreportHomeDirFn()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	homeDir = filepath.Clean(homeDir)
	if strings.TrimSpace(homeDir) == "" || homeDir == "." {
		return fmt.Errorf("home directory is not valid")
	}

	cwd, err := bugreportGetwdFn()
	if err != nil {
		return fmt.Errorf("resolve current directory: %w", err)
	}
	cwd = filepath.Clean(cwd)

	timestamp := bugreportNowFn().Format("20060102-150405")
	bundlePath := filepath.Join(cwd, fmt.Sprintf("threadbridge-bugreport-%s.tar.gz", timestamp))

	stagingDir, err := os.MkdirTemp("", "threadbridge-bugreport-*")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(stagingDir) }()

	report, err := collectBugreportArtifacts(ctx, homeDir, cwd, stagingDir, serverURL)
	if err != nil {
		return err
	}
	if err := writeBugreportREADME(stagingDir, report); err != nil {
		return err
	}
	if err := archiveBugreport(stagingDir, bundlePath); err != nil {
		return err
	}

	if out == nil {
		out = os.Stdout
	}
	if _, err := fmt.Fprintf(out, "Bug report written to: %s\n", bundlePath); err != nil {
		return fmt.Errorf("write bugreport output: %w", err)
	}
	return nil
}

type bugreportSummary struct {
	Timestamp string
	Version   string
	LogFiles  []string
	RunID     string
	Warnings  []string
}

func collectBugreportArtifacts(ctx context.Context, homeDir, cwd, stagingDir, serverURL string) (bugreportSummary, error) {
	summary := bugreportSummary{
		Timestamp: bugreportNowFn().Format(time.RFC3339),
		Version:   Version,
		Warnings:  make([]string, 0),
	}

	logFiles, warnings := copyRecentLogs(homeDir, stagingDir, bugreportLogLimit)
	summary.LogFiles = logFiles
	summary.Warnings = append(summary.Warnings, warnings...)

	summary.RunID = extractLastRunID(logFiles)
	if summary.RunID == "" {
		summary.Warnings = append(summary.Warnings, "no run_id found in copied logs")
	}

	files := map[string]string{
		"version.txt":  fmt.Sprintf("threadbridge version: %s\n", strings.TrimSpace(summary.Version)),
		"last-run.txt": fmt.Sprintf("run_id: %s\n", summary.RunID),
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(stagingDir, name), []byte(content), 0o600); err != nil {
			return bugreportSummary{}, fmt.Errorf("write %s: %w", name, err)
		}
	}

	configs := map[string]string{
		"config-home.toml":    filepath.Join(homeDir, ".threadbridge", "config.toml"),
		"config-project.toml": filepath.Join(cwd, ".threadbridge", "config.toml"),
	}
	for name, path := range configs {
		if err := copyRedactedConfig(path, filepath.Join(stagingDir, name), &summary); err != nil {
			return bugreportSummary{}, err
		}
	}
	if err := writeGitState(ctx, cwd, stagingDir); err != nil {
		return bugreportSummary{}, err
	}
	writeSessions(ctx, serverURL, stagingDir, &summary)
	return summary, nil
}

func copyRecentLogs(homeDir, stagingDir string, limit int) ([]string, []string) {
	logsDir := filepath.Join(homeDir, ".threadbridge", "logs")
	files, err := newestFiles(logsDir, limit)
	if err != nil {
		return nil, []string{fmt.Sprintf("unable to read logs directory: %v", err)}
	}

	destDir := filepath.Join(stagingDir, "logs")
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return nil, []string{fmt.Sprintf("unable to create logs staging directory: %v", err)}
	}

	warnings := make([]string, 0)
	copied := make([]string, 0, len(files))
	for _, file := range files {
		// #nosec G304 -- source path comes from the ~/.threadbridge/logs listing.
		data, readErr := os.ReadFile(file.path)
		if readErr != nil {
			warnings = append(warnings, fmt.Sprintf("unable to read log %s: %v", file.path, readErr))
			continue
		}
		redacted := redactLogLines(string(data))
		if writeErr := os.WriteFile(filepath.Join(destDir, filepath.Base(file.path)), []byte(redacted), 0o600); writeErr != nil {
			warnings = append(warnings, fmt.Sprintf("unable to stage log %s: %v", file.path, writeErr))
			continue
		}
		copied = append(copied, file.path)
	}
	return copied, warnings
}

// redactLogLines redacts each record on its own so one long line cannot
// push the rest of the file past the redaction size cap.
func redactLogLines(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = telemetry.RedactSecrets(line)
	}
	return strings.Join(lines, "\n")
}

func extractLastRunID(logPaths []string) string {
	for _, logPath := range logPaths {
		// #nosec G304 -- log paths come from the ~/.threadbridge/logs listing.
		data, err := os.ReadFile(logPath)
		if err != nil {
			continue
		}
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		for i := len(lines) - 1; i >= 0; i-- {
			record := map[string]any{}
			if err := json.Unmarshal([]byte(strings.TrimSpace(lines[i])), &record); err != nil {
				continue
			}
			if runID, ok := record["run_id"].(string); ok && strings.TrimSpace(runID) != "" {
				return strings.TrimSpace(runID)
			}
		}
	}
	return ""
}

func copyRedactedConfig(src, dst string, summary *bugreportSummary) error {
	// #nosec G304 -- config paths are fixed locations under home and cwd.
	data, err := os.ReadFile(src)
	if err != nil {
		summary.Warnings = append(summary.Warnings, fmt.Sprintf("unable to read %s: %v", src, err))
		data = []byte("# config unavailable\n")
	}
	if err := os.WriteFile(dst, []byte(redactSensitiveConfig(string(data))), 0o600); err != nil {
		return fmt.Errorf("write redacted config: %w", err)
	}
	return nil
}

// redactSensitiveConfig masks values of TOML keys whose name suggests a credential.
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
		lines[i] = key + "= \"" + redactedMarker + "\""
	}
	return strings.Join(lines, "\n")
}

func writeGitState(ctx context.Context, dir, stagingDir string) error {
	sections := []struct {
		title string
		args  []string
	}{
		{"HEAD", []string{"-C", dir, "rev-parse", "HEAD"}},
		{"BRANCH", []string{"-C", dir, "rev-parse", "--abbrev-ref", "HEAD"}},
		{"STATUS", []string{"-C", dir, "status", "--short"}},
	}
	var builder strings.Builder
	for _, section := range sections {
		fmt.Fprintf(&builder, "[%s]\n%s\n\n", section.title, runCommandForBugreport(ctx, "git", section.args...))
	}
	if err := os.WriteFile(filepath.Join(stagingDir, "git-state.txt"), []byte(builder.String()), 0o600); err != nil {
		return fmt.Errorf("write git-state.txt: %w", err)
	}
	return nil
}

func runCommandForBugreport(ctx context.Context, name string, args ...string) string {
	output, err := bugreportRunCmdFn(ctx, name, args...)
	text := strings.TrimSpace(string(output))
	if err == nil {
		return text
	}
	if text == "" {
		return fmt.Sprintf("error: %v", err)
	}
	return text + "\nerror: " + err.Error()
}

func writeSessions(ctx context.Context, serverURL, stagingDir string, summary *bugreportSummary) {
	serverURL = strings.TrimRight(strings.TrimSpace(serverURL), "/")
	if serverURL == "" {
		return
	}
	body, err := bugreportFetchFn(ctx, serverURL+"/sessions")
	if err != nil {
		summary.Warnings = append(summary.Warnings, fmt.Sprintf("no live sessions captured: %v", err))
		return
	}
	if err := os.WriteFile(filepath.Join(stagingDir, "sessions.json"), body, 0o600); err != nil {
		summary.Warnings = append(summary.Warnings, fmt.Sprintf("unable to stage sessions: %v", err))
	}
}

func writeBugreportREADME(stagingDir string, summary bugreportSummary) error {
	var builder strings.Builder
	builder.WriteString("threadbridge bug report\n")
	builder.WriteString("=======================\n\n")
	fmt.Fprintf(&builder, "Generated: %s\n", summary.Timestamp)
	fmt.Fprintf(&builder, "Version: %s\n", summary.Version)
	fmt.Fprintf(&builder, "run_id: %s\n\n", summary.RunID)
	builder.WriteString("Included artifacts:\n")
	builder.WriteString("- logs/ (up to the last 3 log files, secrets redacted)\n")
	builder.WriteString("- config-home.toml, config-project.toml (redacted)\n")
	builder.WriteString("- version.txt, last-run.txt\n")
	builder.WriteString("- git-state.txt\n")
	builder.WriteString("- sessions.json (when a serve process was reachable)\n")
	if len(summary.Warnings) > 0 {
		builder.WriteString("\nWarnings:\n")
		for _, warning := range summary.Warnings {
			builder.WriteString("- " + warning + "\n")
		}
	}
	if err := os.WriteFile(filepath.Join(stagingDir, "README.txt"), []byte(builder.String()), 0o600); err != nil {
		return fmt.Errorf("write README.txt: %w", err)
	}
	return nil
}

func archiveBugreport(stagingDir, destination string) (err error) {
	// #nosec G304 -- destination is a generated name in the working directory.
	archiveFile, err := os.OpenFile(destination, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", destination, err)
	}
	gzipWriter := gzip.NewWriter(archiveFile)
	tarWriter := tar.NewWriter(gzipWriter)
	defer func() {
		for _, closer := range []io.Closer{tarWriter, gzipWriter, archiveFile} {
			if closeErr := closer.Close(); closeErr != nil && err == nil {
				err = fmt.Errorf("finalize archive: %w", closeErr)
			}
		}
	}()

	walkErr := filepath.WalkDir(stagingDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read file info for %s: %w", path, err)
		}
		relPath, err := filepath.Rel(stagingDir, path)
		if err != nil {
			return fmt.Errorf("compute archive path for %s: %w", path, err)
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("create tar header for %s: %w", path, err)
		}
		header.Name = filepath.ToSlash(relPath)
		if err := tarWriter.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar header for %s: %w", path, err)
		}
		// #nosec G304 -- walk paths originate from the staging directory.
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s for archive: %w", path, err)
		}
		if _, err := tarWriter.Write(data); err != nil {
			return fmt.Errorf("copy %s into archive: %w", path, err)
		}
		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("archive bugreport: %w", walkErr)
	}
	return nil
}

type datedFile struct {
	path    string
	modTime time.Time
}

func newestFiles(dir string, limit int) ([]datedFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	files := make([]datedFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, datedFile{path: filepath.Join(dir, entry.Name()), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	return files, nil
}
