package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"time"
)

const (
	// MaxCrashLogs is the maximum number of crash logs to keep
	MaxCrashLogs = 20
	// CrashLogMaxAge is the maximum age of crash logs before cleanup
	CrashLogMaxAge = 30 * 24 * time.Hour

	// crashLogTail is how many recent log entries are copied into a crash report.
	crashLogTail = 25

	crashLogPrefix = "crash_"
	crashLogSuffix = ".log"
)

// CrashLogDir returns the per-OS directory for crash logs. SRIX_AGENT_CRASH_DIR overrides it.
func CrashLogDir() string {
	if dir := os.Getenv("SRIX_AGENT_CRASH_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Logs", "SRIX-Agent")
	case "windows":
		if appData := os.Getenv("LOCALAPPDATA"); appData != "" {
			return filepath.Join(appData, "SRIX-Agent", "logs")
		}
		return filepath.Join(home, "SRIX-Agent", "logs")
	default:
		return filepath.Join(home, ".local", "share", "srix-agent", "logs")
	}
}

func isCrashLogName(name string) bool {
	return strings.HasPrefix(name, crashLogPrefix) && strings.HasSuffix(name, crashLogSuffix)
}

// WriteCrashLog writes a crash report to a timestamped file and returns its path. The report
// ends with the most recent log entries, which usually show the tag operation that was
// running. Old crash logs are cleaned up in the background.
func WriteCrashLog(panicValue interface{}, stack []byte) (string, error) {
	dir := CrashLogDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create crash log directory: %w", err)
	}

	now := time.Now()
	path := filepath.Join(dir, crashLogPrefix+now.Format("2006-01-02_15-04-05.000")+crashLogSuffix)

	var b strings.Builder
	b.WriteString("SRIX Agent Crash Report\n")
	b.WriteString("=======================\n")
	fmt.Fprintf(&b, "Time: %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&b, "Go Version: %s\n", runtime.Version())
	fmt.Fprintf(&b, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&b, "\nPanic Value:\n%v\n", panicValue)
	fmt.Fprintf(&b, "\nStack Trace:\n%s\n", stack)
	b.WriteString("\nRecent Log (newest first):\n")
	for _, e := range Get().GetEntries(crashLogTail, nil, nil) {
		b.WriteString(formatEntry(e, false))
		b.WriteByte('\n')
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		fmt.Fprintf(&b, "\nBuild Info:\n%s", info)
	}

	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return "", fmt.Errorf("failed to write crash log: %w", err)
	}

	go cleanupCrashLogsIn(dir)

	return path, nil
}

// RecoverAndLog recovers from a panic, reports it and optionally re-panics.
// Use as: defer logging.RecoverAndLog("WebSocket hub", true)
func RecoverAndLog(where string, rePanic bool) {
	if r := recover(); r != nil {
		ReportPanic(where, r, debug.Stack())
		if rePanic {
			panic(r)
		}
	}
}

// ReportPanic sends a recovered panic to Sentry, the in-memory log, a crash file and stderr.
// It returns the crash file path, empty if it could not be written.
func ReportPanic(where string, r interface{}, stack []byte) string {
	CapturePanic(r, stack, where)

	Error(CatSystem, fmt.Sprintf("PANIC in %s: %v", where, r), map[string]any{
		"panic": fmt.Sprintf("%v", r),
		"stack": string(stack),
	})

	crashFile, err := WriteCrashLog(r, stack)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write crash log: %v\n", err)
		crashFile = ""
	} else {
		fmt.Fprintf(os.Stderr, "Crash log written to: %s\n", crashFile)
	}

	fmt.Fprintf(os.Stderr, "\n=== PANIC in %s ===\n%v\n\nStack trace:\n%s\n", where, r, stack)
	return crashFile
}

// CrashLogInfo contains metadata about a crash log file.
type CrashLogInfo struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// GetCrashLogs returns up to limit crash logs, newest first.
func GetCrashLogs(limit int) ([]CrashLogInfo, error) {
	dir := CrashLogDir()
	names, err := crashLogNames(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []CrashLogInfo{}, nil
		}
		return nil, err
	}

	logs := make([]CrashLogInfo, 0, limit)
	for i := len(names) - 1; i >= 0 && len(logs) < limit; i-- {
		path := filepath.Join(dir, names[i])
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		logs = append(logs, CrashLogInfo{
			Name:    names[i],
			Path:    path,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return logs, nil
}

// ReadCrashLog reads one crash log by file name.
func ReadCrashLog(filename string) (string, error) {
	if filepath.Base(filename) != filename || !isCrashLogName(filename) {
		return "", fmt.Errorf("invalid crash log name %q", filename)
	}
	content, err := os.ReadFile(filepath.Join(CrashLogDir(), filename))
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// crashLogNames lists the crash logs in dir, oldest first. The timestamp in the name sorts
// chronologically.
func crashLogNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && isCrashLogName(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// cleanupCrashLogsIn keeps the newest MaxCrashLogs files in dir and removes any older than
// CrashLogMaxAge.
func cleanupCrashLogsIn(dir string) {
	names, err := crashLogNames(dir)
	if err != nil {
		return
	}

	now := time.Now()
	for i, name := range names {
		path := filepath.Join(dir, name)
		expired := len(names)-i > MaxCrashLogs
		if info, err := os.Stat(path); err == nil && now.Sub(info.ModTime()) > CrashLogMaxAge {
			expired = true
		}
		if expired {
			_ = os.Remove(path)
		}
	}
}
