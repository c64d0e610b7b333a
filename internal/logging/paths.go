package logging

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultLogDir returns the default log directory (~/.codeglyph/logs/).
// Falls back to temp directory if home directory is unavailable.
func DefaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".codeglyph", "logs")
	}
	return filepath.Join(home, ".codeglyph", "logs")
}

// DefaultLogPath returns the default server log path.
func DefaultLogPath() string {
	return filepath.Join(DefaultLogDir(), "server.log")
}

// WorkerLogPath returns the embedding worker subprocess log path.
func WorkerLogPath() string {
	return filepath.Join(DefaultLogDir(), "worker.log")
}

// LogSource represents the source of logs to view.
type LogSource string

const (
	// LogSourceServer is the main server logs (default).
	LogSourceServer LogSource = "server"
	// LogSourceWorker is the embedding worker subprocess logs.
	LogSourceWorker LogSource = "worker"
	// LogSourceAll combines all log sources.
	LogSourceAll LogSource = "all"
)

// FindLogFile attempts to find the log file for viewing.
// Priority:
// 1. Explicit path (if provided)
// 2. ~/.codeglyph/logs/server.log (global)
//
// Returns an error if no log file is found.
func FindLogFile(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit, nil
		}
		return "", fmt.Errorf("log file not found: %s", explicit)
	}

	globalPath := DefaultLogPath()
	if _, err := os.Stat(globalPath); err == nil {
		return globalPath, nil
	}

	return "", fmt.Errorf("no log file found. Server may not have run with --debug yet.\nExpected at: %s", globalPath)
}

// FindLogFileBySource finds log files based on the source type.
// Returns a list of log file paths that exist.
func FindLogFileBySource(source LogSource, explicit string) ([]string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return []string{explicit}, nil
		}
		return nil, fmt.Errorf("log file not found: %s", explicit)
	}

	var paths []string
	var checked []string

	switch source {
	case LogSourceServer:
		serverPath := DefaultLogPath()
		checked = append(checked, serverPath)
		if _, err := os.Stat(serverPath); err == nil {
			paths = append(paths, serverPath)
		}

	case LogSourceWorker:
		workerPath := WorkerLogPath()
		checked = append(checked, workerPath)
		if _, err := os.Stat(workerPath); err == nil {
			paths = append(paths, workerPath)
		}

	case LogSourceAll:
		serverPath := DefaultLogPath()
		workerPath := WorkerLogPath()
		checked = append(checked, serverPath, workerPath)

		if _, err := os.Stat(serverPath); err == nil {
			paths = append(paths, serverPath)
		}
		if _, err := os.Stat(workerPath); err == nil {
			paths = append(paths, workerPath)
		}

	default:
		return nil, fmt.Errorf("unknown log source: %s (use: server, worker, all)", source)
	}

	if len(paths) == 0 {
		hint := getLogHint(source)
		return nil, fmt.Errorf("no log files found for source '%s'.\nChecked: %v\n\n%s", source, checked, hint)
	}

	return paths, nil
}

// ParseLogSource parses a string into a LogSource.
func ParseLogSource(s string) LogSource {
	switch s {
	case "worker":
		return LogSourceWorker
	case "all":
		return LogSourceAll
	default:
		return LogSourceServer
	}
}

// EnsureLogDir creates the log directory if it doesn't exist.
func EnsureLogDir() error {
	dir := DefaultLogDir()
	return os.MkdirAll(dir, 0o755)
}

// getLogHint returns a helpful message on how to generate logs for the given source.
func getLogHint(source LogSource) string {
	switch source {
	case LogSourceServer:
		return "To generate server logs:\n  codeglyph --debug serve"
	case LogSourceWorker:
		return "Worker logs are written once an index refresh has run at least once."
	case LogSourceAll:
		return "To generate logs:\n  codeglyph --debug serve"
	default:
		return ""
	}
}
