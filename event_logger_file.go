package waypoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileEventLogger is an implementation of EventLogger that logs to a file.
// A file is created per run. The file is formatted as newline-delimited JSON.
type FileEventLogger struct {
	directory string
}

func NewFileEventLogger(directory string) *FileEventLogger {
	return &FileEventLogger{directory: directory}
}

func (l *FileEventLogger) runEventLogPath(runID string) string {
	return filepath.Join(l.directory, fmt.Sprintf("%s.jsonl", runID))
}

func (l *FileEventLogger) GetEventHistory(ctx context.Context, runID string) ([]*EventLogEntry, error) {
	filePath := l.runEventLogPath(runID)
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var entries []*EventLogEntry
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var entry EventLogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

func (l *FileEventLogger) LogEvent(ctx context.Context, entry *EventLogEntry) error {
	json, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	filePath := l.runEventLogPath(entry.RunID)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write([]byte(string(json) + "\n")); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	return nil
}
