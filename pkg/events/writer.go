package events

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Writer appends events to daily rotated JSONL files named
// events-YYYY-MM-DD.jsonl.
type Writer struct {
	logDir      string
	currentFile *os.File
	currentDate string
	now         func() time.Time
	mu          sync.Mutex
}

// NewWriter creates a writer in logDir, creating the directory if needed.
func NewWriter(logDir string) (*Writer, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	writer := &Writer{
		logDir: logDir,
		now:    func() time.Time { return time.Now().UTC() },
	}
	if err := writer.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("failed to initialize log file: %w", err)
	}
	return writer, nil
}

// Emit writes e as one JSON line and syncs it to disk.
func (w *Writer) Emit(_ context.Context, e *Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(); err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}

	jsonData, err := e.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}
	jsonData = append(jsonData, '\n')
	if _, err := w.currentFile.Write(jsonData); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := w.currentFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	return nil
}

func (w *Writer) rotateIfNeeded() error {
	if w.currentFile == nil {
		return w.rotate(w.now().Format("2006-01-02"))
	}
	if newDate := w.now().Format("2006-01-02"); newDate != w.currentDate {
		return w.rotate(newDate)
	}
	return nil
}

func (w *Writer) rotate(newDate string) error {
	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return fmt.Errorf("failed to close current log file: %w", err)
		}
		w.currentFile = nil
	}

	path := filepath.Join(w.logDir, fmt.Sprintf("events-%s.jsonl", newDate))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	w.currentFile = file
	w.currentDate = newDate
	return nil
}

// Close closes the current log file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile != nil {
		err := w.currentFile.Close()
		w.currentFile = nil
		if err != nil {
			return fmt.Errorf("failed to close event log file: %w", err)
		}
	}
	return nil
}

// GetCurrentLogFile returns the path of the active log file.
func (w *Writer) GetCurrentLogFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return ""
	}
	return filepath.Join(w.logDir, fmt.Sprintf("events-%s.jsonl", w.currentDate))
}

// ReadEvents parses every event in a log file. Blank lines are skipped.
func ReadEvents(logFilePath string) ([]*Event, error) {
	file, err := os.Open(logFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}
	defer file.Close()

	var out []*Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for line := 1; scanner.Scan(); line++ {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		e, err := FromJSON(scanner.Bytes())
		if err != nil {
			return nil, fmt.Errorf("failed to parse event on line %d: %w", line, err)
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan log file: %w", err)
	}
	return out, nil
}

// ListLogFiles returns the event log files in logDir, oldest first.
func ListLogFiles(logDir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(logDir, "events-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to list log files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// ProjectEvents collects a project's events across every log file in logDir.
func ProjectEvents(logDir, projectID string) ([]*Event, error) {
	files, err := ListLogFiles(logDir)
	if err != nil {
		return nil, err
	}
	var out []*Event
	for _, f := range files {
		evs, err := ReadEvents(f)
		if err != nil {
			return nil, err
		}
		for _, e := range evs {
			if e.ProjectID == projectID {
				out = append(out, e)
			}
		}
	}
	return out, nil
}
