// Package livelog is the per-run progress sink. Agent output lines and
// orchestrator progress notes are appended here as they happen so a run can
// be followed with tail -f or the watch command. The log is an explicit
// handle owned by one Run: opened at run start, closed at run end.
package livelog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Log appends timestamped lines to the run's live.log. Safe for concurrent
// use; every write is flushed so external tails see lines promptly. A nil
// *Log discards everything, which keeps call sites free of nil checks.
type Log struct {
	path string
	mu   sync.Mutex
	file *os.File
	now  func() time.Time
}

// Open creates (or appends to) the live log at path.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("livelog: create dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("livelog: open %s: %w", path, err)
	}
	return &Log{path: path, file: file, now: time.Now}, nil
}

// Path returns the file backing this log.
func (l *Log) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Write appends one timestamped line. The prefix tags the source, typically
// "[agent-name] ".
func (l *Log) Write(prefix, msg string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	line := fmt.Sprintf("[%s] %s%s\n", l.now().Format("15:04:05"), prefix, strings.TrimRight(msg, "\n"))
	if _, err := l.file.WriteString(line); err != nil {
		return
	}
	_ = l.file.Sync()
}

// Writef appends a formatted line with no source prefix.
func (l *Log) Writef(format string, args ...any) {
	l.Write("", fmt.Sprintf(format, args...))
}

// Info, Warn, and Error tag the line with a severity. The live log is a
// human-readable mirror, so levels are plain prefixes, not filters.
func (l *Log) Info(format string, args ...any)  { l.Write("INFO ", fmt.Sprintf(format, args...)) }
func (l *Log) Warn(format string, args ...any)  { l.Write("WARN ", fmt.Sprintf(format, args...)) }
func (l *Log) Error(format string, args ...any) { l.Write("ERROR ", fmt.Sprintf(format, args...)) }

// Close releases the underlying file. Further writes are discarded.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Tail returns up to maxLines of the most recent entries plus the total
// line count. Used by the watch view.
func Tail(path string, maxLines int) ([]string, int) {
	if maxLines <= 0 {
		return nil, 0
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, 0
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	total := len(lines)
	if total > maxLines {
		lines = lines[total-maxLines:]
	}
	return lines, total
}
