package log

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// FileWriter appends to a per-day JSONL file, rotating at midnight and
// keeping a yard-latest.jsonl symlink pointed at the current file.
type FileWriter struct {
	dir string

	mu   sync.Mutex
	file *os.File
	day  string
}

// NewFileWriter opens (creating dir if needed) dir/yard-YYYY-MM-DD.jsonl.
func NewFileWriter(dir string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}
	fw := &FileWriter{dir: dir}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if err := fw.openLocked(); err != nil {
		return nil, err
	}
	return fw, nil
}

// Write implements io.Writer, rotating when the date changes.
func (fw *FileWriter) Write(p []byte) (int, error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if today := time.Now().Format("2006-01-02"); today != fw.day {
		if err := fw.openLocked(); err != nil {
			return 0, err
		}
	}
	return fw.file.Write(p)
}

// Close closes the current file.
func (fw *FileWriter) Close() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.file == nil {
		return nil
	}
	err := fw.file.Close()
	fw.file = nil
	return err
}

func (fw *FileWriter) openLocked() error {
	if fw.file != nil {
		fw.file.Close()
	}

	day := time.Now().Format("2006-01-02")
	name := "yard-" + day + ".jsonl"
	f, err := os.OpenFile(filepath.Join(fw.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	fw.file = f
	fw.day = day

	// Symlink update is best effort; a broken link never blocks logging.
	link := filepath.Join(fw.dir, "yard-latest.jsonl")
	tmp := link + ".tmp"
	os.Remove(tmp)
	if err := os.Symlink(name, tmp); err == nil {
		_ = os.Rename(tmp, link)
	}
	return nil
}

var logFilePattern = regexp.MustCompile(`^yard-(\d{4}-\d{2}-\d{2})\.jsonl$`)

// Prune removes log files in dir older than retentionDays.
func Prune(dir string, retentionDays int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := logFilePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		day, err := time.Parse("2006-01-02", m[1])
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
}
