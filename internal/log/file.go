package log

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// Debug logs are JSONL files named <stream>-YYYY-MM-DD.jsonl. The host and
// the sidecar child write separate streams into the same directory.

const dateLayout = "2006-01-02"

// maxFileBytes caps one file; later writes that day roll over to
// <stream>-YYYY-MM-DD.N.jsonl.
const maxFileBytes = 32 << 20

// DefaultStream names the host process's log files.
const DefaultStream = "host"

// FileWriter appends to the current day's file for one stream. Files are
// created 0600 because sidecar stderr is copied into them verbatim.
type FileWriter struct {
	dir    string
	stream string
	now    func() time.Time

	mu      sync.Mutex
	file    *os.File
	day     string
	seq     int
	written int64
}

// NewFileWriter opens today's file for stream under dir.
func NewFileWriter(dir, stream string) (*FileWriter, error) {
	if stream == "" {
		stream = DefaultStream
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating debug log dir: %w", err)
	}

	fw := &FileWriter{dir: dir, stream: stream, now: time.Now}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if err := fw.openLocked(fw.now().Format(dateLayout)); err != nil {
		return nil, err
	}
	return fw, nil
}

// Write implements io.Writer, switching files on a new day or when the
// current file is full.
func (fw *FileWriter) Write(p []byte) (int, error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	day := fw.now().Format(dateLayout)
	switch {
	case fw.file == nil || day != fw.day:
		fw.seq = 0
		if err := fw.openLocked(day); err != nil {
			return 0, err
		}
	case fw.written > 0 && fw.written+int64(len(p)) > maxFileBytes:
		fw.seq++
		if err := fw.openLocked(day); err != nil {
			return 0, err
		}
	}

	n, err := fw.file.Write(p)
	fw.written += int64(n)
	return n, err
}

// Close closes the underlying file.
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

func (fw *FileWriter) fileName(day string, seq int) string {
	if seq == 0 {
		return fmt.Sprintf("%s-%s.jsonl", fw.stream, day)
	}
	return fmt.Sprintf("%s-%s.%d.jsonl", fw.stream, day, seq)
}

func (fw *FileWriter) openLocked(day string) error {
	if fw.file != nil {
		_ = fw.file.Close()
		fw.file = nil
	}

	name := fw.fileName(day, fw.seq)
	f, err := os.OpenFile(filepath.Join(fw.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	var size int64
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}

	fw.file, fw.day, fw.written = f, day, size
	linkLatest(fw.dir, "latest-"+fw.stream, name)
	return nil
}

// linkLatest points dir/link at target. Failures are ignored.
func linkLatest(dir, link, target string) {
	linkPath := filepath.Join(dir, link)
	tmpPath := linkPath + ".tmp"

	_ = os.Remove(tmpPath)
	if err := os.Symlink(target, tmpPath); err != nil {
		return
	}
	_ = os.Rename(tmpPath, linkPath)
}

// logFilePattern captures the date of <stream>-YYYY-MM-DD[.N].jsonl.
var logFilePattern = regexp.MustCompile(`^[A-Za-z0-9_]+-(\d{4}-\d{2}-\d{2})(?:\.\d+)?\.jsonl$`)

// Cleanup removes log files of every stream dated before the retention
// window. Other files in dir are left alone.
func Cleanup(dir string, retentionDays int) {
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
		day, err := time.Parse(dateLayout, m[1])
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			_ = os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
}
