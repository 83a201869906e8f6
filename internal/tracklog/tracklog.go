package tracklog

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/trackd/internal/gps"
)

// FileName is the history file created inside the configured directory.
const FileName = "location_history.csv"

// TimeLayout renders the sample instant in the log's wall-clock zone.
const TimeLayout = "02 Jan 2006, 03:04 PM"

// writeLine is swapped out in tests.
var writeLine = func(f *os.File, line string) (int, error) {
	return f.WriteString(line)
}

// Log is an append-only history of samples, one formatted line per sample.
// Appends and Clear are mutually exclusive; readers see whole lines only.
type Log struct {
	mu   sync.RWMutex
	path string
	loc  *time.Location
	file *os.File
}

// Config holds history log configuration.
type Config struct {
	Path     string         `yaml:"path" json:"path"`
	Location *time.Location `yaml:"-" json:"-"`
}

// New creates a Log rooted at cfg.Path. Nothing is touched on disk until the
// first Append.
func New(cfg Config) *Log {
	if cfg.Path == "" {
		cfg.Path = "/var/lib/trackd"
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Log{
		path: filepath.Join(cfg.Path, FileName),
		loc:  cfg.Location,
	}
}

// Path returns the history file location.
func (l *Log) Path() string { return l.path }

// Append formats s and writes it as one line. The line is synced to stable
// storage before Append returns.
func (l *Log) Append(s gps.Sample) error {
	line := FormatLine(s, l.loc)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		if err := l.openFile(); err != nil {
			return err
		}
	}
	info, err := l.file.Stat()
	if err != nil {
		l.closeFile()
		return fmt.Errorf("stat %s: %w", l.path, err)
	}
	if _, err := writeLine(l.file, line); err != nil {
		// Cut any partial line so the next append starts on a line boundary.
		if terr := l.file.Truncate(info.Size()); terr != nil {
			log.Printf("[tracklog] truncate %s after failed write: %v", l.path, terr)
		}
		l.closeFile()
		return fmt.Errorf("write %s: %w", l.path, err)
	}
	if err := l.file.Sync(); err != nil {
		l.closeFile()
		return fmt.Errorf("sync %s: %w", l.path, err)
	}
	return nil
}

// ReadAll returns every stored line in append order. A log that has never
// been written yields an empty slice.
func (l *Log) ReadAll() ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	data, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", l.path, err)
	}

	lines := []string{}
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		lines = append(lines, string(line))
	}
	return lines, nil
}

// Clear removes all stored entries. The next Append recreates the file.
func (l *Log) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closeFile()
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", l.path, err)
	}
	log.Printf("[tracklog] cleared %s", l.path)
	return nil
}

// Close releases the open file handle, if any.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Log) openFile() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(l.path), err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", l.path, err)
	}
	l.file = f
	log.Printf("[tracklog] opened %s", l.path)
	return nil
}

func (l *Log) closeFile() {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

// FormatLine renders s as "<local time>, Lat: <lat>, Lon: <lon>\n".
// The UTC instant is converted to loc here, at write time, and cannot be
// recovered from the line afterwards.
func FormatLine(s gps.Sample, loc *time.Location) string {
	return fmt.Sprintf("%s, Lat: %s, Lon: %s\n",
		s.Time.In(loc).Format(TimeLayout), formatCoord(s.Latitude), formatCoord(s.Longitude))
}

// formatCoord prints the shortest decimal that round-trips, keeping a
// fractional digit on whole degrees (37 -> "37.0").
func formatCoord(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".NI") {
		s += ".0"
	}
	return s
}
