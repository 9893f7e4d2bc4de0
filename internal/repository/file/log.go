package file

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/repository"
)

const maxLineSize = 16 << 20

// Log stores deploy events as JSON Lines, one event per line.
type Log struct {
	path string
	mu   sync.Mutex
}

var _ repository.EventLog = (*Log)(nil)

// New returns a log backed by path. The file and its parent directory are
// created on first append.
func New(path string) *Log {
	return &Log{path: path}
}

// Path returns the backing file.
func (l *Log) Path() string { return l.path }

// Append writes event as a single line.
func (l *Log) Append(_ context.Context, event domain.DeployEvent) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("append event: %w", err)
	}
	return f.Close()
}

// Latest returns the last non-empty line.
func (l *Log) Latest(ctx context.Context) (*domain.DeployEvent, error) {
	events, err := l.List(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, repository.ErrNotFound
	}
	return &events[0], nil
}

// List returns up to limit events, newest first.
func (l *Log) List(_ context.Context, limit int) ([]domain.DeployEvent, error) {
	limit = repository.ClampLimit(limit)
	lines, err := l.readLines()
	if err != nil {
		return nil, err
	}
	events := make([]domain.DeployEvent, 0, min(limit, len(lines)))
	for i := len(lines) - 1; i >= 0 && len(events) < limit; i-- {
		var ev domain.DeployEvent
		if err := json.Unmarshal(lines[i], &ev); err != nil {
			return nil, fmt.Errorf("decode event line %d: %w", i+1, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// Ping checks that the log file is readable when it exists and that its
// directory can be created.
func (l *Log) Ping(_ context.Context) error {
	f, err := os.Open(l.path)
	if err == nil {
		return f.Close()
	}
	if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("open event log: %w", err)
	}
	if _, err := os.Stat(filepath.Dir(l.path)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat log dir: %w", err)
	}
	return nil
}

func (l *Log) readLines() ([][]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	return scanLines(f)
}

func scanLines(r io.Reader) ([][]byte, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	var lines [][]byte
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event log: %w", err)
	}
	return lines, nil
}
