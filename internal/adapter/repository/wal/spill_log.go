package wal

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/V4T54L/agentlens-ingest/internal/domain"
)

const (
	segmentPrefix = "spill-"
	segmentSuffix = ".jsonl"
	filePerm      = 0644
	maxRecordSize = 16 * 1024 * 1024
)

// SpillLog is an append-only, segmented file log of dead letters the DLQ
// stream could not accept. Records use the DLQ stream payload format, one
// per line, so a replayed letter is byte-for-byte what the stream would
// have held.
type SpillLog struct {
	dir          string
	segmentBytes int64
	maxBytes     int64
	logger       *slog.Logger

	mu        sync.Mutex
	segment   *os.File
	segSize   int64
	diskSize  int64
	lastStamp int64
}

// NewSpillLog opens the spill directory, creating it if needed. Existing
// segments are kept for replay and new writes go to a fresh segment.
func NewSpillLog(dir string, segmentBytes, maxBytes int64, logger *slog.Logger) (*SpillLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create spill directory %s: %w", dir, err)
	}

	l := &SpillLog{
		dir:          dir,
		segmentBytes: segmentBytes,
		maxBytes:     maxBytes,
		logger:       logger.With("component", "dlq_spill"),
	}
	segments, err := l.segments()
	if err != nil {
		return nil, err
	}
	for _, path := range segments {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat spill segment %s: %w", path, err)
		}
		l.diskSize += info.Size()
	}
	if len(segments) > 0 {
		l.logger.Info("Found spilled dead letters", "segments", len(segments), "bytes", l.diskSize)
	}
	return l, nil
}

// Write appends a dead letter and syncs it to disk before returning. It
// refuses the letter when the spill would grow past its size cap.
func (l *SpillLog) Write(ctx context.Context, letter domain.DeadLetter) error {
	record, err := letter.Payload()
	if err != nil {
		return fmt.Errorf("failed to encode dead letter for spill: %w", err)
	}
	record = append(record, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.diskSize+int64(len(record)) > l.maxBytes {
		return fmt.Errorf("dead-letter spill is full (%d of %d bytes used)", l.diskSize, l.maxBytes)
	}
	if l.segment == nil || l.segSize >= l.segmentBytes {
		if err := l.startSegment(); err != nil {
			return err
		}
	}

	n, err := l.segment.Write(record)
	l.segSize += int64(n)
	l.diskSize += int64(n)
	if err != nil {
		return fmt.Errorf("failed to append to spill segment: %w", err)
	}
	// A spilled letter is the only copy once its message is acknowledged.
	if err := l.segment.Sync(); err != nil {
		return fmt.Errorf("failed to sync spill segment: %w", err)
	}
	return nil
}

// Replay hands every spilled letter to handler, oldest first, and stops at
// the first handler error. A letter spilled more than once for the same
// source message is handed over only once per replay.
func (l *SpillLog) Replay(ctx context.Context, handler func(letter domain.DeadLetter) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.closeSegment(); err != nil {
		l.logger.Warn("Failed to close spill segment before replay", "error", err)
	}

	segments, err := l.segments()
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return nil
	}

	r := replay{seen: make(map[string]struct{}), handler: handler}
	for _, path := range segments {
		if err := l.replaySegment(ctx, path, &r); err != nil {
			return err
		}
	}
	l.logger.Info("Spill replay completed", "segments", len(segments), "replayed", r.replayed, "duplicates", r.duplicates, "corrupt", r.corrupt)
	return nil
}

type replay struct {
	seen       map[string]struct{}
	handler    func(domain.DeadLetter) error
	replayed   int
	duplicates int
	corrupt    int
}

func (l *SpillLog) replaySegment(ctx context.Context, path string, r *replay) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open spill segment %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
	for line := 1; scanner.Scan(); line++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		letter, err := domain.ParseDeadLetter(scanner.Bytes())
		if err != nil {
			// A torn final write after a crash lands here.
			r.corrupt++
			l.logger.Warn("Skipping unreadable spill record", "segment", filepath.Base(path), "line", line, "error", err)
			continue
		}
		if letter.StreamID != "" {
			if _, dup := r.seen[letter.StreamID]; dup {
				r.duplicates++
				continue
			}
			r.seen[letter.StreamID] = struct{}{}
		}
		if err := r.handler(letter); err != nil {
			return fmt.Errorf("replay of %s stopped at line %d: %w", filepath.Base(path), line, err)
		}
		r.replayed++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read spill segment %s: %w", path, err)
	}
	return nil
}

// Truncate deletes every segment. The next Write starts a new one.
func (l *SpillLog) Truncate(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.closeSegment(); err != nil {
		l.logger.Warn("Failed to close spill segment before truncate", "error", err)
	}
	segments, err := l.segments()
	if err != nil {
		return err
	}

	var failed int
	for _, path := range segments {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			failed++
			l.logger.Error("Failed to remove spill segment", "path", path, "error", err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("failed to remove %d of %d spill segments", failed, len(segments))
	}
	l.diskSize = 0
	return nil
}

// HasPending reports whether any letters are waiting to be replayed.
func (l *SpillLog) HasPending() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.diskSize > 0, nil
}

// Close closes the open segment, if any.
func (l *SpillLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeSegment()
}

func (l *SpillLog) closeSegment() error {
	if l.segment == nil {
		return nil
	}
	err := l.segment.Close()
	l.segment, l.segSize = nil, 0
	return err
}

// startSegment closes the current segment and opens a new one named after
// a strictly increasing timestamp, so lexical order is write order.
func (l *SpillLog) startSegment() error {
	if err := l.closeSegment(); err != nil {
		l.logger.Warn("Failed to close full spill segment", "error", err)
	}

	l.lastStamp = max(time.Now().UnixNano(), l.lastStamp+1)
	path := filepath.Join(l.dir, fmt.Sprintf("%s%020d%s", segmentPrefix, l.lastStamp, segmentSuffix))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("failed to create spill segment %s: %w", path, err)
	}
	l.segment = f
	l.logger.Debug("Started spill segment", "path", path)
	return nil
}

func (l *SpillLog) segments() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read spill directory: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), segmentPrefix) && strings.HasSuffix(e.Name(), segmentSuffix) {
			paths = append(paths, filepath.Join(l.dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}
