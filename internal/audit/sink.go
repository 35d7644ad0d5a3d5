package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

const (
	partitionPrefix = "audit-"
	partitionLayout = "2006-01-02"
	partitionExt    = ".jsonl"
	compressedExt   = ".jsonl.gz"
)

// RetentionPolicy controls what Prune removes or compacts.
type RetentionPolicy struct {
	RetentionDays     int
	CompressAfterDays int
}

// PruneResult reports what one Prune pass did.
type PruneResult struct {
	Removed    []string `json:"removed,omitempty"`
	Compressed []string `json:"compressed,omitempty"`
}

// Sink is durable, append-only storage for audit entries.
type Sink interface {
	Append(ctx context.Context, entries []Entry) error
	Prune(ctx context.Context, now time.Time, policy RetentionPolicy) (PruneResult, error)
}

// PartitionName returns the file name holding entries for day.
func PartitionName(day time.Time) string {
	return partitionPrefix + day.UTC().Format(partitionLayout) + partitionExt
}

func partitionDay(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, partitionPrefix) {
		return time.Time{}, false
	}
	rest := strings.TrimPrefix(name, partitionPrefix)
	switch {
	case strings.HasSuffix(rest, compressedExt):
		rest = strings.TrimSuffix(rest, compressedExt)
	case strings.HasSuffix(rest, partitionExt):
		rest = strings.TrimSuffix(rest, partitionExt)
	default:
		return time.Time{}, false
	}
	day, err := time.Parse(partitionLayout, rest)
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// FileSink writes JSON lines into one file per UTC day under Dir.
type FileSink struct {
	dir string
	mu  sync.Mutex
}

var _ Sink = (*FileSink)(nil)

// NewFileSink creates dir if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("audit: sink directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("audit: create sink dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

// Dir returns the partition directory.
func (s *FileSink) Dir() string { return s.dir }

func (s *FileSink) Append(_ context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	byDay := make(map[string][]Entry)
	var order []string
	for _, e := range entries {
		name := PartitionName(e.Timestamp)
		if _, ok := byDay[name]; !ok {
			order = append(order, name)
		}
		byDay[name] = append(byDay[name], e)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range order {
		if err := s.appendFile(filepath.Join(s.dir, name), byDay[name]); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileSink) appendFile(path string, entries []Entry) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("audit: open partition: %w", err)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			_ = f.Close()
			return fmt.Errorf("audit: encode entry %s: %w", e.ID, err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Partitions lists partition file names, oldest first.
func (s *FileSink) Partitions() ([]string, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, d := range dirEntries {
		if d.IsDir() {
			continue
		}
		if _, ok := partitionDay(d.Name()); ok {
			names = append(names, d.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// ReadDay returns the entries stored for day, whether plain or compressed.
func (s *FileSink) ReadDay(day time.Time) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	base := filepath.Join(s.dir, strings.TrimSuffix(PartitionName(day), partitionExt))
	var out []Entry
	for _, ext := range []string{compressedExt, partitionExt} {
		entries, err := readPartition(base + ext)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}

func readPartition(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("audit: open gzip partition: %w", err)
		}
		defer gz.Close()
		r = gz
	}
	var out []Entry
	dec := json.NewDecoder(r)
	for dec.More() {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("audit: decode %s: %w", filepath.Base(path), err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Prune deletes partitions older than the retention window and gzip-compresses
// plain partitions older than CompressAfterDays. Today's partition is never
// compressed.
func (s *FileSink) Prune(ctx context.Context, now time.Time, policy RetentionPolicy) (PruneResult, error) {
	names, err := s.Partitions()
	if err != nil {
		return PruneResult{}, err
	}
	today := startOfDay(now)
	var res PruneResult

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		day, _ := partitionDay(name)
		age := int(today.Sub(day).Hours() / 24)
		path := filepath.Join(s.dir, name)
		switch {
		case policy.RetentionDays > 0 && age > policy.RetentionDays:
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return res, fmt.Errorf("audit: remove %s: %w", name, err)
			}
			res.Removed = append(res.Removed, name)
		case policy.CompressAfterDays > 0 && age > policy.CompressAfterDays && strings.HasSuffix(name, partitionExt):
			if err := compressFile(path); err != nil {
				return res, err
			}
			res.Compressed = append(res.Compressed, name)
		}
	}
	return res, nil
}

// compressFile writes path+".gz" and removes the original. An existing
// compressed partition for the same day is extended with a new gzip member.
func compressFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dstPath := path + ".gz"
	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("audit: create %s: %w", filepath.Base(dstPath), err)
	}
	gz, err := gzip.NewWriterLevel(dst, gzip.BestCompression)
	if err != nil {
		_ = dst.Close()
		return err
	}
	if _, err := io.Copy(gz, src); err != nil {
		_ = gz.Close()
		_ = dst.Close()
		return fmt.Errorf("audit: compress %s: %w", filepath.Base(path), err)
	}
	if err := gz.Close(); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	_ = src.Close()
	return os.Remove(path)
}

// MemorySink keeps entries in memory. Used when no directory is configured.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

var _ Sink = (*MemorySink)(nil)

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Append(_ context.Context, entries []Entry) error {
	s.mu.Lock()
	s.entries = append(s.entries, entries...)
	s.mu.Unlock()
	return nil
}

func (s *MemorySink) Prune(_ context.Context, now time.Time, policy RetentionPolicy) (PruneResult, error) {
	if policy.RetentionDays <= 0 {
		return PruneResult{}, nil
	}
	cutoff := startOfDay(now).AddDate(0, 0, -policy.RetentionDays)
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	removed := map[string]bool{}
	for _, e := range s.entries {
		if e.Timestamp.Before(cutoff) {
			removed[PartitionName(e.Timestamp)] = true
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	var res PruneResult
	for name := range removed {
		res.Removed = append(res.Removed, name)
	}
	sort.Strings(res.Removed)
	return res, nil
}

// Entries returns a copy of everything appended.
func (s *MemorySink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}
