// Package audit implements the append-only, hash-chained JSONL audit log:
// every tool-call decision the Safety Kernel makes is recorded as one
// line, each line's hash folding in the previous line's hash, so a
// single mutated byte anywhere in the file is detectable by sequential
// replay.
package audit

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/hadijannat/TwinOps/pkg/canonicalize"
	"github.com/hadijannat/TwinOps/pkg/contracts"
	"github.com/hadijannat/TwinOps/pkg/kernel"
)

var ErrEmptyLog = errors.New("audit: log has no entries")

// Projector mirrors a committed entry into a query store (e.g. Postgres)
// after it has been durably appended. A Projector failure never fails the
// append; it's a best-effort convenience index, not the log of record.
type Projector interface {
	Project(entry contracts.AuditEntry) error
}

// SegmentArchiver uploads a closed segment file to cold storage. Satisfied
// by *Archiver; kept as an interface here so Log does not have to depend
// on AWS config in tests that never rotate.
type SegmentArchiver interface {
	ArchiveSegment(ctx context.Context, path string) error
}

// Log is a single-writer, append-only audit log backed by one JSONL file.
// When RotateAfterEntries is configured, the active file is periodically
// closed, renamed into a dated segment, and handed to the archiver while a
// fresh file continues at path — each segment is independently verifiable
// from the zero hash, trading one long chain for a bounded active file.
type Log struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	lastHash  string
	nextSeq   uint64
	projector Projector
	clock     func() time.Time
	archiver  SegmentArchiver
	rotateAt  uint64
	logger    *slog.Logger
}

type Config struct {
	Path               string
	Projector          Projector
	Clock              func() time.Time
	Archiver           SegmentArchiver
	RotateAfterEntries uint64
	Logger             *slog.Logger
}

// Open opens (creating if necessary) the log file at cfg.Path, replaying
// it to recover the last hash and next sequence number.
func Open(cfg Config) (*Log, error) {
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: opening %s: %w", cfg.Path, err)
	}

	lastHash := contracts.ZeroHash
	var nextSeq uint64

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var entry contracts.AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			f.Close()
			return nil, fmt.Errorf("audit: replaying %s: %w", cfg.Path, err)
		}
		lastHash = entry.Hash
		nextSeq = entry.Seq + 1
	}
	if err := scanner.Err(); err != nil {
		f.Close()
		return nil, fmt.Errorf("audit: replaying %s: %w", cfg.Path, err)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Log{
		file:      f,
		path:      cfg.Path,
		lastHash:  lastHash,
		nextSeq:   nextSeq,
		projector: cfg.Projector,
		clock:     clock,
		archiver:  cfg.Archiver,
		rotateAt:  cfg.RotateAfterEntries,
		logger:    logger,
	}, nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Len returns the number of entries committed so far.
func (l *Log) Len() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq
}

// Head returns the hash of the most recently committed entry, or
// ErrEmptyLog if nothing has been recorded yet.
func (l *Log) Head() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.nextSeq == 0 {
		return "", ErrEmptyLog
	}
	return l.lastHash, nil
}

// Record satisfies kernel.AuditSink.
func (l *Log) Record(ctx context.Context, fields kernel.AuditFields) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := contracts.AuditEntry{
		Seq:          l.nextSeq,
		TS:           l.clock().UTC(),
		Actor:        fields.Actor,
		Roles:        fields.Roles,
		Event:        fields.Event,
		Tool:         fields.Tool,
		ArgsDigest:   fields.ArgsDigest,
		Decision:     fields.Decision,
		ResultDigest: fields.ResultDigest,
		Details:      fields.Details,
		PrevHash:     l.lastHash,
	}

	hash, err := computeHash(entry)
	if err != nil {
		return fmt.Errorf("audit: hashing entry %d: %w", entry.Seq, err)
	}
	entry.Hash = hash

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshaling entry %d: %w", entry.Seq, err)
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("audit: writing entry %d: %w", entry.Seq, err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("audit: fsyncing entry %d: %w", entry.Seq, err)
	}

	l.lastHash = entry.Hash
	l.nextSeq++

	if l.projector != nil {
		if err := l.projector.Project(entry); err != nil {
			// The projection index is a convenience, not the log of
			// record; a failure here is surfaced by logging, not by
			// failing the append.
			l.logger.Error("audit: projection failed", "seq", entry.Seq, "error", err)
		}
	}

	due := l.rotateAt > 0 && l.nextSeq%l.rotateAt == 0
	if due && l.archiver != nil {
		go l.rotateAsync(context.WithoutCancel(ctx))
	}

	return nil
}

// rotateAsync closes the active segment, renames it aside, archives it,
// and opens a fresh file at the original path. Rotation is best-effort: a
// failure at any step is logged and the active file is left usable,
// never blocking the synchronous append path that triggered it.
func (l *Log) rotateAsync(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	segmentPath := fmt.Sprintf("%s.%s", l.path, l.clock().UTC().Format("20060102T150405.000000000"))

	if err := l.file.Close(); err != nil {
		l.logger.Error("audit: closing segment for rotation failed", "error", err)
		return
	}
	if err := os.Rename(l.path, segmentPath); err != nil {
		l.logger.Error("audit: renaming segment for rotation failed", "error", err)
		f, reopenErr := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
		if reopenErr != nil {
			l.logger.Error("audit: reopening active segment after failed rotation failed", "error", reopenErr)
			return
		}
		l.file = f
		return
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		l.logger.Error("audit: opening fresh segment after rotation failed", "error", err)
		return
	}
	l.file = f
	l.lastHash = contracts.ZeroHash
	l.nextSeq = 0

	if err := l.archiver.ArchiveSegment(ctx, segmentPath); err != nil {
		l.logger.Error("audit: archiving rotated segment failed", "segment", segmentPath, "error", err)
	}
}

// computeHash derives hash = SHA256(prev_hash ‖ JCS(entry_sans_hash)).
// entry.Hash must be its zero value when called.
func computeHash(entry contracts.AuditEntry) (string, error) {
	canonical, err := canonicalize.Transform(entry)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(entry.PrevHash))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify re-reads path sequentially, recomputing every hash. It returns
// (true, nil) if the chain holds end to end, or (false, &seq) identifying
// the first entry whose prev_hash or hash does not match what replay
// derives.
func Verify(path string) (ok bool, firstBreakSeq *uint64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return false, nil, fmt.Errorf("audit: opening %s: %w", path, err)
	}
	defer f.Close()

	expectedPrev := contracts.ZeroHash
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	seen := false
	for scanner.Scan() {
		seen = true
		var entry contracts.AuditEntry
		if unmarshalErr := json.Unmarshal(scanner.Bytes(), &entry); unmarshalErr != nil {
			return false, nil, fmt.Errorf("audit: parsing %s: %w", path, unmarshalErr)
		}

		if entry.PrevHash != expectedPrev {
			seq := entry.Seq
			return false, &seq, nil
		}

		claimedHash := entry.Hash
		entry.Hash = ""
		recomputed, hashErr := computeHash(entry)
		if hashErr != nil {
			return false, nil, fmt.Errorf("audit: recomputing hash for seq %d: %w", entry.Seq, hashErr)
		}
		if recomputed != claimedHash {
			seq := entry.Seq
			return false, &seq, nil
		}

		expectedPrev = claimedHash
	}
	if err := scanner.Err(); err != nil {
		return false, nil, fmt.Errorf("audit: reading %s: %w", path, err)
	}
	if !seen {
		return true, nil, nil
	}

	return true, nil, nil
}
