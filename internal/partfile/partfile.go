// Package partfile implements the on-disk handshake that reconciles a
// `.part` file's actual length against the journal's confirmed_bytes and
// the intent's expected_size, so a download can resume after a crash
// without ever trusting a byte it didn't confirm. Pre-allocation and the
// free-space precondition are delegated to filesystem.Allocator.
package partfile

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"tachyon-orchestrator/internal/filesystem"
	"tachyon-orchestrator/internal/integrity"
)

const partSuffix = ".part"

// Decision records which branch of the handshake table Acquire took, for
// logging and tests.
type Decision string

const (
	DecisionFreshStart       Decision = "fresh_start"
	DecisionTrustDisk        Decision = "trust_disk"
	DecisionTornWriteTruncate Decision = "torn_write_truncate"
	DecisionGhostVerified    Decision = "ghost_file_verified"
	DecisionUnknownTruncate  Decision = "unknown_size_truncate"
	DecisionJournalAhead     Decision = "journal_ahead_recovered"
)

// Handle is an acquired, writable part file positioned at ResumeOffset.
type Handle struct {
	f            *os.File
	partPath     string
	ResumeOffset int64
	Decision     Decision
}

// PartFile owns the allocator used to pre-reserve disk space for new
// downloads.
type PartFile struct {
	alloc *filesystem.Allocator
}

// New creates a PartFile handshake helper.
func New() *PartFile {
	return &PartFile{alloc: filesystem.NewAllocator()}
}

func partPathFor(destPath string) string {
	return destPath + partSuffix
}

// Acquire opens (or creates) the `.part` file next to destPath and returns
// a Handle positioned to resume writing at the trustworthy offset, per the
// disk-length (D) vs confirmed_bytes (C) vs expected_size (E) decision
// table: fresh start, trust-disk, torn-write truncate, Ghost File
// post-verification, and unknown-size truncate.
//
// A Ghost File (D == E, i.e. the bytes are all there but the journal never
// saw the final confirm) is only trusted when expectedDigest is non-empty
// and verifies; otherwise it is truncated back to confirmedBytes and
// resumed like any other torn write, because an unverified file on disk is
// not evidence of anything.
func (p *PartFile) Acquire(destPath string, expectedSize, confirmedBytes int64, expectedDigest, digestAlgo string) (*Handle, error) {
	partPath := partPathFor(destPath)

	info, statErr := os.Stat(partPath)
	if statErr != nil {
		if !os.IsNotExist(statErr) {
			return nil, fmt.Errorf("partfile: stat %s: %w", partPath, statErr)
		}
		return p.freshStart(partPath, expectedSize)
	}

	d := info.Size()
	switch {
	case d == confirmedBytes:
		return p.openAt(partPath, confirmedBytes, DecisionTrustDisk)

	case d < confirmedBytes:
		// The journal claims more was confirmed than exists on disk.
		// Disk is ground truth for what can physically be resumed from;
		// the journal's confirmed_bytes is recovered down to match.
		return p.openAt(partPath, d, DecisionJournalAhead)

	case expectedSize >= 0 && d == expectedSize:
		if integrity.HasDigest(expectedDigest) && integrity.VerifyDigest(partPath, digestAlgo, expectedDigest) == nil {
			return p.openAt(partPath, d, DecisionGhostVerified)
		}
		return p.truncateAndOpen(partPath, confirmedBytes, DecisionTornWriteTruncate)

	case expectedSize < 0:
		return p.truncateAndOpen(partPath, confirmedBytes, DecisionUnknownTruncate)

	default: // d > confirmedBytes and d != expectedSize: treated as a torn write
		return p.truncateAndOpen(partPath, confirmedBytes, DecisionTornWriteTruncate)
	}
}

func (p *PartFile) freshStart(partPath string, expectedSize int64) (*Handle, error) {
	if expectedSize > 0 {
		if err := p.alloc.AllocateFile(partPath, expectedSize); err != nil {
			return nil, fmt.Errorf("partfile: allocate: %w", err)
		}
	} else if err := os.MkdirAll(filepath.Dir(partPath), 0o755); err != nil {
		return nil, fmt.Errorf("partfile: mkdir: %w", err)
	}
	return p.openAt(partPath, 0, DecisionFreshStart)
}

func (p *PartFile) truncateAndOpen(partPath string, at int64, decision Decision) (*Handle, error) {
	f, err := os.OpenFile(partPath, os.O_RDWR, 0o666)
	if err != nil {
		return nil, fmt.Errorf("partfile: open for truncate %s: %w", partPath, err)
	}
	if err := f.Truncate(at); err != nil {
		f.Close()
		return nil, fmt.Errorf("partfile: truncate %s to %d: %w", partPath, at, err)
	}
	if _, err := f.Seek(at, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("partfile: seek %s: %w", partPath, err)
	}
	return &Handle{f: f, partPath: partPath, ResumeOffset: at, Decision: decision}, nil
}

func (p *PartFile) openAt(partPath string, at int64, decision Decision) (*Handle, error) {
	f, err := os.OpenFile(partPath, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("partfile: open %s: %w", partPath, err)
	}
	if _, err := f.Seek(at, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("partfile: seek %s: %w", partPath, err)
	}
	return &Handle{f: f, partPath: partPath, ResumeOffset: at, Decision: decision}, nil
}

// WriteAt writes a chunk at a byte offset; multiple workers append disjoint
// ranges of the same part file concurrently under the swarm transport.
func (h *Handle) WriteAt(b []byte, off int64) (int, error) {
	return h.f.WriteAt(b, off)
}

// Sync flushes the part file's data to durable storage.
func (h *Handle) Sync() error {
	return h.f.Sync()
}

// Abandon closes the handle without committing, leaving the part file on
// disk so a later Acquire can resume it.
func (h *Handle) Abandon() error {
	return h.f.Close()
}

// Discard closes the handle and removes the part file entirely, used for
// an explicit Cancel rather than a pause/crash.
func (h *Handle) Discard() error {
	if err := h.f.Close(); err != nil {
		return err
	}
	return os.Remove(h.partPath)
}

// Commit fsyncs, closes, and atomically renames the part file to destPath.
// Callers verify integrity before calling Commit; Commit itself does not
// re-hash.
func (h *Handle) Commit(destPath string) error {
	if err := h.f.Sync(); err != nil {
		return fmt.Errorf("partfile: sync before commit: %w", err)
	}
	if err := h.f.Close(); err != nil {
		return fmt.Errorf("partfile: close before commit: %w", err)
	}
	if err := os.Rename(h.partPath, destPath); err != nil {
		return fmt.Errorf("partfile: rename %s -> %s: %w", h.partPath, destPath, err)
	}
	return nil
}
