package filesystem

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"

	"tachyon-orchestrator/internal/orcherr"
)

// MinFreeSpaceBuffer is held back below an intent's expected size so
// pre-allocation never drives a volume to zero free space.
const MinFreeSpaceBuffer = 100 * 1024 * 1024

// Allocator pre-reserves disk space for a PartFile before the first byte
// of a download is written, so an undersized volume fails fast instead of
// mid-transfer.
type Allocator struct {
	log *slog.Logger
}

// NewAllocator creates an Allocator logging to slog.Default.
func NewAllocator() *Allocator {
	return &Allocator{log: slog.Default()}
}

// AllocateFile reserves size bytes at path via truncate, after confirming
// the destination volume has room plus MinFreeSpaceBuffer of headroom. A
// failure here is classified RecoveryFailure, not Transient: the intent's
// bytes are untouched on disk, so RetryPolicy can retry the same attempt
// once space frees up without treating it like a network blip.
func (a *Allocator) AllocateFile(path string, size int64) error {
	if err := a.checkDiskSpace(path, size); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return orcherr.Wrap(orcherr.RecoveryFailure, fmt.Errorf("filesystem: open %s for allocation: %w", path, err))
	}
	defer f.Close()

	if err := f.Truncate(size); err != nil {
		return orcherr.Wrap(orcherr.RecoveryFailure, fmt.Errorf("filesystem: pre-allocate %d bytes at %s: %w", size, path, err))
	}
	return nil
}

func (a *Allocator) checkDiskSpace(path string, required int64) error {
	dir := filepath.Dir(path)

	usage, err := disk.Usage(dir)
	if err != nil {
		return orcherr.Wrap(orcherr.RecoveryFailure, fmt.Errorf("filesystem: check disk space at %s: %w", dir, err))
	}

	free := int64(usage.Free)
	if free < required+MinFreeSpaceBuffer {
		return orcherr.Wrap(orcherr.RecoveryFailure, fmt.Errorf(
			"filesystem: disk full at %s: need %d bytes including %d buffer, have %d", dir, required+MinFreeSpaceBuffer, MinFreeSpaceBuffer, free))
	}
	if headroom := free - required; headroom < MinFreeSpaceBuffer*2 {
		a.log.Warn("low disk headroom for new allocation", "dir", dir, "required", required, "free", free)
	}
	return nil
}
