package partfile

import (
	"os"
	"path/filepath"
	"testing"

	"tachyon-orchestrator/internal/integrity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireFreshStart(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "file.bin")
	h, err := New().Acquire(dest, 100, 0, "", "")
	require.NoError(t, err)
	defer h.Abandon()

	assert.Equal(t, DecisionFreshStart, h.Decision)
	assert.Equal(t, int64(0), h.ResumeOffset)

	info, err := os.Stat(dest + partSuffix)
	require.NoError(t, err)
	assert.Equal(t, int64(100), info.Size())
}

func TestAcquireTrustDisk(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "file.bin")
	require.NoError(t, os.WriteFile(dest+partSuffix, make([]byte, 50), 0o644))

	h, err := New().Acquire(dest, 100, 50, "", "")
	require.NoError(t, err)
	defer h.Abandon()

	assert.Equal(t, DecisionTrustDisk, h.Decision)
	assert.Equal(t, int64(50), h.ResumeOffset)
}

func TestAcquireTornWriteTruncates(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "file.bin")
	// Disk has 80 bytes but journal only confirmed 50: a torn write.
	require.NoError(t, os.WriteFile(dest+partSuffix, make([]byte, 80), 0o644))

	h, err := New().Acquire(dest, 100, 50, "", "")
	require.NoError(t, err)
	defer h.Abandon()

	assert.Equal(t, DecisionTornWriteTruncate, h.Decision)
	assert.Equal(t, int64(50), h.ResumeOffset)

	info, err := os.Stat(dest + partSuffix)
	require.NoError(t, err)
	assert.Equal(t, int64(50), info.Size())
}

func TestAcquireJournalAheadRecoversToDisk(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "file.bin")
	require.NoError(t, os.WriteFile(dest+partSuffix, make([]byte, 30), 0o644))

	h, err := New().Acquire(dest, 100, 90, "", "")
	require.NoError(t, err)
	defer h.Abandon()

	assert.Equal(t, DecisionJournalAhead, h.Decision)
	assert.Equal(t, int64(30), h.ResumeOffset)
}

func TestAcquireGhostFileRequiresDigest(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "file.bin")
	content := make([]byte, 64)
	for i := range content {
		content[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(dest+partSuffix, content, 0o644))

	// No digest supplied: must not be trusted on faith, falls back to
	// truncating to confirmed_bytes even though D == E.
	h, err := New().Acquire(dest, 64, 10, "", "")
	require.NoError(t, err)
	assert.Equal(t, DecisionTornWriteTruncate, h.Decision)
	assert.Equal(t, int64(10), h.ResumeOffset)
	h.Abandon()

	require.NoError(t, os.WriteFile(dest+partSuffix, content, 0o644))
	digest, err := sha256Hex(content)
	require.NoError(t, err)

	h2, err := New().Acquire(dest, 64, 10, digest, "sha256")
	require.NoError(t, err)
	defer h2.Abandon()
	assert.Equal(t, DecisionGhostVerified, h2.Decision)
	assert.Equal(t, int64(64), h2.ResumeOffset)
}

func TestAcquireUnknownSizeTruncates(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "file.bin")
	require.NoError(t, os.WriteFile(dest+partSuffix, make([]byte, 500), 0o644))

	h, err := New().Acquire(dest, -1, 200, "", "")
	require.NoError(t, err)
	defer h.Abandon()

	assert.Equal(t, DecisionUnknownTruncate, h.Decision)
	assert.Equal(t, int64(200), h.ResumeOffset)
}

func TestCommitRenamesToFinalPath(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "file.bin")
	h, err := New().Acquire(dest, 10, 0, "", "")
	require.NoError(t, err)

	_, err = h.WriteAt(make([]byte, 10), 0)
	require.NoError(t, err)
	require.NoError(t, h.Commit(dest))

	_, err = os.Stat(dest)
	require.NoError(t, err)
	_, err = os.Stat(dest + partSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestDiscardRemovesPartFile(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "file.bin")
	h, err := New().Acquire(dest, 10, 0, "", "")
	require.NoError(t, err)
	require.NoError(t, h.Discard())

	_, err = os.Stat(dest + partSuffix)
	assert.True(t, os.IsNotExist(err))
}

func sha256Hex(b []byte) (string, error) {
	dir, err := os.MkdirTemp("", "digest")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(dir)
	p := filepath.Join(dir, "x")
	if err := os.WriteFile(p, b, 0o644); err != nil {
		return "", err
	}
	return integrity.CalculateHash(p, "sha256")
}
