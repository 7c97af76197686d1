package analytics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTrackDownloadBytesAccumulatesIntoToday(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.TrackDownloadBytes(1024))
	require.NoError(t, s.TrackDownloadBytes(2048))

	total, err := s.GetLifetimeStats()
	require.NoError(t, err)
	assert.Equal(t, int64(3072), total)
}

func TestTrackFileCompletedIncrementsCount(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.TrackFileCompleted())
	require.NoError(t, s.TrackFileCompleted())

	total, err := s.GetTotalFiles()
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
}

func TestGetDailyHistoryRespectsLimit(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.TrackDownloadBytes(100))

	history, err := s.GetDailyHistory(7)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(history), 7)
	require.Len(t, history, 1)
	assert.Equal(t, int64(100), history[0].Bytes)
}

func TestCurrentSpeedRoundTrip(t *testing.T) {
	s := newTestStore(t)
	s.UpdateDownloadSpeed(5_000_000)
	assert.Equal(t, int64(5_000_000), s.GetCurrentSpeed())
}

func TestRecordSpeedTest(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.RecordSpeedTest(SpeedTestHistory{
		DownloadMbps: 100.5,
		UploadMbps:   20.1,
		PingMs:       12,
		ServerName:   "test-server",
		ISP:          "test-isp",
	}))
}
