// Package analytics is a secondary, disposable store for rollups the
// journal has no business keeping: daily byte/file totals and speed-test
// history. It is backed by SQLite through gorm, kept deliberately separate
// from the journal's Badger file so wiping analytics never risks a durable
// intent.
package analytics

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/shirou/gopsutil/v3/disk"
)

// DailyStat is one day's download rollup, upserted as bytes arrive.
type DailyStat struct {
	Date  string `gorm:"primaryKey"` // YYYY-MM-DD
	Bytes int64
	Files int64
}

// SpeedTestHistory records one completed speed-test run for trend display.
type SpeedTestHistory struct {
	gorm.Model
	DownloadMbps float64
	UploadMbps   float64
	PingMs       int64
	ServerName   string
	ISP          string
}

// DiskUsageInfo is a snapshot of free/used space on the volume backing a
// download directory.
type DiskUsageInfo struct {
	UsedGB  float64
	FreeGB  float64
	TotalGB float64
	Percent float64
}

// Store is the gorm/sqlite-backed analytics database.
type Store struct {
	db           *gorm.DB
	currentSpeed int64 // atomic, bytes/sec
}

// Open opens (migrating if necessary) the analytics database at dir/analytics.db.
func Open(dir string) (*Store, error) {
	path := filepath.Join(dir, "analytics.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("analytics: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&DailyStat{}, &SpeedTestHistory{}); err != nil {
		return nil, fmt.Errorf("analytics: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying sqlite connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpdateDownloadSpeed records the current aggregate download speed.
func (s *Store) UpdateDownloadSpeed(bytesPerSec int64) {
	atomic.StoreInt64(&s.currentSpeed, bytesPerSec)
}

// GetCurrentSpeed returns the last recorded aggregate speed.
func (s *Store) GetCurrentSpeed() int64 {
	return atomic.LoadInt64(&s.currentSpeed)
}

// TrackDownloadBytes upserts bytes into today's rollup.
func (s *Store) TrackDownloadBytes(bytes int64) error {
	return s.upsertToday(func(d *DailyStat) { d.Bytes += bytes })
}

// TrackFileCompleted increments today's completed-file count.
func (s *Store) TrackFileCompleted() error {
	return s.upsertToday(func(d *DailyStat) { d.Files++ })
}

func (s *Store) upsertToday(mutate func(*DailyStat)) error {
	today := time.Now().Format("2006-01-02")
	return s.db.Transaction(func(tx *gorm.DB) error {
		var stat DailyStat
		result := tx.Where("date = ?", today).First(&stat)
		if result.Error != nil {
			stat = DailyStat{Date: today}
		}
		mutate(&stat)
		return tx.Save(&stat).Error
	})
}

// GetLifetimeStats sums bytes across every recorded day.
func (s *Store) GetLifetimeStats() (int64, error) {
	var total int64
	err := s.db.Model(&DailyStat{}).Select("COALESCE(SUM(bytes), 0)").Scan(&total).Error
	return total, err
}

// GetTotalFiles sums files across every recorded day.
func (s *Store) GetTotalFiles() (int64, error) {
	var total int64
	err := s.db.Model(&DailyStat{}).Select("COALESCE(SUM(files), 0)").Scan(&total).Error
	return total, err
}

// GetDailyHistory returns the most recent `days` DailyStat rows, newest
// first.
func (s *Store) GetDailyHistory(days int) ([]DailyStat, error) {
	var stats []DailyStat
	err := s.db.Order("date desc").Limit(days).Find(&stats).Error
	return stats, err
}

// RecordSpeedTest persists one completed speed-test result.
func (s *Store) RecordSpeedTest(h SpeedTestHistory) error {
	return s.db.Create(&h).Error
}

// GetDiskUsage reports usage for the volume backing downloadPath.
func GetDiskUsage(downloadPath string) (DiskUsageInfo, error) {
	volumePath := filepath.VolumeName(downloadPath)
	if volumePath == "" {
		volumePath = "/"
	} else {
		volumePath += string(filepath.Separator)
	}

	usage, err := disk.Usage(volumePath)
	if err != nil {
		return DiskUsageInfo{}, fmt.Errorf("analytics: disk usage %s: %w", volumePath, err)
	}

	const bytesPerGB = 1024 * 1024 * 1024
	return DiskUsageInfo{
		UsedGB:  float64(usage.Used) / bytesPerGB,
		FreeGB:  float64(usage.Free) / bytesPerGB,
		TotalGB: float64(usage.Total) / bytesPerGB,
		Percent: usage.UsedPercent,
	}, nil
}
