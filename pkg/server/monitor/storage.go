package monitor

import (
	"os"
	"path/filepath"
	"sync"
	"time"
)

// usageCacheDuration bounds how often the data directory is walked
const usageCacheDuration = 10 * time.Second

// StorageMonitor tracks disk usage of the data directory with a short cache
type StorageMonitor struct {
	dataDir       string
	maxBytes      int64
	cachedUsage   int64
	lastCheck     time.Time
	cacheDuration time.Duration
	mu            sync.Mutex
}

// NewStorageMonitor creates a monitor for dataDir. maxBytes <= 0 means unlimited.
func NewStorageMonitor(dataDir string, maxBytes int64) *StorageMonitor {
	return &StorageMonitor{
		dataDir:       dataDir,
		maxBytes:      maxBytes,
		cacheDuration: usageCacheDuration,
	}
}

// GetUsage returns current disk usage in bytes (cached)
func (sm *StorageMonitor) GetUsage() (int64, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.lastCheck.IsZero() && time.Since(sm.lastCheck) < sm.cacheDuration {
		return sm.cachedUsage, nil
	}

	usage, err := calculateDirSize(sm.dataDir)
	if err != nil {
		return 0, err
	}

	sm.cachedUsage = usage
	sm.lastCheck = time.Now()
	return usage, nil
}

// GetLimit returns the configured limit in bytes
func (sm *StorageMonitor) GetLimit() int64 {
	return sm.maxBytes
}

// Usage is the storage report served by the API
type Usage struct {
	UsedBytes    int64   `json:"used_bytes"`
	LimitBytes   int64   `json:"limit_bytes"`
	UsagePercent float64 `json:"usage_percent"`
	Full         bool    `json:"full"`
}

// Report returns usage against the limit
func (sm *StorageMonitor) Report() (Usage, error) {
	used, err := sm.GetUsage()
	if err != nil {
		return Usage{}, err
	}
	u := Usage{UsedBytes: used, LimitBytes: sm.maxBytes}
	if sm.maxBytes > 0 {
		u.UsagePercent = float64(used) / float64(sm.maxBytes) * 100
		u.Full = used >= sm.maxBytes
	}
	return u, nil
}

// calculateDirSize sums actual disk usage (not logical size) under path
func calculateDirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			actualSize, err := getActualFileSize(filePath, info)
			if err != nil {
				size += info.Size()
			} else {
				size += actualSize
			}
		}
		return nil
	})
	return size, err
}
