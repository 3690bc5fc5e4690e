package wal

import "time"

// SyncPolicy defines the durability strategy.
type SyncPolicy int

const (
	// SyncEveryWrite calls fsync() after every write.
	// Safest, lowest throughput.
	SyncEveryWrite SyncPolicy = iota

	// SyncInterval calls fsync() periodically in the background.
	// A balance between the two extremes.
	SyncInterval

	// SyncBatch calls fsync() once the buffer reaches a byte-size threshold (SyncBatchBytes).
	// Highest throughput.
	SyncBatch
)

// Options configures the WAL writer.
type Options struct {
	// DirPath is the directory where log segments are stored.
	DirPath string

	// BufferSize is the in-memory buffer size before flushing to the OS (bufio).
	BufferSize int

	// SyncPolicy selects the durability strategy.
	SyncPolicy SyncPolicy

	// SyncIntervalDuration is the period used by SyncInterval.
	SyncIntervalDuration time.Duration

	// SyncBatchBytes is the accumulated byte threshold that triggers a sync (SyncBatch only).
	SyncBatchBytes int64
}

// DefaultOptions returns a safe baseline configuration.
func DefaultOptions() Options {
	return Options{
		DirPath:              "./wal_data",
		BufferSize:           64 * 1024, // 64KB bufio buffer
		SyncPolicy:           SyncInterval,
		SyncIntervalDuration: 200 * time.Millisecond,
		SyncBatchBytes:       1 * 1024 * 1024, // 1MB
	}
}
