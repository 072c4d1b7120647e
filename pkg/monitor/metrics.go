package monitor

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"tarun-kavipurapu/p2p-rendezvous/pkg/logger"
)

// Metrics holds data-plane counters for a peer process
type Metrics struct {
	// Total bytes moved by completed transfers, in either direction
	TransferBytes int64
	// Number of completed transfers
	TransferCount int64
	// Number of transfers that ended early
	FailedCount int64
	// Process start time
	ServerStart time.Time
}

// Global metrics instance
var Global = &Metrics{
	ServerStart: time.Now(),
}

// Snapshot is a consistent-enough copy of the counters for display.
type Snapshot struct {
	TransferBytes int64
	TransferCount int64
	FailedCount   int64
	Uptime        time.Duration
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		TransferBytes: atomic.LoadInt64(&m.TransferBytes),
		TransferCount: atomic.LoadInt64(&m.TransferCount),
		FailedCount:   atomic.LoadInt64(&m.FailedCount),
		Uptime:        time.Since(m.ServerStart),
	}
}

// LogPeriodic logs runtime metrics at the specified interval until ctx is done
func LogPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		s := Global.Snapshot()
		var throughput float64
		if secs := s.Uptime.Seconds(); secs > 0 {
			throughput = float64(s.TransferBytes) / secs / 1024 / 1024
		}

		logger.Sugar.Infof("[Metrics] Goroutines=%d | HeapAlloc=%dMB | HeapSys=%dMB | Throughput=%.2fMB/s | Transfers=%d | Failed=%d",
			runtime.NumGoroutine(),
			m.HeapAlloc/1024/1024,
			m.HeapSys/1024/1024,
			throughput,
			s.TransferCount,
			s.FailedCount,
		)
	}
}

// RecordTransfer records a completed transfer of the given size and duration
func RecordTransfer(bytes int64, duration time.Duration) {
	atomic.AddInt64(&Global.TransferBytes, bytes)
	atomic.AddInt64(&Global.TransferCount, 1)

	var speed float64
	if secs := duration.Seconds(); secs > 0 {
		speed = float64(bytes) / secs / 1024 / 1024
	}

	logger.Sugar.Infof("[Transfer] Size=%dKB | Duration=%.2fs | Speed=%.2fMB/s",
		bytes/1024, duration.Seconds(), speed)
}

// RecordFailure counts a transfer that did not complete
func RecordFailure() {
	atomic.AddInt64(&Global.FailedCount, 1)
}
