package peer

import (
	"sync"
	"time"
)

// TransferState represents the current state of a single transfer
type TransferState int

const (
	TransferPending TransferState = iota
	TransferRunning
	TransferCompleted
	TransferFailed
)

// String returns a string representation of the transfer state
func (s TransferState) String() string {
	switch s {
	case TransferPending:
		return "pending"
	case TransferRunning:
		return "running"
	case TransferCompleted:
		return "completed"
	case TransferFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Icon returns an icon representation of the transfer state
func (s TransferState) Icon() string {
	switch s {
	case TransferPending:
		return "⏳"
	case TransferRunning:
		return "↓"
	case TransferCompleted:
		return "✓"
	case TransferFailed:
		return "✗"
	default:
		return "?"
	}
}

// TransferProgress tracks the bytes of one data-plane stream. It is an
// io.Writer so it can sit behind an io.TeeReader on the receive path.
type TransferProgress struct {
	mu         sync.RWMutex
	Filename   string
	RemoteAddr string
	Size       uint64
	State      TransferState
	StartTime  time.Time
	EndTime    time.Time
	BytesDone  uint64
	Err        error

	// Speed calculation
	lastBytes    uint64
	lastTime     time.Time
	currentSpeed float64 // bytes/sec
}

func NewTransferProgress(filename, remote string, size uint64) *TransferProgress {
	now := time.Now()
	return &TransferProgress{
		Filename:   filename,
		RemoteAddr: remote,
		Size:       size,
		State:      TransferRunning,
		StartTime:  now,
		lastTime:   now,
	}
}

func (tp *TransferProgress) Write(b []byte) (int, error) {
	tp.mu.Lock()
	tp.BytesDone += uint64(len(b))
	tp.mu.Unlock()
	return len(b), nil
}

// UpdateSpeed calculates and updates the current transfer speed
func (tp *TransferProgress) UpdateSpeed() float64 {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tp.lastTime).Seconds()

	if elapsed >= 0.5 { // Update every 0.5 seconds
		tp.currentSpeed = float64(tp.BytesDone-tp.lastBytes) / elapsed
		tp.lastBytes = tp.BytesDone
		tp.lastTime = now
	}

	return tp.currentSpeed
}

// GetProgress returns bytes done, total bytes and the last computed speed.
func (tp *TransferProgress) GetProgress() (done, total uint64, speed float64) {
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	return tp.BytesDone, tp.Size, tp.currentSpeed
}

// Percent returns the progress percentage (0-100). An empty file is complete
// as soon as it starts.
func (tp *TransferProgress) Percent() float64 {
	tp.mu.RLock()
	defer tp.mu.RUnlock()

	if tp.Size == 0 {
		return 100
	}
	return float64(tp.BytesDone) / float64(tp.Size) * 100
}

// GetETA returns the estimated time remaining
func (tp *TransferProgress) GetETA() time.Duration {
	tp.mu.RLock()
	defer tp.mu.RUnlock()

	if tp.currentSpeed <= 0 || tp.BytesDone >= tp.Size {
		return 0
	}
	remaining := float64(tp.Size - tp.BytesDone)
	return time.Duration(remaining/tp.currentSpeed) * time.Second
}

func (tp *TransferProgress) GetState() TransferState {
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	return tp.State
}

func (tp *TransferProgress) MarkComplete() {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	tp.State = TransferCompleted
	tp.EndTime = time.Now()
}

func (tp *TransferProgress) MarkFailed(err error) {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	tp.State = TransferFailed
	tp.Err = err
	tp.EndTime = time.Now()
}

// GetElapsedTime returns the elapsed time since the transfer started
func (tp *TransferProgress) GetElapsedTime() time.Duration {
	tp.mu.RLock()
	defer tp.mu.RUnlock()

	if !tp.EndTime.IsZero() {
		return tp.EndTime.Sub(tp.StartTime)
	}
	return time.Since(tp.StartTime)
}
