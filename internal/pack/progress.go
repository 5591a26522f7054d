package pack

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Phase identifies where in the pipeline a download currently is.
type Phase string

const (
	PhasePreparing      Phase = "preparing"
	PhaseDownloading    Phase = "downloading"
	PhaseVerifying      Phase = "verifying"
	PhaseSignatureCheck Phase = "signature_check"
	PhaseExtracting     Phase = "extracting"
	PhaseInstalling     Phase = "installing"
	PhaseCleanup        Phase = "cleanup"
	PhaseComplete       Phase = "complete"
)

// Status is the lifecycle state of a download.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// Progress is a point-in-time snapshot of a download, shaped for direct
// JSON serialization to UI consumers.
type Progress struct {
	PackID          string    `json:"pack_id"`
	Percentage      float64   `json:"percentage"`
	BytesDownloaded int64     `json:"bytes_downloaded"`
	TotalBytes      int64     `json:"total_bytes"`
	SpeedBPS        float64   `json:"speed_bytes_per_sec"`
	SpeedFormatted  string    `json:"speed_formatted"`
	ETA             string    `json:"eta"`
	Phase           Phase     `json:"phase"`
	Status          Status    `json:"status"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	Resumable       bool      `json:"resumable"`
}

// handle is the registry's mutable state for one in-flight download.
type handle struct {
	mu       sync.Mutex
	progress Progress
	cancel   context.CancelFunc
}

// Snapshot returns a copy of the current progress.
func (h *handle) Snapshot() Progress {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.progress
}

// update mutates the progress under the handle's lock.
func (h *handle) update(fn func(p *Progress)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(&h.progress)
}

// formatSpeed renders a transfer rate in the largest unit that keeps the
// value at or above one, with one decimal place.
func formatSpeed(bytesPerSec float64) string {
	units := []string{"B/s", "KB/s", "MB/s", "GB/s"}
	speed := bytesPerSec
	unit := 0
	for speed >= 1024 && unit < len(units)-1 {
		speed /= 1024
		unit++
	}
	return fmt.Sprintf("%.1f %s", speed, units[unit])
}

// formatETA renders a remaining-time estimate in seconds as a compact
// human string.
func formatETA(seconds int64) string {
	switch {
	case seconds < 60:
		return fmt.Sprintf("%ds", seconds)
	case seconds < 3600:
		return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
	default:
		return fmt.Sprintf("%dh %dm", seconds/3600, (seconds%3600)/60)
	}
}
