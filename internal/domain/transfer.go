package domain

import "time"

// SessionState is the lifecycle state of a download session.
type SessionState string

// Download session states.
const (
	SessionPending   SessionState = "pending"
	SessionRunning   SessionState = "running"
	SessionCompleted SessionState = "completed"
	SessionFailed    SessionState = "failed"
	SessionCancelled SessionState = "cancelled"
)

// Terminal returns true once the session can no longer change.
func (s SessionState) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionCancelled
}

// Progress is one progress report of a transfer.
type Progress struct {
	BytesDownloaded int64         // Bytes written so far
	TotalBytes      int64         // Expected total (0 if unknown)
	Percent         float64       // 0-100, 0 if total unknown
	Speed           float64       // Average bytes per second since start
	ETA             time.Duration // Remaining time, valid only if ETAKnown
	ETAKnown        bool          // False while speed or total is zero
}

// NewProgress computes percent, speed and ETA from raw counters.
func NewProgress(downloaded, total int64, elapsed time.Duration) Progress {
	p := Progress{BytesDownloaded: downloaded, TotalBytes: total}
	if total > 0 {
		p.Percent = float64(downloaded) / float64(total) * 100
		if p.Percent > 100 {
			p.Percent = 100
		}
	}
	if secs := elapsed.Seconds(); secs > 0 {
		p.Speed = float64(downloaded) / secs
	}
	if p.Speed > 0 && total > 0 {
		remaining := total - downloaded
		if remaining < 0 {
			remaining = 0
		}
		p.ETA = time.Duration(float64(remaining) / p.Speed * float64(time.Second))
		p.ETAKnown = true
	}
	return p
}

// PackState is the installation state of a single pack.
type PackState string

// Pack installation states.
const (
	PackIdle        PackState = "idle"
	PackDownloading PackState = "downloading"
	PackExtracting  PackState = "extracting"
	PackInstalled   PackState = "installed"
	PackFailed      PackState = "failed"
)

// PackStatus is reported to observers on every pack state change and
// on download progress.
type PackStatus struct {
	RegionID string
	PackID   string
	State    PackState
	Progress *Progress // Set while downloading
	Err      error     // Set when State is PackFailed
	Warning  string    // Set for ambiguous installs
}
