package status

import (
	"context"
	"sync"
	"time"

	"github.com/TheCacophonyProject/discharge-tester/discharge"
)

// Status is a snapshot of a running test.
type Status struct {
	RunID     string    `json:"runId"`
	Device    string    `json:"device"`
	LogFile   string    `json:"logFile"`
	State     string    `json:"state"`
	Samples   int       `json:"samples"`
	StartedAt time.Time `json:"startedAt"`
	Voltage   float64   `json:"voltage"`
	Current   float64   `json:"current"`
	Capacity  float64   `json:"capacity"`
	Energy    float64   `json:"energy"`
	LastAt    time.Time `json:"lastSampleAt"`
	Stopping  bool      `json:"stopping"`
}

// Tracker follows a run as an observer and lets other goroutines read its
// status or ask it to stop.
type Tracker struct {
	mu     sync.Mutex
	status Status
	cancel context.CancelFunc
}

func NewTracker(runID, device, logFile string, cancel context.CancelFunc) *Tracker {
	return &Tracker{
		status: Status{
			RunID:     runID,
			Device:    device,
			LogFile:   logFile,
			State:     discharge.Idle.String(),
			StartedAt: time.Now(),
		},
		cancel: cancel,
	}
}

func (t *Tracker) StateChanged(s discharge.State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.State = s.String()
}

func (t *Tracker) SampleRecorded(s discharge.Sample) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.Samples++
	t.status.Voltage = s.Voltage
	t.status.Current = s.Current
	t.status.Capacity = s.Capacity
	t.status.Energy = s.Energy
	t.status.LastAt = s.Timestamp
}

func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Stop cancels the run. The run ends at the start of its next sampling cycle.
func (t *Tracker) Stop() {
	t.mu.Lock()
	t.status.Stopping = true
	t.mu.Unlock()
	t.cancel()
}
