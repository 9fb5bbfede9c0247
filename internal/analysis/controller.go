package analysis

import (
	"sync"

	"github.com/lherron/tfsync/internal/domain"
)

// SessionState is the run state of a session.
type SessionState int

const (
	Running SessionState = iota
	StopRequested
	PausedForConflict
	// TripStopRequested ends the current trip only; the next trip resumes.
	TripStopRequested
)

func (s SessionState) String() string {
	switch s {
	case Running:
		return "running"
	case StopRequested:
		return "stop_requested"
	case PausedForConflict:
		return "paused_for_conflict"
	case TripStopRequested:
		return "trip_stop_requested"
	}
	return "unknown"
}

// Controller holds the stop/pause state shared by the engines of a session.
// Engines poll it between pages and change groups.
type Controller struct {
	mu    sync.Mutex
	state SessionState
}

func NewController() *Controller { return &Controller{} }

func (c *Controller) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stop requests the session to stop after the current change group.
func (c *Controller) Stop() { c.set(StopRequested) }

// PauseForConflict stops the current trip until Resume.
func (c *Controller) PauseForConflict() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Running {
		c.state = PausedForConflict
	}
}

// StopCurrentTrip ends the running trip. BeginTrip clears it.
func (c *Controller) StopCurrentTrip() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Running {
		c.state = TripStopRequested
	}
}

// BeginTrip clears a trip-scoped stop. Session stops and pauses remain.
func (c *Controller) BeginTrip() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == TripStopRequested {
		c.state = Running
	}
}

// Resume clears a stop or pause.
func (c *Controller) Resume() { c.set(Running) }

// StopRequested reports whether the engine should leave its current loop.
func (c *Controller) StopRequested() bool { return c.State() != Running }

func (c *Controller) set(s SessionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// OnConflictStop applies a conflict type's orchestration option.
func (c *Controller) OnConflictStop(option domain.SyncOrchestrationOption, _ *domain.Conflict) {
	switch option {
	case domain.OrchestrationStopConflictedSessionCurrentTrip:
		c.StopCurrentTrip()
	case domain.OrchestrationStopConflictedSession, domain.OrchestrationStopAllSessions:
		c.Stop()
	}
}

// OnErrorStop stops the session after an error policy asked for it.
func (c *Controller) OnErrorStop(error) { c.Stop() }
