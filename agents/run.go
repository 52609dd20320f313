package agents

import (
	"os"
	"sync"
	"time"
)

// RunState is the supervisor-side state of one agent run.
type RunState string

const (
	StateStarting   RunState = "starting"
	StateRunning    RunState = "running"
	StateCompleting RunState = "completing"
	StateVerifying  RunState = "verifying"
	StatePushing    RunState = "pushing"

	// Terminal states. The run is removed from the registry on reaching
	// one of these.
	StateCompleted RunState = "completed"
	StateFailed    RunState = "failed"
	StateBlocked   RunState = "blocked"
	StateIdle      RunState = "idle" // externally cancelled
)

// Terminal reports whether the state ends the run.
func (s RunState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateBlocked, StateIdle:
		return true
	}
	return false
}

// Run is the in-memory record of one supervised agent. It exists only while
// the run is live; durable state lives on the card.
type Run struct {
	CardID      string
	ProjectID   string
	AgentKind   string
	BranchName  string
	WorktreeDir string
	StartedAt   time.Time
	Log         *RunLog

	mu            sync.Mutex
	state         RunState
	proc          *os.Process
	stopRequested bool
	stopReason    string
	timedOut      bool

	// cancel tears down the run's context; terminate follows with the
	// process-group escalation. Guarded by mu: a Stop can race the
	// supervisor installing it.
	cancel func()

	// done closes when the supervisor goroutine has fully exited,
	// including cleanup.
	done chan struct{}
}

func newRun(cardID, projectID, agentKind, branch string, logLines int) *Run {
	return &Run{
		CardID:     cardID,
		ProjectID:  projectID,
		AgentKind:  agentKind,
		BranchName: branch,
		StartedAt:  time.Now(),
		Log:        NewRunLog(logLines),
		state:      StateStarting,
		done:       make(chan struct{}),
	}
}

// State returns the current run state.
func (r *Run) State() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Run) setState(s RunState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Done closes when the run has fully wound down.
func (r *Run) Done() <-chan struct{} { return r.done }

func (r *Run) setProc(p *os.Process) {
	r.mu.Lock()
	r.proc = p
	r.mu.Unlock()
}

func (r *Run) process() *os.Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.proc
}

// requestStop marks the run as externally cancelled. Returns false when a
// stop was already requested or the run is past the point of stopping.
func (r *Run) requestStop(reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopRequested || r.state.Terminal() {
		return false
	}
	r.stopRequested = true
	r.stopReason = reason
	return true
}

func (r *Run) stopInfo() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopRequested, r.stopReason
}

// Stopping reports whether an external stop has been requested. The run may
// still be draining when this is true.
func (r *Run) Stopping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopRequested
}

// setCancel installs the context cancel func. Returns true when a stop was
// requested before the cancel existed; the caller must wind the run down
// without spawning anything.
func (r *Run) setCancel(cancel func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancel = cancel
	return r.stopRequested
}

func (r *Run) cancelFunc() func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel
}

// markTimeout flags the run as killed by its deadline. Returns false when
// the run already stopped for another reason.
func (r *Run) markTimeout() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopRequested || r.timedOut || r.state.Terminal() {
		return false
	}
	r.timedOut = true
	return true
}

func (r *Run) isTimedOut() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timedOut
}

// Info is a redacted snapshot of a run, safe to hand to API consumers. It
// carries no process handles, cancel funcs or prompt text.
type Info struct {
	CardID      string    `json:"cardId"`
	ProjectID   string    `json:"projectId"`
	AgentKind   string    `json:"agentKind"`
	State       RunState  `json:"state"`
	BranchName  string    `json:"branchName"`
	WorktreeDir string    `json:"worktreeDir"`
	StartedAt   time.Time `json:"startedAt"`
	LogLines    int       `json:"logLines"`
}

// Snapshot returns the redacted view of the run.
func (r *Run) Snapshot() Info {
	r.mu.Lock()
	state := r.state
	r.mu.Unlock()
	return Info{
		CardID:      r.CardID,
		ProjectID:   r.ProjectID,
		AgentKind:   r.AgentKind,
		State:       state,
		BranchName:  r.BranchName,
		WorktreeDir: r.WorktreeDir,
		StartedAt:   r.StartedAt,
		LogLines:    r.Log.Len(),
	}
}
