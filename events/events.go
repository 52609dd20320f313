// Package events provides the typed event bus connecting the orchestrator,
// heartbeat and synthesizer to live subscribers such as the SSE dashboard.
package events

// Type identifies what happened. The wire form is the string value.
type Type string

const (
	TypeAgentSpawned   Type = "agent.spawned"
	TypeAgentLog       Type = "agent.log"
	TypeAgentCompleted Type = "agent.completed"
	TypeAgentFailed    Type = "agent.failed"
	TypeAgentStopped   Type = "agent.stopped"
	TypeAgentTimeout   Type = "agent.timeout"

	TypeVerificationStarted Type = "verification.started"
	TypeVerificationPassed  Type = "verification.passed"
	TypeVerificationFailed  Type = "verification.failed"

	TypeHeartbeatTick        Type = "heartbeat.tick"
	TypeHeartbeatSpawned     Type = "heartbeat.spawned"
	TypeHeartbeatIdle        Type = "heartbeat.idle"
	TypeHeartbeatRetry       Type = "heartbeat.retry"
	TypeHeartbeatError       Type = "heartbeat.error"
	TypeHeartbeatCardCreated Type = "heartbeat.cardCreated"

	TypeSystemHeartbeat Type = "system.heartbeat"
	TypePing            Type = "ping"
)

// Event is one broadcast message. ProjectID scopes delivery: subscribers
// with a project filter only receive events for their projects, plus
// unscoped events (empty ProjectID).
type Event struct {
	Type      Type   `json:"type"`
	CardID    string `json:"cardId,omitempty"`
	ProjectID string `json:"projectId,omitempty"`
	Agent     string `json:"agent,omitempty"`
	Branch    string `json:"branch,omitempty"`
	Line      string `json:"line,omitempty"`
	Gate      string `json:"gate,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`

	// Heartbeat fields.
	Tick   int `json:"tick,omitempty"`
	Agents int `json:"agents,omitempty"`
}
