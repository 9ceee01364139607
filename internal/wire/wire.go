// Package wire defines the discriminated-union socket protocol shared by
// the runner, relay, and viewer namespaces (C6–C8): every message is a
// tagged Message{Type, Data}, never a free-form map, so dispatch is a
// single switch on Type and payloads stay typed end to end.
package wire

import "encoding/json"

// Message is the outer frame for every socket event, in both directions,
// across all namespaces.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// New marshals payload into a Message of the given type.
func New(typ string, payload any) (Message, error) {
	if payload == nil {
		return Message{Type: typ}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: typ, Data: data}, nil
}

// Connected is emitted by the Viewer Namespace (C8) on join.
type Connected struct {
	SessionID       string     `json:"sessionId"`
	LastSeq         uint64     `json:"lastSeq,omitempty"`
	IsActive        bool       `json:"isActive,omitempty"`
	SessionName     string     `json:"sessionName,omitempty"`
	LastHeartbeatAt *string    `json:"lastHeartbeatAt,omitempty"`
	ReplayOnly      bool       `json:"replayOnly,omitempty"`
}

// Event carries one agent event to the session room, stamped with its
// relay-assigned sequence number.
type Event struct {
	Seq    uint64          `json:"seq,omitempty"`
	Replay bool            `json:"replay,omitempty"`
	Event  json.RawMessage `json:"event"`
}

// Disconnected is emitted before a socket is closed server-side.
type Disconnected struct {
	Reason string `json:"reason,omitempty"`
}

// Error is the generic error payload used across every namespace.
type Error struct {
	Message string `json:"message"`
}

// SessionActiveEvent is a synthetic event payload (not a protocol
// Message itself — it is the inner "event" of an Event.Event field)
// used for state_update fan-out and persisted-snapshot replay.
type SessionActiveEvent struct {
	Type  string          `json:"type"`
	State json.RawMessage `json:"state"`
}

// --- Runner Namespace (C6) ---

// RegisterRunner is the runner's opening handshake payload.
type RegisterRunner struct {
	RunnerID string       `json:"runnerId,omitempty"`
	Name     string       `json:"name,omitempty"`
	Roots    []string     `json:"roots,omitempty"`
	Skills   []SkillEntry `json:"skills,omitempty"`
}

// SkillEntry mirrors model.RunnerSkill on the wire.
type SkillEntry struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// RunnerRegistered acks register_runner with the authoritative runnerId.
type RunnerRegistered struct {
	RunnerID string `json:"runnerId"`
}

// NewSession asks a runner to spawn a worker for a pending session.
type NewSession struct {
	SessionID string `json:"sessionId"`
	CWD       string `json:"cwd,omitempty"`
}

// RunnerSessionEvent carries one agent event published by a runner's
// worker, to be re-homed under the session's own seq/cache pipeline.
type RunnerSessionEvent struct {
	SessionID string          `json:"sessionId"`
	Event     json.RawMessage `json:"event"`
}

// SessionLifecycle covers session_ready / session_error / session_killed,
// which differ only in an optional message.
type SessionLifecycle struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message,omitempty"`
}

// KillSession is issued to a runner to terminate a session's worker.
type KillSession struct {
	SessionID string `json:"sessionId"`
}

// NewTerminal asks a runner to spawn a PTY.
type NewTerminal struct {
	TerminalID string          `json:"terminalId"`
	RunnerID   string          `json:"runnerId,omitempty"`
	SpawnOpts  json.RawMessage `json:"spawnOpts,omitempty"`
}

// TerminalLifecycle covers terminal_ready / terminal_exit / terminal_error.
type TerminalLifecycle struct {
	TerminalID string `json:"terminalId"`
	Code       int    `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
}

// TerminalData is PTY output (runner -> relay -> viewer) or input
// (viewer -> relay -> runner), depending on direction.
type TerminalData struct {
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
}

// TerminalResize resizes a PTY.
type TerminalResize struct {
	TerminalID string `json:"terminalId"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
}

// KillTerminal terminates a PTY.
type KillTerminal struct {
	TerminalID string `json:"terminalId"`
}

// --- Relay (TUI) Namespace (C7) ---

// RelayHandshake carries the producer's session id and bearer token.
type RelayHandshake struct {
	SessionID   string `json:"sessionId"`
	Token       string `json:"token"`
	CWD         string `json:"cwd,omitempty"`
	SessionName string `json:"sessionName,omitempty"`
	ShareURL    string `json:"shareUrl,omitempty"`
	IsEphemeral *bool  `json:"isEphemeral,omitempty"`
}

// SessionRegistered acks a successful relay handshake.
type SessionRegistered struct {
	SessionID string `json:"sessionId"`
}

// AgentEvent is one opaque agent-produced event awaiting a seq stamp.
type AgentEvent struct {
	Event json.RawMessage `json:"event"`
}

// StateUpdate replaces a session's last-known state snapshot.
type StateUpdate struct {
	State json.RawMessage `json:"state"`
}

// ExecResult returns the outcome of a viewer-issued exec command, routed
// back to the viewer that issued it by Id.
type ExecResult struct {
	ID       string          `json:"id"`
	ExitCode int             `json:"exitCode,omitempty"`
	Output   json.RawMessage `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// --- Viewer Namespace (C8) ---

// Attachment is a collab-mode input attachment reference; only entries
// with an AttachmentID or URL are forwarded, others are dropped.
type Attachment struct {
	AttachmentID string `json:"attachmentId,omitempty"`
	URL          string `json:"url,omitempty"`
	Filename     string `json:"filename,omitempty"`
}

// Input is collab-mode viewer-originated steering input.
type Input struct {
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Client      string       `json:"client,omitempty"`
	DeliverAs   string       `json:"deliverAs,omitempty"`
}

// ModelSet is a collab-mode model switch request.
type ModelSet struct {
	Provider string `json:"provider"`
	ModelID  string `json:"modelId"`
}

// Exec is a collab-mode exec request; its result is routed back to the
// issuing viewer by Id via ExecResult.
type Exec struct {
	ID      string `json:"id"`
	Command string `json:"command"`
}

// --- Cross-node Bus envelope (C11) ---

// BusKind discriminates the two directions multiplexed over one room's
// pub/sub channel: events flowing down to viewers, and collab-mode
// input flowing up to the producer.
type BusKind string

const (
	BusToViewers  BusKind = "to_viewers"
	BusToProducer BusKind = "to_producer"
)

// BusEnvelope wraps a Message for cross-node delivery over the Bus,
// tagged with which side of the room should act on it.
type BusEnvelope struct {
	Kind    BusKind `json:"kind"`
	Message Message `json:"message"`
}
