package web

import (
	"encoding/json"
	"time"
)

// PushSubscribeRequest is the body of POST /api/push/subscribe.
type PushSubscribeRequest struct {
	Endpoint      string `json:"endpoint"`
	P256dh        string `json:"p256dh"`
	Auth          string `json:"auth"`
	EnabledEvents string `json:"enabledEvents,omitempty"`
}

// PushUnsubscribeRequest is the body of POST /api/push/unsubscribe. Either
// Endpoint or SubscriptionID identifies the row to remove.
type PushUnsubscribeRequest struct {
	Endpoint       string `json:"endpoint,omitempty"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
}

// SessionSummary is one row of GET /api/sessions.
type SessionSummary struct {
	SessionID    string     `json:"sessionId"`
	SessionName  string     `json:"sessionName,omitempty"`
	CWD          string     `json:"cwd,omitempty"`
	IsEphemeral  bool       `json:"isEphemeral"`
	StartedAt    time.Time  `json:"startedAt"`
	LastActiveAt time.Time  `json:"lastActiveAt"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
}

// SessionSnapshotResponse is the body of GET /api/sessions/{id}/snapshot.
type SessionSnapshotResponse struct {
	SessionID string          `json:"sessionId"`
	IsActive  bool            `json:"isActive"`
	LastSeq   uint64          `json:"lastSeq"`
	State     json.RawMessage `json:"state,omitempty"`
}

// SpawnSessionRequest is the body of POST /api/sessions: a request to
// have a specific runner start a new session in a given directory.
type SpawnSessionRequest struct {
	RunnerID string `json:"runnerId"`
	CWD      string `json:"cwd"`
}

// SpawnSessionResponse acknowledges a spawn request with the session id
// the caller should now watch for a runner ack on.
type SpawnSessionResponse struct {
	SessionID string `json:"sessionId"`
}
