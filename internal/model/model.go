// Package model holds the relay's core domain types: the shapes mirrored
// between the in-process Registry (C5), the Redis-backed State Store (C1),
// and the Persisted Session Store (C3).
package model

import "time"

// Session is the producer side of one agent conversation.
type Session struct {
	SessionID string
	Token     string // producer bearer secret
	CWD       string
	ShareURL  string
	StartedAt time.Time

	UserID      string
	UserName    string
	SessionName string

	CollabMode bool

	IsActive         bool
	LastHeartbeatAt  *time.Time
	LastHeartbeat    []byte // opaque payload
	LastState        []byte // opaque snapshot

	RunnerID   string
	RunnerName string

	Seq uint64

	IsEphemeral bool
	ExpiresAt   *time.Time
}

// RunnerSkill describes one capability a runner exposes to the control
// plane (e.g. a named shell recipe it can execute on request).
type RunnerSkill struct {
	Name        string
	Description string
}

// Runner is a registered daemon able to spawn sessions and terminals.
type Runner struct {
	RunnerID string
	UserID   string
	UserName string
	Name     string
	Roots    []string
	Skills   []RunnerSkill
}

// AllowsRoot reports whether path is within one of the runner's permitted
// cwds. A root matches if path equals it or is nested under it.
func (r Runner) AllowsRoot(path string) bool {
	for _, root := range r.Roots {
		if path == root {
			return true
		}
		if len(path) > len(root) && path[:len(root)] == root && path[len(root)] == '/' {
			return true
		}
	}
	return false
}

// Terminal is a PTY spawned by a runner on behalf of a user.
type Terminal struct {
	TerminalID string
	RunnerID   string
	UserID     string
	Spawned    bool
	Exited     bool
	SpawnOpts  []byte // opaque JSON
}

// Event is one agent event, stamped with a relay-assigned sequence number.
type Event struct {
	Type    string
	Payload []byte // raw JSON payload as received
	Seq     uint64
	Replay  bool
}

// CachedEvent is an Event plus the time it was appended, as stored in the
// Event Cache (C2).
type CachedEvent struct {
	TS    time.Time
	Event Event
}

// Attachment is a file uploaded alongside a viewer's collab-mode input.
type Attachment struct {
	AttachmentID string
	SessionID    string
	OwnerUserID  string
	UploaderID   string
	Filename     string
	MimeType     string
	Size         int64
	CreatedAt    time.Time
	ExpiresAt    time.Time
	Path         string
}

// PushSubscription is one user's registered web-push endpoint.
type PushSubscription struct {
	ID            string
	UserID        string
	Endpoint      string
	P256dh        string
	Auth          string
	EnabledEvents string // "*" or comma-separated allowlist
}

// RecentFolder is a per-user recently-used cwd, for the CLI spawn
// extension's folder picker.
type RecentFolder struct {
	UserID     string
	Path       string
	LastUsedAt time.Time
}

// Identity is the authenticated principal produced by the Auth Gate.
type Identity struct {
	UserID   string
	UserName string
}

// TenantIdentity extends Identity with multi-tenant org context, carried
// by the request-scoped carrier in internal/reqctx rather than mutating
// the inbound *http.Request.
type TenantIdentity struct {
	Identity
	OrgID   string
	OrgSlug string
	Role    string
}
