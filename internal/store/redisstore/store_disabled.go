package redisstore

import (
	"fmt"
	"sync"
	"time"

	"github.com/pizzapi/relay/internal/model"
)

// memStore is the in-process fallback used when Redis is off. It backs
// exactly the operations the State Store exposes, so a single node
// still assigns seqs, binds producers to viewers, and fans events out
// correctly with no Redis reachable; only cross-node visibility and
// durability across a restart are lost.
type memStore struct {
	mu sync.Mutex

	sessions     map[string]*model.Session
	userSessions map[string]map[string]bool

	runners map[string]*model.Runner

	terminals   map[string]*model.Terminal
	runnerTerms map[string]map[string]bool

	runnerLinks map[string]string

	recentFolders map[string][]string

	seq map[string]uint64
}

func newMemStore() *memStore {
	return &memStore{
		sessions:      make(map[string]*model.Session),
		userSessions:  make(map[string]map[string]bool),
		runners:       make(map[string]*model.Runner),
		terminals:     make(map[string]*model.Terminal),
		runnerTerms:   make(map[string]map[string]bool),
		runnerLinks:   make(map[string]string),
		recentFolders: make(map[string][]string),
		seq:           make(map[string]uint64),
	}
}

// --- Sessions ---

func (m *memStore) putSession(sess *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sess
	m.sessions[sess.SessionID] = &cp
	if sess.UserID != "" {
		set := m.userSessions[sess.UserID]
		if set == nil {
			set = make(map[string]bool)
			m.userSessions[sess.UserID] = set
		}
		set[sess.SessionID] = true
	}
	return nil
}

func (m *memStore) getSession(id string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (m *memStore) updateSessionFields(id string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil
	}
	for k, v := range fields {
		applySessionField(sess, k, v)
	}
	return nil
}

func (m *memStore) deleteSession(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[id]; ok && sess.UserID != "" {
		delete(m.userSessions[sess.UserID], id)
	}
	delete(m.sessions, id)
	return nil
}

func (m *memStore) listSessions(userID string) ([]*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	if userID != "" {
		for id := range m.userSessions[userID] {
			ids = append(ids, id)
		}
	} else {
		for id := range m.sessions {
			ids = append(ids, id)
		}
	}
	out := make([]*model.Session, 0, len(ids))
	for _, id := range ids {
		cp := *m.sessions[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) incrementSeq(sessionID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq[sessionID]++
	return m.seq[sessionID], nil
}

func (m *memStore) scanExpiredSessions(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []string
	for id, sess := range m.sessions {
		if sess.IsEphemeral && sess.ExpiresAt != nil && !sess.ExpiresAt.After(now) {
			expired = append(expired, id)
		}
	}
	return expired
}

// applySessionField mirrors sessionToFields/sessionFromFields's key
// names, applying a single HSET-style field update directly onto a
// session struct instead of round-tripping through a Redis hash.
func applySessionField(s *model.Session, k string, v any) {
	switch k {
	case "cwd":
		s.CWD = fmt.Sprint(v)
	case "shareUrl":
		s.ShareURL = fmt.Sprint(v)
	case "userId":
		s.UserID = fmt.Sprint(v)
	case "userName":
		s.UserName = fmt.Sprint(v)
	case "sessionName":
		s.SessionName = fmt.Sprint(v)
	case "collabMode":
		s.CollabMode = fmt.Sprint(v) == "1"
	case "isActive":
		s.IsActive = fmt.Sprint(v) == "1"
	case "token":
		s.Token = fmt.Sprint(v)
	case "runnerId":
		s.RunnerID = fmt.Sprint(v)
	case "runnerName":
		s.RunnerName = fmt.Sprint(v)
	case "isEphemeral":
		s.IsEphemeral = fmt.Sprint(v) == "1"
	case "seq":
		if n, ok := v.(uint64); ok {
			s.Seq = n
			return
		}
		var parsed uint64
		fmt.Sscanf(fmt.Sprint(v), "%d", &parsed)
		s.Seq = parsed
	case "lastHeartbeatAt":
		if t, ok := parseTimePtr(fmt.Sprint(v)); ok {
			s.LastHeartbeatAt = t
		}
	case "lastHeartbeat":
		s.LastHeartbeat = nonEmptyBytes(fmt.Sprint(v))
	case "lastState":
		s.LastState = nonEmptyBytes(fmt.Sprint(v))
	case "expiresAt":
		if t, ok := parseTimePtr(fmt.Sprint(v)); ok {
			s.ExpiresAt = t
		}
	}
}

// --- Runners ---

func (m *memStore) putRunner(r *model.Runner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.runners[r.RunnerID] = &cp
	return nil
}

func (m *memStore) getRunner(id string) (*model.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) deleteRunner(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runners, id)
	delete(m.runnerTerms, id)
	return nil
}

func (m *memStore) listRunners(userID string) []*model.Runner {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Runner, 0, len(m.runners))
	for _, r := range m.runners {
		if userID != "" && r.UserID != userID {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out
}

// --- Terminals ---

func (m *memStore) putTerminal(t *model.Terminal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.terminals[t.TerminalID] = &cp
	set := m.runnerTerms[t.RunnerID]
	if set == nil {
		set = make(map[string]bool)
		m.runnerTerms[t.RunnerID] = set
	}
	set[t.TerminalID] = true
	return nil
}

func (m *memStore) getTerminal(id string) (*model.Terminal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.terminals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) deleteTerminal(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.terminals[id]; ok {
		delete(m.runnerTerms[t.RunnerID], id)
	}
	delete(m.terminals, id)
	return nil
}

func (m *memStore) listTerminals(runnerID string) []*model.Terminal {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Terminal, 0, len(m.runnerTerms[runnerID]))
	for id := range m.runnerTerms[runnerID] {
		if t, ok := m.terminals[id]; ok {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out
}

// --- Pending runner links ---

func (m *memStore) putRunnerLink(sessionID, runnerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runnerLinks[sessionID] = runnerID
	return nil
}

func (m *memStore) consumeRunnerLink(sessionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	runnerID, ok := m.runnerLinks[sessionID]
	if !ok {
		return "", ErrNotFound
	}
	delete(m.runnerLinks, sessionID)
	return runnerID, nil
}

// --- Recent folders ---

func (m *memStore) touchRecentFolder(userID, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.recentFolders[userID]
	filtered := list[:0]
	for _, p := range list {
		if p != path {
			filtered = append(filtered, p)
		}
	}
	filtered = append([]string{path}, filtered...)
	if len(filtered) > recentFoldersCap {
		filtered = filtered[:recentFoldersCap]
	}
	m.recentFolders[userID] = filtered
	return nil
}

func (m *memStore) listRecentFolders(userID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.recentFolders[userID]))
	copy(out, m.recentFolders[userID])
	return out
}
