// Package redisstore is the typed facade over Redis that backs the
// relay's State Store (C1), Event Cache (C2), and Cross-node Bus (C11).
//
// Every mutating operation refreshes the owning entity's TTL. Indexes
// (sets of ids) are never the source of truth — a session, runner, or
// terminal is considered live only if its hash key still exists;
// CleanStaleIndexEntries and CleanStaleRunnerIndexEntries reconcile the two.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pizzapi/relay/internal/model"
)

// Fixed TTLs for Redis-held entities; Config has no setting for them.
const (
	SessionTTL     = 24 * time.Hour
	RunnerTTL      = 2 * time.Hour
	TerminalTTL    = 1 * time.Hour
	RunnerLinkTTL  = 10 * time.Minute
	indexTTLExtra  = 30 * time.Minute
)

// ErrNotFound is returned when a lookup finds no live entity.
var ErrNotFound = errors.New("redisstore: not found")

// Store is the typed CRUD facade over Redis for sessions, runners, and
// terminals. When built via NewDisabled (PIZZAPI_REDIS_URL is
// off/disabled/none, per Config.RedisDisabled) every method below
// instead operates against an in-process memStore: a single node keeps
// assigning seqs and fanning events out correctly, it just can't see
// other nodes or survive a restart. See Disabled().
type Store struct {
	rdb *redis.Client
	ks  keyspace

	mem *memStore
}

// New wraps an existing *redis.Client. prefix namespaces every key for
// multi-tenant deployments sharing one Redis instance; pass "" for none.
func New(rdb *redis.Client, prefix string) *Store {
	return &Store{rdb: rdb, ks: newKeyspace(prefix)}
}

// NewDisabled builds a Store backed by an in-process map instead of
// Redis, for deployments that run with PIZZAPI_REDIS_URL unset.
func NewDisabled() *Store {
	return &Store{mem: newMemStore()}
}

// Disabled reports whether s is running without Redis.
func (s *Store) Disabled() bool { return s.mem != nil }

// --- Sessions ---

func sessionToFields(s *model.Session) map[string]any {
	f := map[string]any{
		"cwd":         s.CWD,
		"shareUrl":    s.ShareURL,
		"startedAt":   s.StartedAt.Format(time.RFC3339Nano),
		"userId":      s.UserID,
		"userName":    s.UserName,
		"sessionName": s.SessionName,
		"collabMode":  boolStr(s.CollabMode),
		"isActive":    boolStr(s.IsActive),
		"token":       s.Token,
		"runnerId":    s.RunnerID,
		"runnerName":  s.RunnerName,
		"seq":         s.Seq,
		"isEphemeral": boolStr(s.IsEphemeral),
	}
	if s.LastHeartbeatAt != nil {
		f["lastHeartbeatAt"] = s.LastHeartbeatAt.Format(time.RFC3339Nano)
	}
	if s.LastHeartbeat != nil {
		f["lastHeartbeat"] = string(s.LastHeartbeat)
	}
	if s.LastState != nil {
		f["lastState"] = string(s.LastState)
	}
	if s.ExpiresAt != nil {
		f["expiresAt"] = s.ExpiresAt.Format(time.RFC3339Nano)
	}
	return f
}

func sessionFromFields(id string, m map[string]string) *model.Session {
	if len(m) == 0 {
		return nil
	}
	s := &model.Session{
		SessionID:   id,
		Token:       m["token"],
		CWD:         m["cwd"],
		ShareURL:    m["shareUrl"],
		UserID:      m["userId"],
		UserName:    m["userName"],
		SessionName: m["sessionName"],
		CollabMode:  m["collabMode"] == "1",
		IsActive:    m["isActive"] == "1",
		RunnerID:    m["runnerId"],
		RunnerName:  m["runnerName"],
		IsEphemeral: m["isEphemeral"] == "1",
		LastHeartbeat: nonEmptyBytes(m["lastHeartbeat"]),
		LastState:     nonEmptyBytes(m["lastState"]),
	}
	if t, err := time.Parse(time.RFC3339Nano, m["startedAt"]); err == nil {
		s.StartedAt = t
	}
	if t, ok := parseTimePtr(m["lastHeartbeatAt"]); ok {
		s.LastHeartbeatAt = t
	}
	if t, ok := parseTimePtr(m["expiresAt"]); ok {
		s.ExpiresAt = t
	}
	fmt.Sscanf(m["seq"], "%d", &s.Seq)
	return s
}

// PutSession creates or fully overwrites a session hash, adds it to the
// global and per-user indexes, and sets its TTL.
func (s *Store) PutSession(ctx context.Context, sess *model.Session) error {
	if s.Disabled() {
		return s.mem.putSession(sess)
	}
	key := s.ks.session(sess.SessionID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, sessionToFields(sess))
	pipe.Expire(ctx, key, SessionTTL)
	pipe.SAdd(ctx, s.ks.allSessions(), sess.SessionID)
	if sess.UserID != "" {
		pipe.SAdd(ctx, s.ks.userSessions(sess.UserID), sess.SessionID)
		pipe.Expire(ctx, s.ks.userSessions(sess.UserID), SessionTTL+indexTTLExtra)
	}
	pipe.Expire(ctx, s.ks.allSessions(), SessionTTL+indexTTLExtra)
	_, err := pipe.Exec(ctx)
	return err
}

// GetSession returns the session, or ErrNotFound if its hash is absent.
func (s *Store) GetSession(ctx context.Context, id string) (*model.Session, error) {
	if s.Disabled() {
		return s.mem.getSession(id)
	}
	m, err := s.rdb.HGetAll(ctx, s.ks.session(id)).Result()
	if err != nil {
		return nil, err
	}
	sess := sessionFromFields(id, m)
	if sess == nil {
		return nil, ErrNotFound
	}
	return sess, nil
}

// UpdateSessionFields merges the given fields into the session hash and
// refreshes its TTL. It is a no-op if the session no longer exists.
func (s *Store) UpdateSessionFields(ctx context.Context, id string, fields map[string]any) error {
	if s.Disabled() {
		return s.mem.updateSessionFields(id, fields)
	}
	key := s.ks.session(id)
	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return nil
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, SessionTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// DeleteSession removes the session hash and its index memberships.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if s.Disabled() {
		return s.mem.deleteSession(id)
	}
	sess, err := s.GetSession(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.ks.session(id))
	pipe.SRem(ctx, s.ks.allSessions(), id)
	if sess != nil && sess.UserID != "" {
		pipe.SRem(ctx, s.ks.userSessions(sess.UserID), id)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// ListSessions returns every live session, optionally filtered to one
// user, using a pipelined multi-get over the relevant index.
func (s *Store) ListSessions(ctx context.Context, userID string) ([]*model.Session, error) {
	if s.Disabled() {
		return s.mem.listSessions(userID)
	}
	indexKey := s.ks.allSessions()
	if userID != "" {
		indexKey = s.ks.userSessions(userID)
	}
	ids, err := s.rdb.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.ks.session(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	out := make([]*model.Session, 0, len(ids))
	for i, id := range ids {
		m, err := cmds[i].Result()
		if err != nil {
			continue
		}
		if sess := sessionFromFields(id, m); sess != nil {
			out = append(out, sess)
		}
	}
	return out, nil
}

// IncrementSeq atomically assigns the next event sequence number for a
// session. The counter survives independently of the session hash so a
// producer reconnect can never reuse a seq.
func (s *Store) IncrementSeq(ctx context.Context, sessionID string) (uint64, error) {
	if s.Disabled() {
		return s.mem.incrementSeq(sessionID)
	}
	key := s.ks.seq(sessionID)
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	s.rdb.Expire(ctx, key, SessionTTL)
	return uint64(n), nil
}

// RefreshSessionTTL extends a session hash's expiry without touching
// its contents.
func (s *Store) RefreshSessionTTL(ctx context.Context, id string) error {
	if s.Disabled() {
		return nil // in-memory sessions don't expire on their own
	}
	return s.rdb.Expire(ctx, s.ks.session(id), SessionTTL).Err()
}

// ScanExpiredSessions returns the ids of every indexed session whose
// expiresAt field has passed. It never returns a live session: activity
// (UpdateSessionFields with a new expiresAt) always pushes expiresAt
// forward before this is consulted.
func (s *Store) ScanExpiredSessions(ctx context.Context, now time.Time) ([]string, error) {
	if s.Disabled() {
		return s.mem.scanExpiredSessions(now), nil
	}
	ids, err := s.rdb.SMembers(ctx, s.ks.allSessions()).Result()
	if err != nil {
		return nil, err
	}
	var expired []string
	for _, id := range ids {
		m, err := s.rdb.HMGet(ctx, s.ks.session(id), "expiresAt", "isEphemeral").Result()
		if err != nil {
			continue
		}
		isEphemeral, _ := m[1].(string)
		if isEphemeral != "1" {
			continue
		}
		expiresAt, _ := m[0].(string)
		if expiresAt == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, expiresAt)
		if err != nil {
			continue
		}
		if !t.After(now) {
			expired = append(expired, id)
		}
	}
	return expired, nil
}

// CleanStaleIndexEntries removes session ids from sio:all-sessions whose
// hash no longer exists. Per-user session indexes are not scanned or
// cleaned.
func (s *Store) CleanStaleIndexEntries(ctx context.Context) (int, error) {
	if s.Disabled() {
		return 0, nil // memStore has no separate index to desync from
	}
	ids, err := s.rdb.SMembers(ctx, s.ks.allSessions()).Result()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		exists, err := s.rdb.Exists(ctx, s.ks.session(id)).Result()
		if err != nil {
			continue
		}
		if exists == 0 {
			s.rdb.SRem(ctx, s.ks.allSessions(), id)
			removed++
		}
	}
	return removed, nil
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func nonEmptyBytes(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s)
}

func parseTimePtr(s string) (*time.Time, bool) {
	if s == "" {
		return nil, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, false
	}
	return &t, true
}
