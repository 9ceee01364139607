package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/pizzapi/relay/internal/model"
)

func runnerToFields(r *model.Runner) map[string]any {
	skills, _ := json.Marshal(r.Skills)
	return map[string]any{
		"userId":   r.UserID,
		"userName": r.UserName,
		"name":     r.Name,
		"roots":    strings.Join(r.Roots, "\n"),
		"skills":   string(skills),
	}
}

func runnerFromFields(id string, m map[string]string) *model.Runner {
	if len(m) == 0 {
		return nil
	}
	r := &model.Runner{
		RunnerID: id,
		UserID:   m["userId"],
		UserName: m["userName"],
		Name:     m["name"],
	}
	if roots := m["roots"]; roots != "" {
		r.Roots = strings.Split(roots, "\n")
	}
	if skills := m["skills"]; skills != "" {
		_ = json.Unmarshal([]byte(skills), &r.Skills)
	}
	return r
}

// PutRunner registers or refreshes a runner and indexes it.
func (s *Store) PutRunner(ctx context.Context, r *model.Runner) error {
	if s.Disabled() {
		return s.mem.putRunner(r)
	}
	key := s.ks.runner(r.RunnerID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, runnerToFields(r))
	pipe.Expire(ctx, key, RunnerTTL)
	pipe.SAdd(ctx, s.ks.allRunners(), r.RunnerID)
	pipe.Expire(ctx, s.ks.allRunners(), RunnerTTL+indexTTLExtra)
	if r.UserID != "" {
		pipe.SAdd(ctx, s.ks.userRunners(r.UserID), r.RunnerID)
		pipe.Expire(ctx, s.ks.userRunners(r.UserID), RunnerTTL+indexTTLExtra)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// GetRunner returns the runner, or ErrNotFound if its hash is absent.
func (s *Store) GetRunner(ctx context.Context, id string) (*model.Runner, error) {
	if s.Disabled() {
		return s.mem.getRunner(id)
	}
	m, err := s.rdb.HGetAll(ctx, s.ks.runner(id)).Result()
	if err != nil {
		return nil, err
	}
	r := runnerFromFields(id, m)
	if r == nil {
		return nil, ErrNotFound
	}
	return r, nil
}

// RefreshRunnerTTL extends a runner's heartbeat TTL.
func (s *Store) RefreshRunnerTTL(ctx context.Context, id string) error {
	if s.Disabled() {
		return nil
	}
	return s.rdb.Expire(ctx, s.ks.runner(id), RunnerTTL).Err()
}

// DeleteRunner removes the runner hash, its terminal index, and its
// index memberships.
func (s *Store) DeleteRunner(ctx context.Context, id string) error {
	if s.Disabled() {
		return s.mem.deleteRunner(id)
	}
	r, err := s.GetRunner(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.ks.runner(id))
	pipe.Del(ctx, s.ks.runnerTerms(id))
	pipe.SRem(ctx, s.ks.allRunners(), id)
	if r != nil && r.UserID != "" {
		pipe.SRem(ctx, s.ks.userRunners(r.UserID), id)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// ListRunners returns every live runner, optionally filtered to one user.
func (s *Store) ListRunners(ctx context.Context, userID string) ([]*model.Runner, error) {
	if s.Disabled() {
		return s.mem.listRunners(userID), nil
	}
	indexKey := s.ks.allRunners()
	if userID != "" {
		indexKey = s.ks.userRunners(userID)
	}
	ids, err := s.rdb.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*model.Runner, 0, len(ids))
	for _, id := range ids {
		r, err := s.GetRunner(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// CleanStaleRunnerIndexEntries removes runner ids from sio:all-runners
// whose hash no longer exists.
func (s *Store) CleanStaleRunnerIndexEntries(ctx context.Context) (int, error) {
	if s.Disabled() {
		return 0, nil
	}
	ids, err := s.rdb.SMembers(ctx, s.ks.allRunners()).Result()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		exists, err := s.rdb.Exists(ctx, s.ks.runner(id)).Result()
		if err != nil {
			continue
		}
		if exists == 0 {
			s.rdb.SRem(ctx, s.ks.allRunners(), id)
			removed++
		}
	}
	return removed, nil
}

// --- Terminals ---

func terminalToFields(t *model.Terminal) map[string]any {
	return map[string]any{
		"runnerId":  t.RunnerID,
		"userId":    t.UserID,
		"spawned":   boolStr(t.Spawned),
		"exited":    boolStr(t.Exited),
		"spawnOpts": string(t.SpawnOpts),
	}
}

func terminalFromFields(id string, m map[string]string) *model.Terminal {
	if len(m) == 0 {
		return nil
	}
	return &model.Terminal{
		TerminalID: id,
		RunnerID:   m["runnerId"],
		UserID:     m["userId"],
		Spawned:    m["spawned"] == "1",
		Exited:     m["exited"] == "1",
		SpawnOpts:  nonEmptyBytes(m["spawnOpts"]),
	}
}

// PutTerminal creates or updates a terminal and indexes it under its
// owning runner.
func (s *Store) PutTerminal(ctx context.Context, t *model.Terminal) error {
	if s.Disabled() {
		return s.mem.putTerminal(t)
	}
	key := s.ks.terminal(t.TerminalID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, terminalToFields(t))
	pipe.Expire(ctx, key, TerminalTTL)
	pipe.SAdd(ctx, s.ks.runnerTerms(t.RunnerID), t.TerminalID)
	pipe.Expire(ctx, s.ks.runnerTerms(t.RunnerID), TerminalTTL+indexTTLExtra)
	_, err := pipe.Exec(ctx)
	return err
}

// GetTerminal returns the terminal, or ErrNotFound if its hash is absent.
func (s *Store) GetTerminal(ctx context.Context, id string) (*model.Terminal, error) {
	if s.Disabled() {
		return s.mem.getTerminal(id)
	}
	m, err := s.rdb.HGetAll(ctx, s.ks.terminal(id)).Result()
	if err != nil {
		return nil, err
	}
	t := terminalFromFields(id, m)
	if t == nil {
		return nil, ErrNotFound
	}
	return t, nil
}

// DeleteTerminal removes the terminal hash and its runner-index entry.
func (s *Store) DeleteTerminal(ctx context.Context, id string) error {
	if s.Disabled() {
		return s.mem.deleteTerminal(id)
	}
	t, err := s.GetTerminal(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.ks.terminal(id))
	if t != nil {
		pipe.SRem(ctx, s.ks.runnerTerms(t.RunnerID), id)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// ListTerminals returns every terminal belonging to a runner.
func (s *Store) ListTerminals(ctx context.Context, runnerID string) ([]*model.Terminal, error) {
	if s.Disabled() {
		return s.mem.listTerminals(runnerID), nil
	}
	ids, err := s.rdb.SMembers(ctx, s.ks.runnerTerms(runnerID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*model.Terminal, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTerminal(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// --- Pending runner links ---

// PutRunnerLink records that sessionID is waiting on runnerID to confirm
// a spawn, with a short TTL.
func (s *Store) PutRunnerLink(ctx context.Context, sessionID, runnerID string) error {
	if s.Disabled() {
		return s.mem.putRunnerLink(sessionID, runnerID)
	}
	return s.rdb.Set(ctx, s.ks.runnerLink(sessionID), runnerID, RunnerLinkTTL).Err()
}

// ConsumeRunnerLink atomically reads and deletes the pending link for a
// session, returning ErrNotFound if none exists.
func (s *Store) ConsumeRunnerLink(ctx context.Context, sessionID string) (string, error) {
	if s.Disabled() {
		return s.mem.consumeRunnerLink(sessionID)
	}
	runnerID, err := s.rdb.GetDel(ctx, s.ks.runnerLink(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return runnerID, nil
}
