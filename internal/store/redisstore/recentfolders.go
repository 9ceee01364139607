package redisstore

import "context"

// recentFoldersCap bounds how many recent cwds are kept per user for the
// CLI spawn extension's folder picker.
const recentFoldersCap = 20

// TouchRecentFolder records path as the most-recently-used cwd for a
// user, moving it to the front and capping the list.
func (s *Store) TouchRecentFolder(ctx context.Context, userID, path string) error {
	if s.Disabled() {
		return s.mem.touchRecentFolder(userID, path)
	}
	key := s.ks.recentFolders(userID)
	pipe := s.rdb.TxPipeline()
	pipe.LRem(ctx, key, 0, path)
	pipe.LPush(ctx, key, path)
	pipe.LTrim(ctx, key, 0, recentFoldersCap-1)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// ListRecentFolders returns a user's recent cwds, most recent first.
func (s *Store) ListRecentFolders(ctx context.Context, userID string) ([]string, error) {
	if s.Disabled() {
		return s.mem.listRecentFolders(userID), nil
	}
	return s.rdb.LRange(ctx, s.ks.recentFolders(userID), 0, recentFoldersCap-1).Result()
}
