package redisstore

import "fmt"

// Key layout, prefixable by an org namespace for multi-tenant deployments.
const (
	sessionKeyFmt      = "sio:session:%s"
	runnerKeyFmt       = "sio:runner:%s"
	terminalKeyFmt     = "sio:terminal:%s"
	seqKeyFmt          = "sio:seq:%s"
	runnerLinkKeyFmt   = "sio:runner-link:%s"
	allSessionsKey     = "sio:all-sessions"
	userSessionsKeyFmt = "sio:user-sessions:%s"
	allRunnersKey      = "sio:all-runners"
	userRunnersKeyFmt  = "sio:user-runners:%s"
	runnerTermsKeyFmt  = "sio:runner-terminals:%s"
	recentFoldersFmt   = "sio:recent-folders:%s"
	eventsKeyFmt       = "sio:events:%s"
)

// keyspace namespaces every key by an optional org prefix (REDIS_PREFIX).
type keyspace struct {
	prefix string
}

func newKeyspace(prefix string) keyspace {
	return keyspace{prefix: prefix}
}

func (k keyspace) key(format string, args ...any) string {
	raw := fmt.Sprintf(format, args...)
	if k.prefix == "" {
		return raw
	}
	return k.prefix + ":" + raw
}

func (k keyspace) session(id string) string      { return k.key(sessionKeyFmt, id) }
func (k keyspace) runner(id string) string       { return k.key(runnerKeyFmt, id) }
func (k keyspace) terminal(id string) string     { return k.key(terminalKeyFmt, id) }
func (k keyspace) seq(sessionID string) string    { return k.key(seqKeyFmt, sessionID) }
func (k keyspace) runnerLink(sid string) string   { return k.key(runnerLinkKeyFmt, sid) }
func (k keyspace) allSessions() string            { return k.key(allSessionsKey) }
func (k keyspace) userSessions(uid string) string { return k.key(userSessionsKeyFmt, uid) }
func (k keyspace) allRunners() string             { return k.key(allRunnersKey) }
func (k keyspace) userRunners(uid string) string  { return k.key(userRunnersKeyFmt, uid) }
func (k keyspace) runnerTerms(rid string) string  { return k.key(runnerTermsKeyFmt, rid) }
func (k keyspace) recentFolders(uid string) string { return k.key(recentFoldersFmt, uid) }
func (k keyspace) events(sessionID string) string { return k.key(eventsKeyFmt, sessionID) }

// room returns the pub/sub channel name for a session's cross-node room.
func (k keyspace) room(sessionID string) string {
	return k.key("sio:room:%s", sessionID)
}
