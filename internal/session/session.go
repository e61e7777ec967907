// Package session holds short-lived per-operator interaction state.
//
// A session is keyed by (tenant, operator). The store only manages lifetime
// and TTL; the step semantics of each kind are owned by the router's flow
// handlers, which persist their progress through Advance.
package session

import (
	"errors"
	"fmt"
	"time"

	cache "github.com/patrickmn/go-cache"
)

// Kind identifies which multi-step flow a session belongs to.
type Kind string

const (
	KindBroadcast   Kind = "broadcast"
	KindReply       Kind = "reply"
	KindAddAdmin    Kind = "add_admin"
	KindRemoveAdmin Kind = "remove_admin"
	KindBan         Kind = "ban"

	// Reserved for the wallet and channel subsystems, which live outside
	// this core. No flow handlers ship for them here.
	KindChannelAdd Kind = "channel_add"
	KindWithdrawal Kind = "withdrawal"
)

// DefaultTTL is how long a session stays valid after Begin.
const DefaultTTL = 30 * time.Minute

var ErrNoSession = errors.New("session: no active session")

// Session is one operator's in-flight flow state.
type Session struct {
	TenantID   int64
	OperatorID int64
	Kind       Kind
	Step       int
	Payload    map[string]string
	CreatedAt  time.Time
}

// Value returns a payload entry, or "" when absent.
func (s Session) Value(key string) string {
	if s.Payload == nil {
		return ""
	}
	return s.Payload[key]
}

// Store is a TTL-expiring map of operator sessions. Expiry is checked lazily
// on every read; a background janitor reclaims memory for abandoned entries.
type Store struct {
	ttl     time.Duration
	entries *cache.Cache
}

// NewStore builds a Store with the given TTL (DefaultTTL when zero).
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		ttl:     ttl,
		entries: cache.New(ttl, ttl/2),
	}
}

// Begin opens a session for (tenantID, operatorID), replacing any prior
// session for the same pair. A fresh flow always supersedes a stale one.
func (s *Store) Begin(tenantID, operatorID int64, kind Kind, payload map[string]string) Session {
	if payload == nil {
		payload = map[string]string{}
	}
	sess := Session{
		TenantID:   tenantID,
		OperatorID: operatorID,
		Kind:       kind,
		Payload:    payload,
		CreatedAt:  time.Now(),
	}
	s.entries.Set(key(tenantID, operatorID), sess, s.ttl)
	return sess
}

// Get returns the active session for the pair, if any. Sessions past their
// TTL are treated as absent.
func (s *Store) Get(tenantID, operatorID int64) (Session, bool) {
	v, ok := s.entries.Get(key(tenantID, operatorID))
	if !ok {
		return Session{}, false
	}
	return v.(Session), true
}

// Advance moves the session to the next step, merging updates into its
// payload. The TTL clock keeps running from Begin; advancing does not
// extend a session's life.
func (s *Store) Advance(tenantID, operatorID int64, updates map[string]string) (Session, error) {
	sess, ok := s.Get(tenantID, operatorID)
	if !ok {
		return Session{}, ErrNoSession
	}
	sess.Step++
	for k, v := range updates {
		sess.Payload[k] = v
	}
	remaining := s.ttl - time.Since(sess.CreatedAt)
	if remaining <= 0 {
		s.Cancel(tenantID, operatorID)
		return Session{}, ErrNoSession
	}
	s.entries.Set(key(tenantID, operatorID), sess, remaining)
	return sess, nil
}

// Cancel destroys the session for the pair, if present.
func (s *Store) Cancel(tenantID, operatorID int64) {
	s.entries.Delete(key(tenantID, operatorID))
}

// Len reports the number of live (possibly expired but unswept) sessions.
func (s *Store) Len() int {
	return s.entries.ItemCount()
}

func key(tenantID, operatorID int64) string {
	return fmt.Sprintf("%d:%d", tenantID, operatorID)
}
