package channel

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/agentrt/kernel/internal/cache"
)

// na is the identity sentinel a transport sends when it genuinely has no
// conversation or trace id to offer; it must never survive into a
// generated session id.
const na = "na"

// Session groups a set of named Channels under one generated id and owns
// the confirmation/client-tool-result coordinators that ride on top of
// them. One Session exists per user/conversation pairing for the
// lifetime of that conversation.
type Session struct {
	id string

	mu           sync.Mutex
	channels     map[string]*Channel
	cacheTTL     time.Duration
	lastActivity time.Time
	destroyed    bool
	dedupe       *cache.ReplayGuard

	Confirmations *ConfirmationCoordinator
	ClientTools   *ClientToolCoordinator
}

// Identity is the subset of a request's routing context relevant to
// session-id generation.
type Identity struct {
	UserID         string
	ConversationID string
	TraceID        string
}

// GenerateSessionID builds the id a ChannelSession is keyed by:
// "<userId|anonymous>-<conversationId or traceId>", treating the "na"
// sentinel as absent on both conversation id and trace id.
func GenerateSessionID(id Identity) string {
	user := id.UserID
	if user == "" {
		user = "anonymous"
	}

	scope := sentinelOrEmpty(id.ConversationID)
	if scope == "" {
		scope = sentinelOrEmpty(id.TraceID)
	}
	if scope == "" {
		scope = "default"
	}
	return user + "-" + scope
}

func sentinelOrEmpty(v string) string {
	if strings.EqualFold(strings.TrimSpace(v), na) {
		return ""
	}
	return v
}

// NewSession constructs a Session identified by id. cacheTTL is forwarded
// to every Channel it lazily creates as that channel's response-cache
// grace window, and clientToolTimeout seeds the client-tool coordinator (a
// zero clientToolTimeout falls back to DefaultClientToolTimeout). The
// confirmation coordinator takes no timeout: its waits last until
// resolved or cancelled.
func NewSession(id string, cacheTTL, clientToolTimeout time.Duration) *Session {
	return &Session{
		id:            id,
		channels:      map[string]*Channel{},
		cacheTTL:      cacheTTL,
		lastActivity:  time.Now(),
		Confirmations: NewConfirmationCoordinator(),
		ClientTools:   NewClientToolCoordinator(clientToolTimeout),
	}
}

// ID returns the session's generated id.
func (s *Session) ID() string { return s.id }

// WithDedupe installs a replay-duplicate guard (keyed by channel name and
// event id) on every channel this session creates from now on, and on
// every channel it has already created. Intended for transports with
// at-least-once delivery semantics; nil disables it.
func (s *Session) WithDedupe(d *cache.ReplayGuard) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dedupe = d
	for _, ch := range s.channels {
		ch.SetDedupe(d)
	}
	return s
}

// Channel lazily creates (or returns the existing) named channel and
// bumps the session's last-activity timestamp.
func (s *Session) Channel(name string) *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
	if ch, ok := s.channels[name]; ok {
		return ch
	}
	ch := newChannel(name, s.cacheTTL)
	if s.dedupe != nil {
		ch.SetDedupe(s.dedupe)
	}
	s.channels[name] = ch
	return ch
}

// LastActivity reports when this session was last touched via Channel.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Destroy tears down every channel owned by this session and cancels
// every pending confirmation and client-tool wait. Idempotent.
func (s *Session) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	channels := s.channels
	s.channels = map[string]*Channel{}
	s.mu.Unlock()

	for _, ch := range channels {
		ch.Destroy()
	}
	s.Confirmations.CancelAll()
	s.ClientTools.CancelAll()
}

// Registry is a process-wide, context-free home for Sessions, keyed by
// their generated id. A real deployment typically owns exactly one of
// these; it exists mainly so transports don't need to thread a *Session
// through every call by hand.
type Registry struct {
	mu                sync.Mutex
	sessions          map[string]*Session
	cacheTTL          time.Duration
	clientToolTimeout time.Duration
}

// NewRegistry builds an empty Registry. cacheTTL and clientToolTimeout
// are forwarded to every Session it creates.
func NewRegistry(cacheTTL, clientToolTimeout time.Duration) *Registry {
	return &Registry{sessions: map[string]*Session{}, cacheTTL: cacheTTL, clientToolTimeout: clientToolTimeout}
}

// Get returns the session for id, creating it if this is its first use.
func (r *Registry) Get(id Identity) *Session {
	key := GenerateSessionID(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[key]; ok {
		return sess
	}
	sess := NewSession(key, r.cacheTTL, r.clientToolTimeout)
	r.sessions[key] = sess
	return sess
}

// Evict destroys and removes the session for id, if present.
func (r *Registry) Evict(id Identity) {
	key := GenerateSessionID(id)
	r.mu.Lock()
	sess, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
	}
	r.mu.Unlock()
	if ok {
		sess.Destroy()
	}
}

// EvictIdleSince destroys and removes every session whose last activity
// is before cutoff. Intended to be called periodically by a transport's
// own janitor loop; the coordinator does not run one itself.
func (r *Registry) EvictIdleSince(cutoff time.Time) int {
	r.mu.Lock()
	var stale []*Session
	for key, sess := range r.sessions {
		if sess.LastActivity().Before(cutoff) {
			stale = append(stale, sess)
			delete(r.sessions, key)
		}
	}
	r.mu.Unlock()

	for _, sess := range stale {
		sess.Destroy()
	}
	return len(stale)
}

// contextIdentityKey is unexported; IdentityFromContext only works when
// the identity was installed via WithIdentity, keeping this package free
// of a dependency on kctx.
type contextIdentityKey struct{}

// WithIdentity attaches id to ctx for later retrieval by IdentityFromContext.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextIdentityKey{}, id)
}

// IdentityFromContext retrieves an Identity attached via WithIdentity.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextIdentityKey{}).(Identity)
	return id, ok
}
