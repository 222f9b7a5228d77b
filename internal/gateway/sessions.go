package gateway

import (
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/manifoldmcp/manifold/internal/aggregator"
	"github.com/manifoldmcp/manifold/internal/logging"
)

// session is one client connection: an aggregator over the endpoint's
// namespace plus the SDK server session it feeds. The wire session id
// on the HTTP surface is chosen by the SDK; this id names the session
// in logs and status output.
type session struct {
	id        string
	endpoint  string
	namespace string
	principal string
	transport string
	created   time.Time

	agg  *aggregator.Aggregator
	slog *logging.SessionLogger
	srv  *mcp.Server

	start sync.Once

	mu         sync.Mutex
	ss         *mcp.ServerSession
	lastActive time.Time
	closed     bool
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

func (s *session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

func (s *session) bind(ss *mcp.ServerSession) {
	s.mu.Lock()
	s.ss = ss
	s.mu.Unlock()
}

// close tears the session down exactly once: the client connection
// drops first so no new requests arrive while the aggregator cancels
// in-flight forwards and returns its leases.
func (s *session) close(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ss := s.ss
	s.mu.Unlock()

	if ss != nil {
		_ = ss.Close()
	}
	s.agg.Close()
	s.slog.LogSessionStop(reason, nil)
}

// retire finishes in-flight calls before closing; the aggregator's
// OnStale callback performs the actual close.
func (s *session) retire(reason string) {
	s.agg.Retire(reason)
}

// SessionInfo describes one live client session for status output.
type SessionInfo struct {
	ID         string                    `json:"id"`
	Endpoint   string                    `json:"endpoint"`
	Namespace  string                    `json:"namespace"`
	Principal  string                    `json:"principal,omitempty"`
	Transport  string                    `json:"transport"`
	Created    time.Time                 `json:"created"`
	LastActive time.Time                 `json:"lastActive"`
	Members    []aggregator.MemberHealth `json:"members"`
}

// registry tracks sessions that completed the initialize handshake.
type registry struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*session)}
}

func (r *registry) add(s *session) {
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

func (r *registry) matching(pred func(*session) bool) []*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*session
	for _, s := range r.sessions {
		if pred(s) {
			out = append(out, s)
		}
	}
	return out
}

// retireMatching drains sessions gracefully: in-flight calls complete,
// then each session closes itself with the given reason. Entries stay
// registered until their teardown finishes.
func (r *registry) retireMatching(pred func(*session) bool, reason string) {
	for _, s := range r.matching(pred) {
		s.retire(reason)
	}
}

// closeMatching drops sessions immediately, cancelling their in-flight
// calls. Used for revoked principals and shutdown.
func (r *registry) closeMatching(pred func(*session) bool, reason string) {
	victims := r.matching(pred)
	r.mu.Lock()
	for _, s := range victims {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range victims {
		wg.Add(1)
		go func(s *session) {
			defer wg.Done()
			s.close(reason)
		}(s)
	}
	wg.Wait()
}

func (r *registry) closeAll(reason string) {
	r.closeMatching(func(*session) bool { return true }, reason)
}

func (r *registry) closeIdle(idle time.Duration) {
	cutoff := time.Now().Add(-idle)
	r.closeMatching(func(s *session) bool { return s.idleSince().Before(cutoff) }, "idle-timeout")
}

func (r *registry) infos() []SessionInfo {
	all := r.matching(func(*session) bool { return true })
	out := make([]SessionInfo, 0, len(all))
	for _, s := range all {
		out = append(out, SessionInfo{
			ID:         s.id,
			Endpoint:   s.endpoint,
			Namespace:  s.namespace,
			Principal:  s.principal,
			Transport:  s.transport,
			Created:    s.created,
			LastActive: s.idleSince(),
			Members:    s.agg.Members(),
		})
	}
	return out
}
