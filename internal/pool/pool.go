// Package pool keeps warm downstream sessions keyed by config fingerprint.
// Leasing hands a session to exactly one holder at a time; releasing a
// healthy session returns it to a FIFO idle list for reuse. Config changes
// invalidate by fingerprint: idle sessions close immediately, leased ones
// are marked stale and their holders notified, but never force-closed.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/manifoldmcp/manifold/internal/common"
	"github.com/manifoldmcp/manifold/internal/config"
	"github.com/manifoldmcp/manifold/internal/downstream"
)

// ErrShutdown is returned by Lease after Shutdown has begun.
var ErrShutdown = errors.New("pool is shut down")

// DefaultDialTimeout bounds a single downstream dial, handshake included.
const DefaultDialTimeout = 30 * time.Second

// DefaultTargetIdle is the number of idle sessions kept per fingerprint.
const DefaultTargetIdle = 1

// Dialer opens downstream sessions. *downstream.Dialer satisfies it.
type Dialer interface {
	Dial(ctx context.Context, cfg *config.ServerConfig) (*downstream.Session, error)
}

// Options configures a Pool. The zero value of a field selects its
// default; TargetIdle < 0 disables background warmup entirely.
type Options struct {
	Dialer      Dialer
	TargetIdle  int
	DialTimeout time.Duration
}

// Stats is a point-in-time snapshot of one fingerprint's bookkeeping.
// Idle + Leased + Opening always equals Opened - Closed.
type Stats struct {
	Server      string `json:"server"`
	Fingerprint string `json:"fingerprint"`
	Idle        int    `json:"idle"`
	Leased      int    `json:"leased"`
	Opening     int    `json:"opening"`
	Opened      uint64 `json:"opened"`
	Closed      uint64 `json:"closed"`
	Generation  uint64 `json:"generation"`
}

type entry struct {
	fingerprint string
	cfg         *config.ServerConfig
	gen         uint64

	idle    []*downstream.Session
	leased  map[*Lease]struct{}
	opening int
	warming bool

	// retired means the fingerprint was invalidated and no longer appears
	// in any config. The entry is dropped once the last session drains;
	// re-adding an identical config resurrects it.
	retired bool

	opened uint64
	closed uint64

	flight singleflight.Group
}

// Pool owns every downstream session in the process.
type Pool struct {
	dialer      Dialer
	target      int
	dialTimeout time.Duration

	mu          sync.Mutex
	entries     map[string]*entry
	outstanding int
	closed      bool
	done        chan struct{}
	doneClosed  bool
}

// New builds a pool. Options.Dialer is required.
func New(opts Options) *Pool {
	target := opts.TargetIdle
	if target == 0 {
		target = DefaultTargetIdle
	}
	if target < 0 {
		target = 0
	}
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	return &Pool{
		dialer:      opts.Dialer,
		target:      target,
		dialTimeout: timeout,
		entries:     make(map[string]*entry),
		done:        make(chan struct{}),
	}
}

func (p *Pool) entryLocked(cfg *config.ServerConfig) *entry {
	fp := cfg.Fingerprint()
	e := p.entries[fp]
	if e == nil {
		e = &entry{
			fingerprint: fp,
			leased:      make(map[*Lease]struct{}),
		}
		p.entries[fp] = e
	}
	e.cfg = cfg
	e.retired = false
	return e
}

// maybeDropLocked removes a retired entry once nothing references it.
// Callers hold p.mu.
func (p *Pool) maybeDropLocked(e *entry) {
	if !e.retired || p.entries[e.fingerprint] != e {
		return
	}
	if len(e.leased) == 0 && len(e.idle) == 0 && e.opening == 0 && !e.warming {
		delete(p.entries, e.fingerprint)
	}
}

// Lease hands out a session for exclusive use. An idle session is reused
// when one exists; otherwise a dial is started and shared with every
// other waiter on the same fingerprint. A failed dial fails all of them.
func (p *Pool) Lease(ctx context.Context, cfg *config.ServerConfig) (*Lease, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrShutdown
		}
		e := p.entryLocked(cfg)
		if l := p.popLocked(e); l != nil {
			p.mu.Unlock()
			return l, nil
		}
		p.mu.Unlock()

		ch := e.flight.DoChan("dial", func() (any, error) {
			return nil, p.dialOne(e)
		})
		select {
		case res := <-ch:
			if res.Err != nil {
				return nil, fmt.Errorf("lease server '%s': %w", cfg.Name, res.Err)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		// The deposited session may have been claimed by another waiter;
		// loop and either take it or start the next shared dial.
	}
}

// popLocked takes the oldest healthy idle session, discarding dead ones
// along the way. Callers hold p.mu.
func (p *Pool) popLocked(e *entry) *Lease {
	var toClose []*downstream.Session
	var lease *Lease
	for len(e.idle) > 0 {
		s := e.idle[0]
		e.idle = e.idle[1:]
		if !s.Healthy() {
			e.closed++
			toClose = append(toClose, s)
			continue
		}
		lease = &Lease{pool: p, entry: e, session: s, gen: e.gen}
		e.leased[lease] = struct{}{}
		p.outstanding++
		break
	}
	if len(toClose) > 0 {
		p.maybeWarmLocked(e)
		go func() {
			for _, s := range toClose {
				s.Close()
			}
		}()
	}
	return lease
}

// dialOne runs a single dial and deposits the result into the idle list.
// The dial is detached from any one waiter's context: its result is
// shared, so it gets the pool's own timeout instead.
func (p *Pool) dialOne(e *entry) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrShutdown
	}
	gen := e.gen
	cfg := e.cfg
	e.opening++
	e.opened++
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.dialTimeout)
	defer cancel()
	s, err := p.dialer.Dial(ctx, cfg)

	p.mu.Lock()
	e.opening--
	if err != nil {
		e.closed++
		p.maybeDropLocked(e)
		p.mu.Unlock()
		return err
	}
	if p.closed || e.gen != gen {
		// The config changed (or the pool shut down) mid-dial.
		e.closed++
		p.maybeDropLocked(e)
		p.mu.Unlock()
		s.Close()
		return nil
	}
	e.idle = append(e.idle, s)
	p.mu.Unlock()
	return nil
}

// maybeWarmLocked starts the per-entry warmer when the idle list is below
// target. At most one warmer runs per entry; it stops on the first dial
// failure rather than retrying.
func (p *Pool) maybeWarmLocked(e *entry) {
	if p.closed || p.target <= 0 || e.warming || e.retired {
		return
	}
	if len(e.idle)+e.opening >= p.target {
		return
	}
	e.warming = true
	go p.warmLoop(e)
}

func (p *Pool) warmLoop(e *entry) {
	for {
		p.mu.Lock()
		if p.closed || e.retired || len(e.idle)+e.opening >= p.target {
			e.warming = false
			p.maybeDropLocked(e)
			p.mu.Unlock()
			return
		}
		name := e.cfg.Name
		p.mu.Unlock()

		_, err, _ := e.flight.Do("dial", func() (any, error) {
			return nil, p.dialOne(e)
		})
		if err != nil {
			p.mu.Lock()
			e.warming = false
			p.maybeDropLocked(e)
			p.mu.Unlock()
			if !errors.Is(err, ErrShutdown) {
				common.LogWarn("Warmup dial for server '%s' failed: %v", name, err)
			}
			return
		}
	}
}

// Invalidate retires every session dialed under the given fingerprint.
// Idle sessions close now; leased ones are marked stale and their holders
// notified so they can finish in-flight work and release.
func (p *Pool) Invalidate(fingerprint, reason string) {
	p.mu.Lock()
	e := p.entries[fingerprint]
	if e == nil {
		p.mu.Unlock()
		return
	}
	e.gen++
	e.retired = true
	toClose := e.idle
	e.idle = nil
	e.closed += uint64(len(toClose))
	leases := make([]*Lease, 0, len(e.leased))
	for l := range e.leased {
		leases = append(leases, l)
	}
	p.maybeDropLocked(e)
	p.mu.Unlock()

	for _, s := range toClose {
		s.Close()
	}
	for _, l := range leases {
		l.markStale(reason)
	}
	common.LogDebug("Pool invalidated fingerprint %s (%d idle closed, %d leases stale): %s",
		fingerprint, len(toClose), len(leases), reason)
}

// InvalidateAll retires every session in the pool.
func (p *Pool) InvalidateAll(reason string) {
	p.mu.Lock()
	fps := make([]string, 0, len(p.entries))
	for fp := range p.entries {
		fps = append(fps, fp)
	}
	p.mu.Unlock()
	for _, fp := range fps {
		p.Invalidate(fp, reason)
	}
}

// Shutdown closes idle sessions, refuses new leases and waits for
// outstanding leases to be released, or for ctx to expire.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	var toClose []*downstream.Session
	for _, e := range p.entries {
		toClose = append(toClose, e.idle...)
		e.closed += uint64(len(e.idle))
		e.idle = nil
	}
	p.checkDoneLocked()
	p.mu.Unlock()

	for _, s := range toClose {
		s.Close()
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// checkDoneLocked closes the drain channel once shutdown has begun and
// the last lease is back. Callers hold p.mu.
func (p *Pool) checkDoneLocked() {
	if p.closed && p.outstanding == 0 && !p.doneClosed {
		p.doneClosed = true
		close(p.done)
	}
}

// Stats returns a snapshot per fingerprint, sorted by server name then
// fingerprint.
func (p *Pool) Stats() []Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Stats, 0, len(p.entries))
	for fp, e := range p.entries {
		out = append(out, Stats{
			Server:      e.cfg.Name,
			Fingerprint: fp,
			Idle:        len(e.idle),
			Leased:      len(e.leased),
			Opening:     e.opening,
			Opened:      e.opened,
			Closed:      e.closed,
			Generation:  e.gen,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Server != out[j].Server {
			return out[i].Server < out[j].Server
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	return out
}

// Lease is exclusive custody of one downstream session.
type Lease struct {
	pool    *Pool
	entry   *entry
	session *downstream.Session
	gen     uint64

	mu          sync.Mutex
	released    bool
	stale       bool
	staleReason string
	staleFn     func(reason string)
}

// Session returns the leased session.
func (l *Lease) Session() *downstream.Session { return l.session }

// OnInvalidate registers a callback fired when the session's config is
// invalidated while the lease is held. If the lease is already stale the
// callback fires immediately.
func (l *Lease) OnInvalidate(fn func(reason string)) {
	l.mu.Lock()
	if l.stale {
		reason := l.staleReason
		l.mu.Unlock()
		fn(reason)
		return
	}
	l.staleFn = fn
	l.mu.Unlock()
}

func (l *Lease) markStale(reason string) {
	l.mu.Lock()
	if l.stale {
		l.mu.Unlock()
		return
	}
	l.stale = true
	l.staleReason = reason
	fn := l.staleFn
	l.mu.Unlock()
	if fn != nil {
		fn(reason)
	}
}

// Release returns the session to the pool. Pass reusable=false when the
// conversation state is suspect (protocol violation, credential failure).
// Stale, unhealthy and not-reusable sessions are closed instead of
// pooled. Calling Release twice is a no-op.
func (l *Lease) Release(reusable bool) {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	stale := l.stale
	l.mu.Unlock()

	s := l.session
	s.DetachSink()

	p := l.pool
	e := l.entry
	p.mu.Lock()
	delete(e.leased, l)
	p.outstanding--
	current := !stale && l.gen == e.gen
	keep := reusable && current && !p.closed && s.Healthy()
	if keep {
		e.idle = append(e.idle, s)
	} else {
		e.closed++
	}
	if current {
		p.maybeWarmLocked(e)
	} else {
		p.maybeDropLocked(e)
	}
	p.checkDoneLocked()
	p.mu.Unlock()

	if !keep {
		s.Close()
	}
}
