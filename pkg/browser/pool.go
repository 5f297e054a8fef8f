package browser

import (
	"fmt"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/web365/clawbot/pkg/config"
)

// Pool owns one isolated browser session per logical session key. Sessions
// are created lazily, evicted when idle past the configured timeout, and
// evicted least-recently-used first when the pool is at capacity. A session
// with a non-zero in-use reference count is never evicted or destroyed.
//
// All bookkeeping (creation, eviction selection, reference counting) happens
// under one mutex held only for the decision; the slow browser teardown runs
// after the lock is released.
type Pool struct {
	mu       sync.Mutex
	sessions map[string]*Session

	factory     func(key string) *Session
	maxSessions int
	idleTimeout time.Duration
	log         *zap.Logger

	pw *playwright.Playwright // nil when the pool was built with a test factory
}

// NewPool starts the Playwright driver and returns a pool that launches one
// Chromium instance per session key with the configured options.
func NewPool(cfg config.BrowserConfig, log *zap.Logger) (*Pool, error) {
	pw, err := StartPlaywright()
	if err != nil {
		return nil, err
	}

	timeoutMillis := float64(cfg.Timeout / time.Millisecond)
	factory := func(key string) *Session {
		return &Session{
			key:           key,
			screenshotDir: cfg.ScreenshotDir,
			log:           log,
			start: func() (Page, func() error, func() error, error) {
				return launch(pw, cfg.Headless, timeoutMillis, log)
			},
		}
	}

	return &Pool{
		sessions:    make(map[string]*Session),
		factory:     factory,
		maxSessions: cfg.MaxSessions,
		idleTimeout: cfg.IdleTimeout,
		log:         log,
		pw:          pw,
	}, nil
}

// NewPoolWithFactory builds a pool around a custom session factory. Tests
// use it to exercise eviction and refcounting without a browser.
func NewPoolWithFactory(factory func(key string) *Session, maxSessions int, idleTimeout time.Duration, log *zap.Logger) *Pool {
	return &Pool{
		sessions:    make(map[string]*Session),
		factory:     factory,
		maxSessions: maxSessions,
		idleTimeout: idleTimeout,
		log:         log,
	}
}

// GetOrCreate returns the live session for key, lazily creating one if
// absent. Before creating it evicts idle sessions, and when the pool is at
// capacity it evicts the least-recently-used session with a zero reference
// count. Returns an error when the pool is full of in-use sessions.
func (p *Pool) GetOrCreate(key string) (*Session, error) {
	p.mu.Lock()
	session, toClose, err := p.obtainLocked(key)
	p.mu.Unlock()

	p.closeAll(toClose)
	return session, err
}

// Acquire checks a session out for a job: the same idle and capacity
// eviction rules as GetOrCreate apply, then the in-use count is incremented
// so the session cannot be evicted or destroyed mid-job.
func (p *Pool) Acquire(key string) (*Session, error) {
	p.mu.Lock()
	session, toClose, err := p.obtainLocked(key)
	if err == nil {
		session.refs++
		p.log.Info("session acquired", zap.String("session", key), zap.Int("refs", session.refs))
	}
	p.mu.Unlock()

	p.closeAll(toClose)
	return session, err
}

// obtainLocked finds or creates the session for key, evicting idle sessions
// first and the zero-ref LRU session when at capacity. Caller holds the pool
// mutex; the returned eviction list must be closed after it is released.
func (p *Pool) obtainLocked(key string) (*Session, []*Session, error) {
	var toClose []*Session
	now := time.Now()

	for k, s := range p.sessions {
		if s.refs == 0 && now.Sub(s.lastUsed) > p.idleTimeout {
			delete(p.sessions, k)
			toClose = append(toClose, s)
			p.log.Info("evicting idle browser", zap.String("session", k))
		}
	}

	session, exists := p.sessions[key]
	if !exists {
		if len(p.sessions) >= p.maxSessions {
			victim := p.lruLocked()
			if victim == nil {
				return nil, toClose, fmt.Errorf("session pool at capacity (%d) with all sessions in use", p.maxSessions)
			}
			delete(p.sessions, victim.key)
			toClose = append(toClose, victim)
			p.log.Info("evicting LRU browser", zap.String("session", victim.key))
		}
		session = p.factory(key)
		p.sessions[key] = session
	}
	session.lastUsed = now
	return session, toClose, nil
}

// Release decrements the session's in-use count.
func (p *Pool) Release(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	session, ok := p.sessions[key]
	if !ok {
		return
	}
	if session.refs > 0 {
		session.refs--
	}
	session.lastUsed = time.Now()
	p.log.Info("session released", zap.String("session", key), zap.Int("refs", session.refs))
}

// Destroy tears down a specific session's browser resources. Refuses (logs
// and returns) when the session is still referenced by a running job.
func (p *Pool) Destroy(key string) {
	p.mu.Lock()
	session, ok := p.sessions[key]
	if !ok {
		p.mu.Unlock()
		return
	}
	if session.refs > 0 {
		p.log.Info("skipping browser destroy, session in use",
			zap.String("session", key), zap.Int("refs", session.refs))
		p.mu.Unlock()
		return
	}
	delete(p.sessions, key)
	p.mu.Unlock()

	p.log.Info("destroying browser", zap.String("session", key))
	if err := session.Close(); err != nil {
		p.log.Warn("error closing session", zap.String("session", key), zap.Error(err))
	}
}

// Len returns the number of live sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Refs returns the in-use count for a key. Used by tests and diagnostics.
func (p *Pool) Refs(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[key]; ok {
		return s.refs
	}
	return 0
}

// Shutdown closes every session and stops the Playwright driver.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	var toClose []*Session
	for k, s := range p.sessions {
		delete(p.sessions, k)
		toClose = append(toClose, s)
	}
	p.mu.Unlock()

	p.closeAll(toClose)

	if p.pw != nil {
		if err := p.pw.Stop(); err != nil {
			return fmt.Errorf("failed to stop playwright: %w", err)
		}
		p.pw = nil
	}
	return nil
}

// lruLocked returns the least-recently-used session with no references, or
// nil when every session is in use. Caller holds the pool mutex.
func (p *Pool) lruLocked() *Session {
	var victim *Session
	for _, s := range p.sessions {
		if s.refs > 0 {
			continue
		}
		if victim == nil || s.lastUsed.Before(victim.lastUsed) {
			victim = s
		}
	}
	return victim
}

func (p *Pool) closeAll(sessions []*Session) {
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			p.log.Warn("error closing evicted session", zap.String("session", s.key), zap.Error(err))
		}
	}
}
