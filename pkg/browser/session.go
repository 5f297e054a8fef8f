package browser

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// startFunc lazily launches the underlying browser for a session. It returns
// the page, a cookie-clearing func, and a close func.
type startFunc func() (Page, func() error, func() error, error)

// Session is one isolated browser profile bound to one logical session key.
// A session's browser handles are owned exclusively by the workflow run
// holding runMu; callers take LockRun before driving the page.
type Session struct {
	key string

	// runMu serializes workflow runs on this session. A worker abandoned
	// by a group timeout may still be driving the browser, so the next
	// run waits here instead of overlapping it.
	runMu sync.Mutex

	start        startFunc
	page         Page
	clearCookies func() error
	close        func() error

	// identity is the username the portal session is authenticated as,
	// empty when not logged in.
	identity string

	screenshotDir string
	log           *zap.Logger

	// lastUsed and refs are pool bookkeeping, guarded by the pool mutex.
	lastUsed time.Time
	refs     int
}

// Key returns the session's logical key.
func (s *Session) Key() string {
	return s.key
}

// LockRun blocks until no other workflow run is driving this session.
func (s *Session) LockRun() {
	s.runMu.Lock()
}

// UnlockRun releases the run lock taken by LockRun.
func (s *Session) UnlockRun() {
	s.runMu.Unlock()
}

// Page returns the session's page, launching the browser on first use.
// The launch happens on the calling worker thread, never under the pool
// lock.
func (s *Session) Page() (Page, error) {
	if s.page != nil {
		return s.page, nil
	}
	s.log.Info("starting browser", zap.String("session", s.key))
	page, clearCookies, close, err := s.start()
	if err != nil {
		return nil, fmt.Errorf("failed to start browser for session %s: %w", s.key, err)
	}
	s.page = page
	s.clearCookies = clearCookies
	s.close = close
	return s.page, nil
}

// AuthenticatedAs returns the username the session is logged in as, or ""
// when it is not authenticated.
func (s *Session) AuthenticatedAs() string {
	return s.identity
}

// SetAuthenticated marks the session as logged in under the given username.
func (s *Session) SetAuthenticated(username string) {
	s.identity = username
}

// ClearAuth clears the session's cookies and authentication marker, forcing
// a clean re-login on the next Authenticate step.
func (s *Session) ClearAuth() error {
	s.identity = ""
	if s.clearCookies == nil {
		return nil
	}
	return s.clearCookies()
}

// Screenshot captures the current page to the screenshot dir, named after
// the milestone and session key. Best-effort: failures are logged, and the
// returned path is empty when nothing was written.
func (s *Session) Screenshot(name string) string {
	if s.page == nil {
		return ""
	}
	if err := os.MkdirAll(s.screenshotDir, 0755); err != nil {
		s.log.Warn("screenshot dir unavailable", zap.Error(err))
		return ""
	}
	path := filepath.Join(s.screenshotDir, fmt.Sprintf("%s_%s.png", name, s.key))
	if err := s.page.Screenshot(path); err != nil {
		s.log.Warn("screenshot failed", zap.String("session", s.key), zap.Error(err))
		return ""
	}
	s.log.Debug("screenshot saved", zap.String("path", path))
	return path
}

// Close tears down the session's browser resources. Safe to call on a
// session whose browser never started.
func (s *Session) Close() error {
	if s.close == nil {
		return nil
	}
	err := s.close()
	s.page = nil
	s.clearCookies = nil
	s.close = nil
	s.identity = ""
	s.log.Info("browser closed", zap.String("session", s.key))
	return err
}
