package jobs

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Questions is the pending-question table: at most one open question per
// session key. A worker thread blocks in Ask while the transport's next
// inbound message for that key is routed into Submit.
type Questions struct {
	mu   sync.Mutex
	open map[string]*pendingQuestion
	wait time.Duration
	log  *zap.Logger
}

type pendingQuestion struct {
	text   string
	answer chan string
}

// NewQuestions creates a question table with the given bounded wait.
func NewQuestions(wait time.Duration, log *zap.Logger) *Questions {
	if wait <= 0 {
		wait = 2 * time.Minute
	}
	return &Questions{
		open: make(map[string]*pendingQuestion),
		wait: wait,
		log:  log,
	}
}

// Ask opens a question for the session key and blocks until the answer
// arrives or the bounded wait elapses. Blocking here is deliberate: Ask
// runs on a dedicated worker thread, never on a transport goroutine. The
// second return reports whether an answer was received in time.
//
// A second Ask for a key with a question already open is refused; the
// single-slot discipline keeps answer routing unambiguous.
func (q *Questions) Ask(key, text string) (string, bool) {
	pq := &pendingQuestion{text: text, answer: make(chan string, 1)}

	q.mu.Lock()
	if _, exists := q.open[key]; exists {
		q.mu.Unlock()
		q.log.Warn("question already open for session", zap.String("session_key", key))
		return "", false
	}
	q.open[key] = pq
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		if q.open[key] == pq {
			delete(q.open, key)
		}
		q.mu.Unlock()
	}()

	select {
	case answer := <-pq.answer:
		return strings.TrimSpace(answer), true
	case <-time.After(q.wait):
		q.log.Warn("question timed out unanswered",
			zap.String("session_key", key), zap.String("question", text))
		return "", false
	}
}

// Submit routes a chat message into the open question slot for the key.
// Returns whether the message was consumed as an answer; a message for a
// key with no open question is never consumed, so the transport can treat
// it as a fresh chat turn.
func (q *Questions) Submit(key, text string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	pq, ok := q.open[key]
	if !ok {
		return false
	}
	delete(q.open, key)
	pq.answer <- text
	return true
}

// Pending returns the open question text for a key, if any.
func (q *Questions) Pending(key string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pq, ok := q.open[key]
	if !ok {
		return "", false
	}
	return pq.text, true
}
