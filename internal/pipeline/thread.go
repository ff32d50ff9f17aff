package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/duckmesh/querygen/internal/canonical"
)

// ThreadState is what a successful turn leaves behind for a refinement.
type ThreadState struct {
	Message string
	Query   *canonical.Query
	SQL     string
	Tables  []string
	SavedAt time.Time
}

func (s ThreadState) Empty() bool {
	return s.Query == nil && s.SQL == ""
}

const (
	DefaultThreadTTL  = 2 * time.Hour
	DefaultThreadSize = 4096
)

// ThreadStore keeps per-conversation state in memory with a TTL.
type ThreadStore struct {
	lru *expirable.LRU[string, ThreadState]
}

func NewThreadStore(size int, ttl time.Duration) *ThreadStore {
	if size <= 0 {
		size = DefaultThreadSize
	}
	if ttl <= 0 {
		ttl = DefaultThreadTTL
	}
	return &ThreadStore{lru: expirable.NewLRU[string, ThreadState](size, nil, ttl)}
}

func threadKey(tenantID, conversationID string) string {
	return tenantID + "/" + conversationID
}

func (s *ThreadStore) Get(tenantID, conversationID string) (ThreadState, bool) {
	if conversationID == "" {
		return ThreadState{}, false
	}
	return s.lru.Get(threadKey(tenantID, conversationID))
}

func (s *ThreadStore) Save(tenantID, conversationID string, state ThreadState) {
	if conversationID == "" {
		return
	}
	s.lru.Add(threadKey(tenantID, conversationID), state)
}

func (s *ThreadStore) Clear(tenantID, conversationID string) {
	s.lru.Remove(threadKey(tenantID, conversationID))
}

// Invalidate drops every thread of tenantID; carried tables may no longer
// exist after a schema edit.
func (s *ThreadStore) Invalidate(tenantID string) {
	prefix := tenantID + "/"
	for _, key := range s.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.lru.Remove(key)
		}
	}
}

// Runs tracks the in-flight run of each conversation. Starting a run
// cancels the one it supersedes.
type Runs struct {
	mu      sync.Mutex
	running map[string]activeRun
}

type activeRun struct {
	id     string
	cancel context.CancelCauseFunc
}

func NewRuns() *Runs {
	return &Runs{running: map[string]activeRun{}}
}

// Start derives the run context. The returned done func must be called
// when the run ends.
func (r *Runs) Start(ctx context.Context, tenantID, conversationID string) (context.Context, string, func()) {
	runID := uuid.NewString()
	runCtx, cancel := context.WithCancelCause(ctx)
	if conversationID == "" {
		return runCtx, runID, func() { cancel(nil) }
	}

	key := threadKey(tenantID, conversationID)
	r.mu.Lock()
	if prev, ok := r.running[key]; ok {
		prev.cancel(ErrSuperseded)
	}
	r.running[key] = activeRun{id: runID, cancel: cancel}
	r.mu.Unlock()

	done := func() {
		r.mu.Lock()
		if cur, ok := r.running[key]; ok && cur.id == runID {
			delete(r.running, key)
		}
		r.mu.Unlock()
		cancel(nil)
	}
	return runCtx, runID, done
}

func (r *Runs) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}
