package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ttexan1/klavis-sub000/pkg/models"
)

// MemoryMessageStore keeps conversation messages in process memory.
type MemoryMessageStore struct {
	mu       sync.RWMutex
	messages map[string][]*models.ChatMessage
}

// NewMemoryMessageStore creates an empty store.
func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{messages: make(map[string][]*models.ChatMessage)}
}

func (s *MemoryMessageStore) StoreNewMessages(ctx context.Context, conversationID string, msgs []*models.ChatMessage) error {
	if conversationID == "" {
		return fmt.Errorf("conversation id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[conversationID] = append(s.messages[conversationID], msgs...)
	return nil
}

func (s *MemoryMessageStore) History(ctx context.Context, conversationID string, limit int) ([]*models.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*models.ChatMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

// MemoryUsageLimiter allows Limit turns per user per UTC day. A
// non-positive Limit disables the quota.
type MemoryUsageLimiter struct {
	Limit int

	mu     sync.Mutex
	counts map[string]int
	now    func() time.Time
}

// NewMemoryUsageLimiter creates a limiter with the given daily limit.
func NewMemoryUsageLimiter(limit int) *MemoryUsageLimiter {
	return &MemoryUsageLimiter{Limit: limit, counts: make(map[string]int), now: time.Now}
}

func (l *MemoryUsageLimiter) CheckAndUpdateUsageLimit(ctx context.Context, tc TurnContext) (bool, error) {
	if l.Limit <= 0 {
		return true, nil
	}
	key := usageKey(tc) + "@" + dayOf(l.now())

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[key] >= l.Limit {
		return false, nil
	}
	l.counts[key]++
	return true, nil
}

func usageKey(tc TurnContext) string {
	return string(tc.Platform) + ":" + tc.UserID
}

func dayOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
