package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/V4T54L/agentlens-ingest/internal/domain"
)

// MockEventQueue is an in-memory consumer group with a single consumer.
// Unacknowledged messages are handed out again once they have been pending
// for the read's retryAfter, like a consumer re-reading its own pending
// entries.
type MockEventQueue struct {
	mu           sync.Mutex
	pending      []domain.StreamMessage
	malformed    []domain.MalformedMessage
	delivered    map[string]int64
	lastDelivery map[string]time.Time
	nextID       int

	// Now is the queue clock. It defaults to time.Now.
	Now func() time.Time

	// ReportDeliveries makes reads carry the delivery count.
	ReportDeliveries bool
	AckedMessageIDs  []string
	AckCalls         int
	Reads            int
	ReadErr          error
	AckErr           error
	// OnRead runs at the start of every read, outside the lock.
	OnRead func()
}

// Push enqueues events and returns their stream ids.
func (m *MockEventQueue) Push(events ...domain.QueuedEvent) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = m.newID()
		m.pending = append(m.pending, domain.StreamMessage{StreamID: ids[i], Event: e})
	}
	return ids
}

// PushMalformed enqueues a payload that failed to parse.
func (m *MockEventQueue) PushMalformed(raw string, err error) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.newID()
	m.malformed = append(m.malformed, domain.MalformedMessage{StreamID: id, Raw: raw, Err: err})
	return id
}

func (m *MockEventQueue) newID() string {
	m.nextID++
	return fmt.Sprintf("%d-0", m.nextID)
}

// Pending returns the ids of messages not yet acknowledged.
func (m *MockEventQueue) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, msg := range m.pending {
		ids = append(ids, msg.StreamID)
	}
	for _, msg := range m.malformed {
		ids = append(ids, msg.StreamID)
	}
	return ids
}

// AckCount returns how many times id was acknowledged.
func (m *MockEventQueue) AckCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, acked := range m.AckedMessageIDs {
		if acked == id {
			n++
		}
	}
	return n
}

func (m *MockEventQueue) ReadBatch(ctx context.Context, group, consumer string, count int, block, retryAfter time.Duration) (domain.ClaimedBatch, error) {
	if m.OnRead != nil {
		m.OnRead()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Reads++
	if m.ReadErr != nil {
		return domain.ClaimedBatch{}, m.ReadErr
	}
	if m.delivered == nil {
		m.delivered = make(map[string]int64)
		m.lastDelivery = make(map[string]time.Time)
	}
	now := time.Now()
	if m.Now != nil {
		now = m.Now()
	}
	due := func(id string) bool {
		last, ok := m.lastDelivery[id]
		return !ok || now.Sub(last) >= retryAfter
	}

	var batch domain.ClaimedBatch
	for _, msg := range m.malformed {
		if batch.Len() >= count {
			return batch, nil
		}
		if !due(msg.StreamID) {
			continue
		}
		m.lastDelivery[msg.StreamID] = now
		batch.Malformed = append(batch.Malformed, msg)
	}
	for _, msg := range m.pending {
		if batch.Len() >= count {
			break
		}
		if !due(msg.StreamID) {
			continue
		}
		m.lastDelivery[msg.StreamID] = now
		m.delivered[msg.StreamID]++
		if m.ReportDeliveries {
			msg.Deliveries = m.delivered[msg.StreamID]
		}
		batch.Messages = append(batch.Messages, msg)
	}
	return batch, nil
}

func (m *MockEventQueue) Acknowledge(ctx context.Context, group string, streamIDs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(streamIDs) == 0 {
		return nil
	}
	m.AckCalls++
	if m.AckErr != nil {
		return m.AckErr
	}
	m.AckedMessageIDs = append(m.AckedMessageIDs, streamIDs...)

	acked := make(map[string]struct{}, len(streamIDs))
	for _, id := range streamIDs {
		acked[id] = struct{}{}
	}
	keep := m.pending[:0]
	for _, msg := range m.pending {
		if _, ok := acked[msg.StreamID]; !ok {
			keep = append(keep, msg)
		}
	}
	m.pending = keep
	keepMalformed := m.malformed[:0]
	for _, msg := range m.malformed {
		if _, ok := acked[msg.StreamID]; !ok {
			keepMalformed = append(keepMalformed, msg)
		}
	}
	m.malformed = keepMalformed
	return nil
}

// MockDeadLetterSink records dead letters.
type MockDeadLetterSink struct {
	mu      sync.Mutex
	Letters []domain.DeadLetter
	DLQErr  error
}

func (m *MockDeadLetterSink) MoveToDLQ(ctx context.Context, letters ...domain.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DLQErr != nil {
		return m.DLQErr
	}
	m.Letters = append(m.Letters, letters...)
	return nil
}

// UsageKey identifies one hourly usage bucket.
type UsageKey struct {
	OrgID    string
	APIKeyID string
	Hour     time.Time
}

// MemoryEventStore is a transactional in-memory event store. Writes made
// inside a tenant transaction become visible only on commit.
type MemoryEventStore struct {
	mu    sync.Mutex
	rows  map[string][]domain.StoredEvent
	keys  map[domain.EventKey]struct{}
	usage map[UsageKey]int64
	heads map[string]domain.ChainHead

	// FailTenants makes every InsertEvents for the tenant fail.
	FailTenants map[string]error
	AcquireErr  error
	Acquired    int
	Released    int
	Commits     int
	Rollbacks   int
}

// NewMemoryEventStore creates an empty store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		rows:        make(map[string][]domain.StoredEvent),
		keys:        make(map[domain.EventKey]struct{}),
		usage:       make(map[UsageKey]int64),
		heads:       make(map[string]domain.ChainHead),
		FailTenants: make(map[string]error),
	}
}

// Rows returns the committed rows of a tenant in insertion order.
func (s *MemoryEventStore) Rows(orgID string) []domain.StoredEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.StoredEvent(nil), s.rows[orgID]...)
}

// Usage returns the total usage count of a tenant across all buckets.
func (s *MemoryEventStore) Usage(orgID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for k, n := range s.usage {
		if k.OrgID == orgID {
			total += n
		}
	}
	return total
}

// Head returns the committed chain head of a tenant.
func (s *MemoryEventStore) Head(orgID string) domain.ChainHead {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heads[orgID]
}

func (s *MemoryEventStore) Acquire(ctx context.Context) (domain.StoreSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AcquireErr != nil {
		return nil, s.AcquireErr
	}
	s.Acquired++
	return &memorySession{store: s}, nil
}

type memorySession struct {
	store    *MemoryEventStore
	released bool
}

func (m *memorySession) WithTenantTx(ctx context.Context, orgID string, fn func(tx domain.TenantTx) error) error {
	tx := &memoryTx{store: m.store, orgID: orgID, usage: make(map[UsageKey]int64)}
	if err := fn(tx); err != nil {
		m.store.mu.Lock()
		m.store.Rollbacks++
		m.store.mu.Unlock()
		return err
	}

	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range tx.rows {
		s.rows[orgID] = append(s.rows[orgID], r)
		s.keys[storedKey(r)] = struct{}{}
	}
	for k, n := range tx.usage {
		s.usage[k] += n
	}
	if tx.head != nil {
		s.heads[orgID] = *tx.head
	}
	s.Commits++
	return nil
}

func (m *memorySession) Release() error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	if m.released {
		return fmt.Errorf("session released twice")
	}
	m.released = true
	m.store.Released++
	return nil
}

type memoryTx struct {
	store *MemoryEventStore
	orgID string
	rows  []domain.StoredEvent
	usage map[UsageKey]int64
	head  *domain.ChainHead
}

func (t *memoryTx) LockChainHead(ctx context.Context) (domain.ChainHead, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.store.heads[t.orgID], nil
}

func (t *memoryTx) ExistingEvents(ctx context.Context, keys []domain.EventKey) (map[domain.EventKey]struct{}, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	existing := make(map[domain.EventKey]struct{})
	for _, k := range keys {
		if _, ok := t.store.keys[k]; ok {
			existing[k] = struct{}{}
		}
	}
	return existing, nil
}

func (t *memoryTx) InsertEvents(ctx context.Context, rows []domain.StoredEvent) (int64, error) {
	t.store.mu.Lock()
	err := t.store.FailTenants[t.orgID]
	known := make(map[domain.EventKey]struct{}, len(t.store.keys))
	for k := range t.store.keys {
		known[k] = struct{}{}
	}
	t.store.mu.Unlock()
	if err != nil {
		return 0, err
	}

	var n int64
	for _, r := range rows {
		key := storedKey(r)
		if _, ok := known[key]; ok {
			continue
		}
		known[key] = struct{}{}
		t.rows = append(t.rows, r)
		n++
	}
	return n, nil
}

// storedKey is the key of a row as a timestamptz column would hold it,
// rounded to the nearest microsecond.
func storedKey(r domain.StoredEvent) domain.EventKey {
	return domain.NewEventKey(r.Event.ID, r.At.Round(time.Microsecond))
}

func (t *memoryTx) IncrementUsage(ctx context.Context, incs []domain.UsageIncrement) error {
	for _, inc := range incs {
		t.usage[UsageKey{OrgID: inc.OrgID, APIKeyID: inc.APIKeyID, Hour: inc.Hour}] += inc.Count
	}
	return nil
}

func (t *memoryTx) UpdateChainHead(ctx context.Context, head domain.ChainHead) error {
	t.head = &head
	return nil
}

// MockChainReader serves fixed chain links.
type MockChainReader struct {
	Links map[string][]domain.ChainLink
	Err   error
}

func (m *MockChainReader) ChainLinks(ctx context.Context, orgID string) ([]domain.ChainLink, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Links[orgID], nil
}

// MockStreamAdminRepository records admin calls and serves canned results.
type MockStreamAdminRepository struct {
	mu sync.Mutex

	Groups      []domain.ConsumerGroupInfo
	Consumers   []domain.ConsumerInfo
	Summary     *domain.PendingMessageSummary
	PendingList []domain.PendingMessageDetail
	Claimed     []domain.StreamMessage
	DeadLetters []domain.DeadLetterEntry
	ReplayID    string
	Err         error
	ReplayErr   error

	LastStartID string
	LastCount   int64
	AckedIDs    []string
	TrimmedTo   int64
	Replayed    []string
}

func (m *MockStreamAdminRepository) GetGroupInfo(ctx context.Context, stream string) ([]domain.ConsumerGroupInfo, error) {
	return m.Groups, m.Err
}

func (m *MockStreamAdminRepository) GetConsumerInfo(ctx context.Context, stream, group string) ([]domain.ConsumerInfo, error) {
	return m.Consumers, m.Err
}

func (m *MockStreamAdminRepository) GetPendingSummary(ctx context.Context, stream, group string) (*domain.PendingMessageSummary, error) {
	return m.Summary, m.Err
}

func (m *MockStreamAdminRepository) GetPendingMessages(ctx context.Context, stream, group, consumer, startID string, count int64) ([]domain.PendingMessageDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastStartID, m.LastCount = startID, count
	return m.PendingList, m.Err
}

func (m *MockStreamAdminRepository) ClaimMessages(ctx context.Context, stream, group, consumer string, minIdleTime time.Duration, messageIDs []string) ([]domain.StreamMessage, error) {
	return m.Claimed, m.Err
}

func (m *MockStreamAdminRepository) AcknowledgeMessages(ctx context.Context, stream, group string, messageIDs ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	m.AckedIDs = append(m.AckedIDs, messageIDs...)
	return int64(len(messageIDs)), nil
}

func (m *MockStreamAdminRepository) TrimStream(ctx context.Context, stream string, maxLen int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TrimmedTo = maxLen
	return 0, m.Err
}

func (m *MockStreamAdminRepository) ListDeadLetters(ctx context.Context, startID string, count int64) ([]domain.DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastStartID, m.LastCount = startID, count
	return m.DeadLetters, m.Err
}

func (m *MockStreamAdminRepository) ReplayDeadLetter(ctx context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReplayErr != nil {
		return "", m.ReplayErr
	}
	m.Replayed = append(m.Replayed, id)
	return m.ReplayID, nil
}
