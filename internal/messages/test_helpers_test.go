package messages

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/blobstore"
	"github.com/MarcoPoloResearchLab/parley/internal/conversations"
	"github.com/MarcoPoloResearchLab/parley/internal/notify"
	"github.com/MarcoPoloResearchLab/parley/internal/realtime"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const (
	testBuyerID    = "buyer-1"
	testProviderID = "provider-1"
	testStrangerID = "stranger-1"
)

type sequenceIDProvider struct {
	prefix  string
	counter atomic.Int64
}

func (p *sequenceIDProvider) NewID() (string, error) {
	return fmt.Sprintf("%s-%04d", p.prefix, p.counter.Add(1)), nil
}

type memoryObjectStore struct {
	mu      sync.Mutex
	objects map[string]int64
	deleted []string
}

func newMemoryObjectStore() *memoryObjectStore {
	return &memoryObjectStore{objects: make(map[string]int64)}
}

func (m *memoryObjectStore) put(key string, size int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = size
}

func (m *memoryObjectStore) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

func (m *memoryObjectStore) deletedKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}

func (m *memoryObjectStore) SignedUploadURL(_ context.Context, key string, _ int64, ttl time.Duration) (blobstore.SignedURL, error) {
	return blobstore.SignedURL{URL: "memory://upload/" + key, ExpiresAt: time.Unix(1700000000, 0).UTC().Add(ttl)}, nil
}

func (m *memoryObjectStore) SignedReadURL(_ context.Context, key string, ttl time.Duration) (blobstore.SignedURL, error) {
	return blobstore.SignedURL{URL: "memory://read/" + key, ExpiresAt: time.Unix(1700000000, 0).UTC().Add(ttl)}, nil
}

func (m *memoryObjectStore) Stat(_ context.Context, key string) (blobstore.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	size, ok := m.objects[key]
	if !ok {
		return blobstore.ObjectInfo{}, blobstore.ErrObjectNotFound
	}
	return blobstore.ObjectInfo{Key: key, SizeBytes: size}, nil
}

func (m *memoryObjectStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	m.deleted = append(m.deleted, key)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (p *recordingPublisher) Publish(event realtime.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) snapshot() []realtime.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]realtime.Event(nil), p.events...)
}

type recordingEmitter struct {
	mu      sync.Mutex
	intents []notify.Intent
}

func (e *recordingEmitter) Emit(_ context.Context, intent notify.Intent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.intents = append(e.intents, intent)
}

func (e *recordingEmitter) snapshot() []notify.Intent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]notify.Intent(nil), e.intents...)
}

type steppingClock struct {
	mu      sync.Mutex
	current time.Time
	step    time.Duration
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	value := c.current
	c.current = c.current.Add(c.step)
	return value
}

type testHarness struct {
	db           *gorm.DB
	registry     *conversations.Registry
	store        *Store
	linker       *AttachmentLinker
	objects      *memoryObjectStore
	publisher    *recordingPublisher
	emitter      *recordingEmitter
	conversation conversations.Conversation
}

func newTestHarness(t *testing.T, clock func() time.Time, pageSize int) *testHarness {
	t.Helper()
	db := newTestDatabase(t)
	registry, err := conversations.NewRegistry(conversations.RegistryConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: &sequenceIDProvider{prefix: "conversation"},
	})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}
	objects := newMemoryObjectStore()
	publisher := &recordingPublisher{}
	emitter := &recordingEmitter{}
	store, err := NewStore(StoreConfig{
		Database:    db,
		Clock:       clock,
		IDProvider:  &sequenceIDProvider{prefix: "message"},
		Registry:    registry,
		ObjectStore: objects,
		Publisher:   publisher,
		Notifier:    emitter,
		PageSize:    pageSize,
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	linker, err := NewAttachmentLinker(LinkerConfig{
		Database:    db,
		Clock:       clock,
		IDProvider:  &sequenceIDProvider{prefix: "upload"},
		Registry:    registry,
		ObjectStore: objects,
	})
	if err != nil {
		t.Fatalf("failed to construct linker: %v", err)
	}
	conversation, err := registry.GetOrCreate(context.Background(), testBuyerID, testProviderID)
	if err != nil {
		t.Fatalf("failed to create conversation: %v", err)
	}
	return &testHarness{
		db:           db,
		registry:     registry,
		store:        store,
		linker:       linker,
		objects:      objects,
		publisher:    publisher,
		emitter:      emitter,
		conversation: conversation,
	}
}

func fixedClock() func() time.Time {
	return func() time.Time { return time.Unix(1700000000, 0).UTC() }
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:parley_messages_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&conversations.Conversation{}, &Message{}, &Attachment{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}
