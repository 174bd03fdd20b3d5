package quotes

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/blobstore"
	"github.com/MarcoPoloResearchLab/parley/internal/conversations"
	"github.com/MarcoPoloResearchLab/parley/internal/messages"
	"github.com/MarcoPoloResearchLab/parley/internal/notify"
	"github.com/MarcoPoloResearchLab/parley/internal/realtime"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const (
	testBuyerID    = "buyer-1"
	testProviderID = "provider-1"
)

type sequenceIDProvider struct {
	prefix  string
	counter atomic.Int64
}

func (p *sequenceIDProvider) NewID() (string, error) {
	return fmt.Sprintf("%s-%04d", p.prefix, p.counter.Add(1)), nil
}

type scriptedRefGenerator struct {
	mu   sync.Mutex
	refs []string
	next int
}

func (g *scriptedRefGenerator) NewRef() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.next >= len(g.refs) {
		g.next++
		return fmt.Sprintf("Q-AUTO%04d", g.next), nil
	}
	ref := g.refs[g.next]
	g.next++
	return ref, nil
}

type nullObjectStore struct{}

func (nullObjectStore) SignedUploadURL(context.Context, string, int64, time.Duration) (blobstore.SignedURL, error) {
	return blobstore.SignedURL{}, nil
}

func (nullObjectStore) SignedReadURL(context.Context, string, time.Duration) (blobstore.SignedURL, error) {
	return blobstore.SignedURL{}, nil
}

func (nullObjectStore) Stat(context.Context, string) (blobstore.ObjectInfo, error) {
	return blobstore.ObjectInfo{}, blobstore.ErrObjectNotFound
}

func (nullObjectStore) Delete(context.Context, string) error {
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

type mutableClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *mutableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *mutableClock) Advance(delta time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(delta)
}

type engineHarness struct {
	db        *gorm.DB
	engine    *Engine
	store     *messages.Store
	clock     *mutableClock
	refs      *scriptedRefGenerator
	publisher *recordingPublisher
	emitter   *recordingEmitter
}

func newEngineHarness(t *testing.T, refs ...string) *engineHarness {
	t.Helper()
	db := newTestDatabase(t)
	clock := &mutableClock{current: time.Unix(1700000000, 0).UTC()}
	registry, err := conversations.NewRegistry(conversations.RegistryConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: &sequenceIDProvider{prefix: "conversation"},
	})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}
	publisher := &recordingPublisher{}
	emitter := &recordingEmitter{}
	store, err := messages.NewStore(messages.StoreConfig{
		Database:    db,
		Clock:       clock.Now,
		IDProvider:  &sequenceIDProvider{prefix: "message"},
		Registry:    registry,
		ObjectStore: nullObjectStore{},
		Publisher:   publisher,
		Notifier:    emitter,
	})
	if err != nil {
		t.Fatalf("failed to construct message store: %v", err)
	}
	refGenerator := &scriptedRefGenerator{refs: refs}
	engine, err := NewEngine(EngineConfig{
		Database:     db,
		Clock:        clock.Now,
		IDProvider:   &sequenceIDProvider{prefix: "quote"},
		RefGenerator: refGenerator,
		Registry:     registry,
		Messages:     store,
		Publisher:    publisher,
		Notifier:     emitter,
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	return &engineHarness{
		db:        db,
		engine:    engine,
		store:     store,
		clock:     clock,
		refs:      refGenerator,
		publisher: publisher,
		emitter:   emitter,
	}
}

func (h *engineHarness) createQuote(t *testing.T, note string) CreateResult {
	t.Helper()
	result, err := h.engine.Create(context.Background(), CreateInput{
		BuyerID:    testBuyerID,
		ProviderID: testProviderID,
		Package:    PackageDescriptor{Name: "Gold Package", PricingMode: PricingFixed, BasePrice: 4500},
		Note:       note,
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	return result
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:parley_quotes_%d?mode=memory&cache=shared", time.Now().UnixNano())
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
	if err := db.AutoMigrate(&conversations.Conversation{}, &messages.Message{}, &messages.Attachment{}, &Quote{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}
