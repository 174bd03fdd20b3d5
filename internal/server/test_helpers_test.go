package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/auth"
	"github.com/MarcoPoloResearchLab/parley/internal/blobstore"
	"github.com/MarcoPoloResearchLab/parley/internal/conversations"
	"github.com/MarcoPoloResearchLab/parley/internal/database"
	"github.com/MarcoPoloResearchLab/parley/internal/identity"
	"github.com/MarcoPoloResearchLab/parley/internal/ids"
	"github.com/MarcoPoloResearchLab/parley/internal/messages"
	"github.com/MarcoPoloResearchLab/parley/internal/metrics"
	"github.com/MarcoPoloResearchLab/parley/internal/notify"
	"github.com/MarcoPoloResearchLab/parley/internal/quotes"
	"github.com/MarcoPoloResearchLab/parley/internal/realtime"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "server-test-secret"
	testCookieName    = "app_session"
	testIssuer        = "tauth"
	testBuyerID       = "buyer-1"
	testProviderID    = "provider-1"
	testStrangerID    = "stranger-1"
	jsonContentType   = "application/json"
)

type apiHarness struct {
	server     *httptest.Server
	db         *gorm.DB
	dispatcher *realtime.Dispatcher
	metrics    *metrics.Collector
	blobRoot   string
}

type harnessOptions struct {
	rateLimit RateLimitConfig
	heartbeat time.Duration
}

func newAPIHarness(t *testing.T, options harnessOptions) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	var handler http.Handler
	testServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(testServer.Close)

	db := newTestDatabase(t)
	collector := metrics.NewCollector()
	dispatcher := realtime.NewDispatcher(realtime.DispatcherConfig{Metrics: collector})
	notifier, err := notify.NewDispatcher(notify.DispatcherConfig{Sink: notify.NewLogSink(zap.NewNop()), Metrics: collector})
	if err != nil {
		t.Fatalf("failed to build notifier: %v", err)
	}
	t.Cleanup(notifier.Close)

	signer, err := blobstore.NewURLSigner(blobstore.URLSignerConfig{SigningSecret: []byte("blob-secret")})
	if err != nil {
		t.Fatalf("failed to build signer: %v", err)
	}
	blobRoot := t.TempDir()
	blobs, err := blobstore.NewFilesystemStore(blobstore.FilesystemConfig{
		Root:          blobRoot,
		PublicBaseURL: testServer.URL,
		Signer:        signer,
	})
	if err != nil {
		t.Fatalf("failed to build blob store: %v", err)
	}

	idProvider := ids.NewUUIDProvider()
	registry, err := conversations.NewRegistry(conversations.RegistryConfig{Database: db, IDProvider: idProvider})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	store, err := messages.NewStore(messages.StoreConfig{
		Database:    db,
		IDProvider:  idProvider,
		Registry:    registry,
		ObjectStore: blobs,
		Publisher:   dispatcher,
		Notifier:    notifier,
		Metrics:     collector,
	})
	if err != nil {
		t.Fatalf("failed to build message store: %v", err)
	}
	linker, err := messages.NewAttachmentLinker(messages.LinkerConfig{
		Database:    db,
		IDProvider:  idProvider,
		Registry:    registry,
		ObjectStore: blobs,
		Metrics:     collector,
	})
	if err != nil {
		t.Fatalf("failed to build attachment linker: %v", err)
	}
	engine, err := quotes.NewEngine(quotes.EngineConfig{
		Database:     db,
		IDProvider:   idProvider,
		RefGenerator: quotes.NewRandomRefGenerator(),
		Registry:     registry,
		Messages:     store,
		Publisher:    dispatcher,
		Notifier:     notifier,
		Metrics:      collector,
	})
	if err != nil {
		t.Fatalf("failed to build quote engine: %v", err)
	}
	identities, err := identity.NewService(identity.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build identity service: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to build session validator: %v", err)
	}

	handler, err = NewHTTPHandler(Dependencies{
		SessionValidator:  validator,
		Actors:            identities,
		Conversations:     registry,
		Quotes:            engine,
		Messages:          store,
		Attachments:       linker,
		Blobs:             blobs,
		Realtime:          dispatcher,
		Database:          db,
		Metrics:           collector,
		Logger:            zap.NewNop(),
		RequestTimeout:    5 * time.Second,
		RateLimit:         options.rateLimit,
		HeartbeatInterval: options.heartbeat,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	return &apiHarness{
		server:     testServer,
		db:         db,
		dispatcher: dispatcher,
		metrics:    collector,
		blobRoot:   blobRoot,
	}
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:parley_server_%d?mode=memory&cache=shared", time.Now().UnixNano())
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
	if err := database.Migrate(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func mintSessionToken(t *testing.T, userID string, now time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign session token: %v", err)
	}
	return signed
}

// do sends a JSON request as userID (anonymous when empty) and decodes the response into out.
func (h *apiHarness) do(t *testing.T, userID, method, path string, body any, out any) int {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, h.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", jsonContentType)
	}
	if userID != "" {
		request.AddCookie(&http.Cookie{Name: testCookieName, Value: mintSessionToken(t, userID, time.Now())})
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	if out != nil {
		if err := json.NewDecoder(response.Body).Decode(out); err != nil && err != io.EOF {
			t.Fatalf("failed to decode %s %s response: %v", method, path, err)
		}
	}
	return response.StatusCode
}
