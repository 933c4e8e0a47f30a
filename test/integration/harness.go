// Package integration provides a reusable test harness for end-to-end
// testing of the work-order service. It starts the full HTTP stack together
// with the event bus, the notification matcher, the dispatcher and the retry
// manager, backed by in-memory stores or by an embedded Redis.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/workorder/internal/channel"
	"github.com/pitabwire/workorder/internal/config"
	"github.com/pitabwire/workorder/internal/definition"
	"github.com/pitabwire/workorder/internal/events"
	"github.com/pitabwire/workorder/internal/idempotency"
	"github.com/pitabwire/workorder/internal/identity"
	"github.com/pitabwire/workorder/internal/notify"
	"github.com/pitabwire/workorder/internal/observability"
	"github.com/pitabwire/workorder/internal/transport"
	"github.com/pitabwire/workorder/internal/workorder"
	"github.com/pitabwire/workorder/model"
)

// TestHarness encapsulates a fully wired service with a webhook receiver
// and an in-process email sender.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Registry    *definition.Registry
	Directory   *identity.StaticDirectory
	Instances   workorder.InstanceStore
	Engine      *workorder.Engine
	Bus         events.Bus
	Queue       notify.Queue
	Logs        notify.LogStore
	Dispatcher  *notify.Dispatcher
	Retries     *notify.RetryManager
	Admin       *notify.Admin
	Idempotency idempotency.Store
	Metrics     *observability.Metrics
	Registerer  *prometheus.Registry
	Email       *EmailOutbox
	Webhooks    *WebhookReceiver
	Redis       *miniredis.Miniredis

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs []string
	directoryFile  string
	redis          bool
	handlerTimeout time.Duration
	retryInterval  time.Duration
	pollInterval   time.Duration
}

// WithDefinitions sets the definition directories to load.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *harnessConfig) { c.definitionDirs = dirs }
}

// WithRedis backs the event bus, the queue and the idempotency store with an
// embedded Redis instead of memory.
func WithRedis() HarnessOption {
	return func(c *harnessConfig) { c.redis = true }
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.handlerTimeout = d }
}

// NewTestHarness creates and starts a full service instance. Background
// workers and the server are stopped when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		retryInterval:  25 * time.Millisecond,
		pollInterval:   10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(hc)
	}
	if len(hc.definitionDirs) == 0 {
		hc.definitionDirs = []string{filepath.Join(testdataDir(), "definitions")}
	}
	if hc.directoryFile == "" {
		hc.directoryFile = filepath.Join(testdataDir(), "directory.yaml")
	}

	h := &TestHarness{t: t}
	logger := zap.NewNop()

	// Step 1: Definitions.
	files, err := definition.NewLoader().LoadAll(hc.definitionDirs)
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	if verrs := definition.NewValidator().Validate(files); len(verrs) > 0 {
		t.Fatalf("definitions invalid: %v", verrs)
	}
	if h.Registry, err = definition.NewRegistry(files); err != nil {
		t.Fatalf("build registry: %v", err)
	}

	// Step 2: Identity.
	if h.Directory, err = identity.NewStaticDirectory(hc.directoryFile); err != nil {
		t.Fatalf("load directory: %v", err)
	}
	h.Registerer = prometheus.NewRegistry()
	h.Metrics = observability.InitMetrics(h.Registerer)
	capResolver := identity.NewResolver(h.Directory, time.Minute, 0, h.Metrics)

	// Step 3: Config.
	h.issuer = newTokenIssuer(t)
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity = config.IdentityConfig{
		Issuer:        h.issuer.issuer,
		Audience:      h.issuer.audience,
		Algorithms:    []string{"RS256"},
		PublicKeyFile: h.issuer.publicKeyFile,
	}
	h.cfg.Notification.PollInterval = hc.pollInterval
	h.cfg.Notification.RetrySweepInterval = hc.retryInterval
	h.cfg.Observability.Metrics.Enabled = true

	// Step 4: Stores, queue and bus.
	h.Instances = workorder.NewMemoryStore()
	configs := notify.NewMemoryConfigStore()
	h.Logs = notify.NewMemoryLogStore()
	if hc.redis {
		h.Redis = miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
		t.Cleanup(func() { client.Close() })
		h.Queue = notify.NewRedisQueue(client, notify.WithQueuePrefix("it:"))
		h.Bus = events.NewRedisStreamBus(client, "it:events", logger,
			events.WithGroup("workorder", "it-1"),
			events.WithBlock(20*time.Millisecond),
			events.WithRetryDelay(20*time.Millisecond),
		)
		h.Idempotency = idempotency.NewRedisStore(client, idempotency.WithPrefix("it:"))
	} else {
		h.Queue = notify.NewMemoryQueue()
		h.Bus = events.NewMemoryBus(64, logger)
		h.Idempotency = idempotency.NewMemoryStore()
	}

	// Step 5: Engine and notification pipeline.
	h.Engine = workorder.NewEngine(h.Registry, h.Instances, h.Directory, capResolver, h.Bus, logger,
		workorder.WithMetrics(h.Metrics))

	h.Email = &EmailOutbox{}
	h.Webhooks = newWebhookReceiver(t)
	senders := channel.NewSenders(h.Email, channel.NewWebhookSender("it-secret", 5*time.Second))
	h.Dispatcher = notify.NewDispatcher(h.cfg.Notification, h.Queue, h.Logs, senders, logger,
		notify.WithDispatcherMetrics(h.Metrics), notify.WithInstances(h.Instances))
	h.Retries = notify.NewRetryManager(h.cfg.Notification, h.Queue, h.Dispatcher, logger,
		notify.WithRetryMetrics(h.Metrics))
	matcher := notify.NewMatcher(configs, h.Queue, h.Directory, logger,
		notify.WithMatcherMetrics(h.Metrics))
	h.Admin = notify.NewAdmin(configs, h.Queue, h.Logs, h.Dispatcher, h.Directory, logger)
	if _, err := h.Admin.SeedDefaults(context.Background(), h.Registry.DefaultNotifications()); err != nil {
		t.Fatalf("seed defaults: %v", err)
	}
	h.Bus.Subscribe("notification-matcher", matcher.Handle)

	// Step 6: Router and server.
	keys, err := transport.LoadKeySet(h.cfg.Identity)
	if err != nil {
		t.Fatalf("load key set: %v", err)
	}
	router := transport.NewRouter(transport.Dependencies{
		Config:             h.cfg,
		Logger:             logger,
		Metrics:            h.Metrics,
		Authenticate:       transport.JWTAuthenticator(h.cfg.Identity, keys),
		CapabilityResolver: capResolver,
		Registry:           h.Registry,
		Engine:             h.Engine,
		Notifications:      h.Admin,
		Idempotency:        h.Idempotency,
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return len(h.Registry.AllProcesses()) > 0 },
			Channels: func() []string {
				var names []string
				for _, ch := range h.Dispatcher.Channels() {
					names = append(names, string(ch))
				}
				return names
			},
		},
	})
	h.server = httptest.NewServer(router)

	// Step 7: Background workers.
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, run := range []func(context.Context) error{h.Bus.Run, h.Dispatcher.Run, h.Retries.Run} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = run(ctx)
		}()
	}
	t.Cleanup(func() {
		h.server.Close()
		cancel()
		wg.Wait()
		_ = h.Bus.Close()
	})

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string { return h.server.URL }

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// Do performs a request with an optional bearer token, JSON body and extra
// header pairs.
func (h *TestHarness) Do(method, path, token string, body any, header ...string) *http.Response {
	h.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
	}
	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, &buf)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodGet, path, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string, header ...string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodPost, path, token, body, header...)
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code and
// closes the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != expected {
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// ErrorCode returns the error code of an error envelope response.
func (h *TestHarness) ErrorCode(resp *http.Response) string {
	h.t.Helper()
	var env struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.ParseJSON(resp, &env)
	return env.Error.Code
}

// Eventually polls cond until it holds or the deadline passes.
func (h *TestHarness) Eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// --- Workorder helpers ---

// CreateWorkorder creates a maintenance request as claims and returns it.
func (h *TestHarness) CreateWorkorder(t *testing.T, claims TestClaims, title string) model.WorkorderInstance {
	t.Helper()
	var inst model.WorkorderInstance
	resp := h.POST("/api/v1/workorders", workorder.CreateRequest{
		ProcessID: "maintenance",
		Title:     title,
		FormData:  map[string]any{"location": "Building B, floor 2", "urgency": "high"},
	}, h.GenerateToken(claims))
	h.AssertJSON(t, resp, http.StatusCreated, &inst)
	return inst
}

// Transition applies action to the instance and returns the response.
func (h *TestHarness) Transition(claims TestClaims, id string, req workorder.TransitionRequest, header ...string) *http.Response {
	h.t.Helper()
	return h.POST("/api/v1/workorders/"+id+"/transitions", req, h.GenerateToken(claims), header...)
}

// --- Email outbox ---

// EmailOutbox is an in-process email sender that records every message.
type EmailOutbox struct {
	mu   sync.Mutex
	sent []channel.Message
}

// Channel implements channel.Sender.
func (o *EmailOutbox) Channel() model.Channel { return model.ChannelEmail }

// Send implements channel.Sender.
func (o *EmailOutbox) Send(_ context.Context, msg channel.Message) error {
	if msg.Address == "" {
		return channel.ErrNoAddress
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, msg)
	return nil
}

// Sent returns the delivered messages in order.
func (o *EmailOutbox) Sent() []channel.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]channel.Message(nil), o.sent...)
}

// --- Default test claims ---

// RequesterClaims returns claims for a user who files requests.
func RequesterClaims() TestClaims {
	return TestClaims{SubjectID: "u-ana", Email: "ana@example.com", Namespace: "facilities", Department: "facilities"}
}

// DispatcherClaims returns claims for the dispatcher who triages requests.
func DispatcherClaims() TestClaims {
	return TestClaims{SubjectID: "u-dev", Email: "dev@example.com", Namespace: "facilities", Department: "facilities"}
}

// TechnicianClaims returns claims for a technician who carries out repairs.
func TechnicianClaims() TestClaims {
	return TestClaims{SubjectID: "u-tom", Email: "tom@example.com", Namespace: "facilities", Department: "facilities"}
}

// AdminClaims returns claims for an administrator.
func AdminClaims() TestClaims {
	return TestClaims{SubjectID: "u-mia", Email: "mia@example.com", Namespace: "facilities", Department: "operations"}
}

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}
