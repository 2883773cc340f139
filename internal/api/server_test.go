package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pet-image-pipeline/internal/consumer"
	"github.com/JakeFAU/pet-image-pipeline/internal/dispatch"
	"github.com/JakeFAU/pet-image-pipeline/internal/expiration"
	"github.com/JakeFAU/pet-image-pipeline/internal/images"
	"github.com/JakeFAU/pet-image-pipeline/internal/pet"
	queuemem "github.com/JakeFAU/pet-image-pipeline/internal/queue/memory"
	"github.com/JakeFAU/pet-image-pipeline/internal/retry"
	"github.com/JakeFAU/pet-image-pipeline/internal/storage/memory"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type fakeIDGen struct {
	mu     sync.Mutex
	prefix string
	n      int
}

func (f *fakeIDGen) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return fmt.Sprintf("%s_%d", f.prefix, f.n), nil
}

type fakeTrigger struct {
	err error
}

func (f fakeTrigger) TriggerScreenshots(context.Context, string, []pet.Ref) error {
	return f.err
}

type testEnv struct {
	server *Server
	store  *memory.RecordStore
	blobs  *memory.BlobStore
	audit  *memory.AuditLog
	queue  *queuemem.Queue
}

func newTestEnv(t *testing.T, trigger pet.ScreenshotTrigger, records ...pet.Record) testEnv {
	t.Helper()
	if trigger == nil {
		trigger = fakeTrigger{}
	}
	clock := fakeClock{now: testNow}
	store := memory.NewRecordStore(records...)
	blobs := memory.NewBlobStore()
	audit := memory.NewAuditLog()
	queue := queuemem.NewQueue()
	reconciler := images.New(store, blobs, clock, nil, "https://cdn.example")
	noSleep := func(context.Context, time.Duration) error { return nil }
	engine := dispatch.New(reconciler, audit, trigger, &fakeIDGen{prefix: "batch"}, clock, noSleep, nil, dispatch.Config{
		Retry: retry.Config{MaxAttempts: 2, Delay: time.Millisecond, Multiplier: 2},
	})
	manager := expiration.New(store, blobs, audit, &fakeIDGen{prefix: "cleanup"}, clock, nil, expiration.Config{})
	producer := consumer.NewProducer(queue, &fakeIDGen{prefix: "msg"}, clock)

	server := NewServer(Deps{
		Dispatch:   engine,
		Images:     reconciler,
		Expiration: manager,
		Producer:   producer,
		Audit:      audit,
	}, Options{MaxUploadBytes: 16}, zap.NewNop())
	return testEnv{server: server, store: store, blobs: blobs, audit: audit, queue: queue}
}

func (e testEnv) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func dog(id string, age time.Duration) pet.Record {
	return pet.Record{ID: id, Type: pet.TypeDog, Name: "Rex " + id, SourceURL: "https://s/" + id, CreatedAt: testNow.Add(-age)}
}

func TestDispatchEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, dog("a", 2*time.Hour), dog("b", time.Hour))
	rec := env.do(t, http.MethodPost, "/dispatch", []byte(`{"limit":1}`))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	require.Equal(t, true, body["success"])
	require.Equal(t, "batch_1", body["batchId"])
	require.Equal(t, float64(1), body["count"])
	pets := body["pets"].([]any)
	require.Len(t, pets, 1)
	require.Equal(t, map[string]any{"id": "b", "name": "Rex b"}, pets[0])
}

func TestDispatchEndpointEmptyBodyAndNoRecords(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/dispatch", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, true, body["success"])
	require.Equal(t, float64(0), body["count"])
	require.Equal(t, []any{}, body["pets"])
}

func TestDispatchEndpointInvalidInput(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, dog("a", time.Hour))
	for _, payload := range []string{`{"limit":-1}`, `{"limit":1000}`, `{"limit":0}`, `{bad`} {
		rec := env.do(t, http.MethodPost, "/dispatch", []byte(payload))
		require.Equal(t, http.StatusBadRequest, rec.Code, payload)
		require.Equal(t, false, decode(t, rec)["success"])
	}
}

func TestDispatchEndpointRemoteFailure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, fakeTrigger{err: errors.New("workflow down")}, dog("a", time.Hour))
	rec := env.do(t, http.MethodPost, "/dispatch", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode(t, rec)
	require.Equal(t, false, body["success"])
	require.Contains(t, body["error"], "workflow down")

	batch, ok := env.audit.Batch("batch_1")
	require.True(t, ok)
	require.Equal(t, pet.BatchFailed, batch.Status)
}

func TestScheduledEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, dog("a", time.Hour))
	rec := env.do(t, http.MethodPost, "/scheduled", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, float64(1), decode(t, rec)["count"])
}

func TestScreenshotCallback(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, dog("a", time.Hour))
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/dispatch", nil).Code)

	rec := env.do(t, http.MethodPost, "/callbacks/screenshot", []byte(`{"batchId":"batch_1","completed":["a"]}`))
	require.Equal(t, http.StatusOK, rec.Code)
	batch, _ := env.audit.Batch("batch_1")
	require.Equal(t, pet.BatchCompleted, batch.Status)

	rec = env.do(t, http.MethodPost, "/callbacks/screenshot", []byte(`{"batchId":"batch_1","completed":["a"]}`))
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/callbacks/screenshot", []byte(`{"batchId":"nope"}`))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/callbacks/screenshot", []byte(`{}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestImageLifecycleEndpoints(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, dog("a", time.Hour))

	rec := env.do(t, http.MethodPut, "/images/a/jpg", []byte("jpeg"))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "https://cdn.example/pets/dogs/a/original.jpg", decode(t, rec)["url"])

	rec = env.do(t, http.MethodGet, "/images/a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode(t, rec)
	require.Equal(t, true, status["found"])
	require.Equal(t, true, status["hasJpeg"])
	require.Equal(t, false, status["hasWebp"])

	rec = env.do(t, http.MethodGet, "/images/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode(t, rec)
	require.Equal(t, float64(1), stats["totalPets"])
	require.Equal(t, float64(1), stats["petsWithJpeg"])

	rec = env.do(t, http.MethodDelete, "/images/a?format=jpeg", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stored, err := env.store.Get(context.Background(), "a")
	require.NoError(t, err)
	require.False(t, stored.HasJPEG)
	require.Empty(t, env.blobs.Keys())
}

func TestImageEndpointErrors(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, dog("a", time.Hour))

	rec := env.do(t, http.MethodGet, "/images/ghost", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, false, decode(t, rec)["found"])

	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodPut, "/images/ghost/webp", []byte("x")).Code)
	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPut, "/images/a/png", []byte("x")).Code)
	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPut, "/images/a/webp", nil).Code)
	require.Equal(t, http.StatusRequestEntityTooLarge, env.do(t, http.MethodPut, "/images/a/webp", bytes.Repeat([]byte("x"), 17)).Code)
	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodDelete, "/images/a?format=gif", nil).Code)
	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/images/ghost", nil).Code)
}

func TestReconcileEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, dog("a", time.Hour))
	require.NoError(t, env.blobs.Put(context.Background(), "pets/dogs/a/optimized.webp", "image/webp", []byte("w")))

	rec := env.do(t, http.MethodPost, "/images/a/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, decode(t, rec)["hasWebp"])

	stored, err := env.store.Get(context.Background(), "a")
	require.NoError(t, err)
	require.True(t, stored.HasWebP)
}

func TestPendingAndMissingEndpoints(t *testing.T) {
	t.Parallel()

	requested := testNow.Add(-time.Minute)
	pending := dog("p", time.Hour)
	pending.ScreenshotRequestedAt = &requested
	env := newTestEnv(t, nil, pending, dog("m", 2*time.Hour))

	rec := env.do(t, http.MethodGet, "/images/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode(t, rec)["pets"], 1)

	rec = env.do(t, http.MethodGet, "/images/missing?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pets := decode(t, rec)["pets"].([]any)
	require.Len(t, pets, 1)
	require.Equal(t, "p", pets[0].(map[string]any)["id"])

	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/images/missing?limit=abc", nil).Code)
}

func TestCleanupEndpoints(t *testing.T) {
	t.Parallel()

	expired := testNow.Add(-time.Hour)
	old := dog("old", 30*24*time.Hour)
	old.ExpiresAt = &expired
	env := newTestEnv(t, nil, old, dog("fresh", time.Hour))

	rec := env.do(t, http.MethodGet, "/cleanup/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode(t, rec)
	require.Equal(t, float64(2), stats["totalPets"])
	require.Equal(t, float64(1), stats["expiredPets"])

	rec = env.do(t, http.MethodPost, "/cleanup/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode(t, rec)["result"].(map[string]any)
	require.Equal(t, "cleanup_1", result["batchId"])

	batch, ok := env.audit.Batch("cleanup_1")
	require.True(t, ok)
	require.Equal(t, pet.BatchCleanupCompleted, batch.Status)

	rec = env.do(t, http.MethodPost, "/cleanup/backfill-ttl", []byte(`{"days":30}`))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, float64(1), decode(t, rec)["updated"])

	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/cleanup/backfill-ttl", []byte(`{"days":0}`)).Code)
}

func TestEnqueueMessageEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/queue/messages",
		[]byte(`{"type":"crawl","payload":{"pets":[{"id":"a","sourceUrl":"https://s/a","type":"dog"}]}}`))
	require.Equal(t, http.StatusAccepted, rec.Code)

	published := env.queue.Published()
	require.Len(t, published, 1)
	require.Equal(t, "msg_1", published[0].Message.ID)
	require.Equal(t, pet.DefaultMaxRetries, published[0].Message.MaxRetries)
	require.Equal(t, testNow, published[0].Message.Timestamp)

	rec = env.do(t, http.MethodPost, "/queue/messages", []byte(`{"type":"resize","payload":{}}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodPost, "/queue/messages", []byte(`{"type":"crawl","payload":{}}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Len(t, env.queue.Published(), 1)
}

func TestAuditEndpoints(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, fakeTrigger{err: errors.New("boom")}, dog("a", time.Hour))
	require.Equal(t, http.StatusInternalServerError, env.do(t, http.MethodPost, "/dispatch", nil).Code)

	rec := env.do(t, http.MethodGet, "/audit/batches?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	batches := decode(t, rec)["batches"].([]any)
	require.Len(t, batches, 1)
	require.Equal(t, "failed", batches[0].(map[string]any)["status"])

	rec = env.do(t, http.MethodGet, "/audit/failures", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	failures := decode(t, rec)["failures"].([]any)
	require.Len(t, failures, 1)
	require.Equal(t, float64(2), failures[0].(map[string]any)["attempts"])
}

func TestProbesAndMetrics(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/readyz", nil).Code)

	rec := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")

	env.server.deps.Ready = func(context.Context) error { return errors.New("db down") }
	require.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/readyz", nil).Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/healthz", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "given")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "given", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	s := &Server{logger: zap.NewNop()}
	h := s.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

// slowTrigger outlasts the request timeout before failing.
type slowTrigger struct {
	delay time.Duration
	err   error
}

func (s slowTrigger) TriggerScreenshots(context.Context, string, []pet.Ref) error {
	time.Sleep(s.delay)
	return s.err
}

func TestDispatchOutlivesRequestTimeout(t *testing.T) {
	t.Parallel()

	clock := fakeClock{now: testNow}
	store := memory.NewRecordStore(dog("a", time.Hour))
	blobs := memory.NewBlobStore()
	audit := memory.NewAuditLog()
	reconciler := images.New(store, blobs, clock, nil, "")
	noSleep := func(context.Context, time.Duration) error { return nil }
	trigger := slowTrigger{delay: 50 * time.Millisecond, err: errors.New("workflow 503")}
	engine := dispatch.New(reconciler, audit, trigger, &fakeIDGen{prefix: "batch"}, clock, noSleep, nil, dispatch.Config{
		Retry: retry.Config{MaxAttempts: 2, Delay: time.Millisecond, Multiplier: 2},
	})
	server := NewServer(Deps{
		Dispatch:   engine,
		Images:     reconciler,
		Expiration: expiration.New(store, blobs, audit, &fakeIDGen{prefix: "cleanup"}, clock, nil, expiration.Config{}),
		Producer:   consumer.NewProducer(queuemem.NewQueue(), &fakeIDGen{prefix: "msg"}, clock),
		Audit:      audit,
	}, Options{RequestTimeout: 10 * time.Millisecond}, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/dispatch", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode(t, rec)
	require.Equal(t, false, body["success"])
	require.Equal(t, "batch_1", body["batchId"])
	require.Contains(t, body["error"], "workflow 503")

	batch, ok := audit.Batch("batch_1")
	require.True(t, ok)
	require.Equal(t, pet.BatchFailed, batch.Status)
	failures := audit.Failures()
	require.Len(t, failures, 1)
	require.Equal(t, 2, failures[0].Attempts)
}
