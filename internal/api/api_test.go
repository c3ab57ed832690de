package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/starford/chatshelf/internal/batch"
	"github.com/starford/chatshelf/internal/changes"
	"github.com/starford/chatshelf/internal/checksum"
	"github.com/starford/chatshelf/internal/index"
	"github.com/starford/chatshelf/internal/models"
	"github.com/starford/chatshelf/internal/sessionservice"
	"github.com/starford/chatshelf/internal/storage"
	"github.com/starford/chatshelf/internal/syncer"
	"github.com/starford/chatshelf/internal/testutil"
)

type testEnv struct {
	docs   *storage.FS
	orch   *syncer.Orchestrator
	router http.Handler
}

type envOptions struct {
	authEnabled bool
	token       string
	sse         http.Handler
	limiter     *rate.Limiter
}

// newTestEnv wires a real index engine over a temp sessions directory. Batches
// of one make every write visible in the index before the handler returns.
func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	_, docs := testutil.TestSessions(t)
	state := t.TempDir()
	logger := testutil.Logger()

	store := index.NewStore(filepath.Join(state, "index.json"), logger)
	det := changes.NewDetector(docs, filepath.Join(state, "fingerprints.json"), checksum.SHA256{}, logger)
	orch := syncer.New(docs, store, det, syncer.Config{
		Batch: batch.Config{MaxBatchSize: 1, Interval: time.Hour},
	}, logger)
	svc := sessionservice.NewService(docs, orch, nil, logger)

	return &testEnv{
		docs:   docs,
		orch:   orch,
		router: NewRouter(svc, orch, opts.authEnabled, opts.token, opts.sse, opts.limiter),
	}
}

func (e *testEnv) do(t *testing.T, method, target string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %T: %v (body %s)", v, err, w.Body.String())
	}
	return v
}

func newSession(id, title string, tags ...string) models.SessionDocument {
	return models.SessionDocument{
		ID:       id,
		Title:    title,
		Tags:     tags,
		Messages: []models.Message{{Role: "user", Content: "hello"}, {Role: "assistant", Content: "hi"}},
	}
}

func TestCreateAndGetSession(t *testing.T) {
	e := newTestEnv(t, envOptions{})

	w := e.do(t, http.MethodPost, "/sessions", newSession("hello", "Hello", "greeting"))
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	if w.Header().Get("ETag") == "" {
		t.Error("create should set ETag")
	}

	w = e.do(t, http.MethodGet, "/sessions/hello", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	got := decode[SessionDetail](t, w)
	if got.ID != "hello" {
		t.Errorf("id = %q", got.ID)
	}
	if got.Entry == nil {
		t.Fatal("entry should be indexed after create")
	}
	if got.Entry.Title != "Hello" || got.Entry.MessageCount != 2 {
		t.Errorf("entry = %+v", got.Entry)
	}
	if w.Header().Get("ETag") != `"`+got.Checksum+`"` {
		t.Errorf("ETag = %q, checksum = %q", w.Header().Get("ETag"), got.Checksum)
	}
}

func TestCreateGeneratesID(t *testing.T) {
	e := newTestEnv(t, envOptions{})

	w := e.do(t, http.MethodPost, "/sessions", newSession("", "Anonymous"))
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	if got := decode[SessionDetail](t, w); got.ID == "" {
		t.Error("expected generated id")
	}
}

func TestCreateDuplicate(t *testing.T) {
	e := newTestEnv(t, envOptions{})

	if w := e.do(t, http.MethodPost, "/sessions", newSession("dup", "a")); w.Code != http.StatusCreated {
		t.Fatalf("first create = %d", w.Code)
	}
	if w := e.do(t, http.MethodPost, "/sessions", newSession("dup", "a")); w.Code != http.StatusConflict {
		t.Errorf("duplicate create = %d, want 409", w.Code)
	}
}

func TestCreateInvalid(t *testing.T) {
	e := newTestEnv(t, envOptions{})

	doc := newSession("bad", "x")
	doc.Messages = []models.Message{{Role: "robot", Content: "beep"}}
	if w := e.do(t, http.MethodPost, "/sessions", doc); w.Code != http.StatusBadRequest {
		t.Errorf("invalid role = %d, want 400", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body = %d, want 400", w.Code)
	}
}

func TestUpdateWithOptimisticLocking(t *testing.T) {
	e := newTestEnv(t, envOptions{})

	w := e.do(t, http.MethodPost, "/sessions", newSession("lock", "v1"))
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d", w.Code)
	}
	created := decode[SessionDetail](t, w)

	w = e.do(t, http.MethodPut, "/sessions/lock", newSession("lock", "v2"), "If-Match", `"`+created.Checksum+`"`)
	if w.Code != http.StatusOK {
		t.Fatalf("update with correct checksum = %d, body = %s", w.Code, w.Body.String())
	}
	updated := decode[SessionDetail](t, w)
	if updated.Entry == nil || updated.Entry.Title != "v2" {
		t.Errorf("entry after update = %+v", updated.Entry)
	}

	// The first checksum is stale now.
	w = e.do(t, http.MethodPut, "/sessions/lock", newSession("lock", "v3"), "If-Match", created.Checksum)
	if w.Code != http.StatusConflict {
		t.Errorf("update with stale checksum = %d, want 409", w.Code)
	}
}

func TestUpdateWithoutIfMatch(t *testing.T) {
	e := newTestEnv(t, envOptions{})

	e.do(t, http.MethodPost, "/sessions", newSession("nolock", "v1"))
	if w := e.do(t, http.MethodPut, "/sessions/nolock", newSession("", "v2")); w.Code != http.StatusOK {
		t.Errorf("update without If-Match = %d, want 200", w.Code)
	}
}

func TestUpdateIDMismatch(t *testing.T) {
	e := newTestEnv(t, envOptions{})

	e.do(t, http.MethodPost, "/sessions", newSession("a", "v1"))
	if w := e.do(t, http.MethodPut, "/sessions/a", newSession("b", "v2")); w.Code != http.StatusBadRequest {
		t.Errorf("mismatched id = %d, want 400", w.Code)
	}
}

func TestUpdateSession_NotFound(t *testing.T) {
	e := newTestEnv(t, envOptions{})

	if w := e.do(t, http.MethodPut, "/sessions/ghost", newSession("", "x")); w.Code != http.StatusNotFound {
		t.Errorf("update missing = %d, want 404", w.Code)
	}
}

func TestDeleteSession(t *testing.T) {
	e := newTestEnv(t, envOptions{})

	e.do(t, http.MethodPost, "/sessions", newSession("gone", "bye"))
	if w := e.do(t, http.MethodDelete, "/sessions/gone", nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete = %d, want 204", w.Code)
	}
	if _, ok := e.orch.Get("gone"); ok {
		t.Error("deleted session should leave the index")
	}
	if w := e.do(t, http.MethodGet, "/sessions/gone", nil); w.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", w.Code)
	}
	if w := e.do(t, http.MethodDelete, "/sessions/gone", nil); w.Code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", w.Code)
	}
}

func TestGetSession_NotFound(t *testing.T) {
	e := newTestEnv(t, envOptions{})

	if w := e.do(t, http.MethodGet, "/sessions/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing session = %d, want 404", w.Code)
	}
}

func TestGetSession_InvalidID(t *testing.T) {
	e := newTestEnv(t, envOptions{})

	if w := e.do(t, http.MethodGet, "/sessions/.hidden", nil); w.Code != http.StatusBadRequest {
		t.Errorf("invalid id = %d, want 400", w.Code)
	}
}

func TestListSessions(t *testing.T) {
	e := newTestEnv(t, envOptions{})

	day := func(d int) time.Time { return time.Date(2024, 5, d, 9, 0, 0, 0, time.UTC) }
	for i, s := range []struct {
		id  string
		tag string
	}{{"a", "work"}, {"b", "home"}, {"c", "work"}} {
		if err := e.docs.WriteDocument(s.id, testutil.SessionJSON(s.id, s.id, day(i+1), s.tag)); err != nil {
			t.Fatal(err)
		}
	}
	if w := e.do(t, http.MethodPost, "/index/reconcile", nil); w.Code != http.StatusOK {
		t.Fatalf("reconcile = %d", w.Code)
	}

	all := decode[SessionListResponse](t, e.do(t, http.MethodGet, "/sessions", nil))
	if all.Total != 3 || len(all.Sessions) != 3 || all.Sessions[0].ID != "c" {
		t.Errorf("all = %+v", all)
	}

	work := decode[SessionListResponse](t, e.do(t, http.MethodGet, "/sessions?tag=work", nil))
	if work.Total != 2 {
		t.Errorf("tag=work total = %d, want 2", work.Total)
	}

	ranged := decode[SessionListResponse](t, e.do(t, http.MethodGet, "/sessions?from=2024-05-02&to=2024-05-02", nil))
	if ranged.Total != 1 || ranged.Sessions[0].ID != "b" {
		t.Errorf("date range = %+v", ranged)
	}

	page := decode[SessionListResponse](t, e.do(t, http.MethodGet, "/sessions?limit=1&offset=1", nil))
	if page.Total != 3 || len(page.Sessions) != 1 || page.Sessions[0].ID != "b" {
		t.Errorf("page = %+v", page)
	}

	if w := e.do(t, http.MethodGet, "/sessions?from=yesterday", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad from = %d, want 400", w.Code)
	}
}

func TestSearchEndpoint(t *testing.T) {
	e := newTestEnv(t, envOptions{})

	e.do(t, http.MethodPost, "/sessions", newSession("s1", "Sourdough starter", "baking"))
	e.do(t, http.MethodPost, "/sessions", newSession("s2", "Tax questions"))

	w := e.do(t, http.MethodGet, "/search?q=sourdough", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("search = %d", w.Code)
	}
	res := decode[SearchResponse](t, w)
	if len(res.Results) != 1 || res.Results[0].ID != "s1" {
		t.Errorf("results = %+v", res.Results)
	}
}

func TestSearchMissingQuery(t *testing.T) {
	e := newTestEnv(t, envOptions{})

	if w := e.do(t, http.MethodGet, "/search", nil); w.Code != http.StatusBadRequest {
		t.Errorf("search no query = %d, want 400", w.Code)
	}
}

func TestReconcileAndStats(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	testutil.WriteSession(t, e.docs, "x", "X")
	testutil.WriteSession(t, e.docs, "y", "Y")

	w := e.do(t, http.MethodPost, "/index/reconcile", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reconcile = %d, body = %s", w.Code, w.Body.String())
	}
	res := decode[ReconcileResponse](t, w)
	if res.Added != 2 || res.Processed != 2 || len(res.Errors) != 0 {
		t.Errorf("reconcile = %+v", res)
	}

	stats := decode[syncer.Stats](t, e.do(t, http.MethodGet, "/index/stats", nil))
	if stats.TotalIndexed != 2 {
		t.Errorf("totalIndexed = %d, want 2", stats.TotalIndexed)
	}
	if stats.LastReconcile.IsZero() {
		t.Error("lastReconcile should be set")
	}
}

func TestReconcileSurvivesClientDisconnect(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	testutil.WriteSession(t, e.docs, "x", "X")
	testutil.WriteSession(t, e.docs, "y", "Y")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/index/reconcile", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("reconcile with gone client = %d, body = %s", w.Code, w.Body.String())
	}
	if res := decode[ReconcileResponse](t, w); res.Added != 2 {
		t.Errorf("added = %d, want 2", res.Added)
	}

	// The fingerprint table survived, so nothing is reported as new.
	res := decode[ReconcileResponse](t, e.do(t, http.MethodPost, "/index/reconcile", nil))
	if res.Added != 0 || res.Processed != 2 {
		t.Errorf("second pass = %+v", res)
	}
}

func TestFlushEndpoint(t *testing.T) {
	e := newTestEnv(t, envOptions{})

	w := e.do(t, http.MethodPost, "/index/flush", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("flush = %d", w.Code)
	}
	if res := decode[FlushResponse](t, w); res.Flushed != 0 {
		t.Errorf("empty flush = %+v", res)
	}
}

func TestReconcileRateLimited(t *testing.T) {
	e := newTestEnv(t, envOptions{limiter: rate.NewLimiter(rate.Every(time.Hour), 1)})

	if w := e.do(t, http.MethodPost, "/index/reconcile", nil); w.Code != http.StatusOK {
		t.Fatalf("first reconcile = %d", w.Code)
	}
	if w := e.do(t, http.MethodPost, "/index/reconcile", nil); w.Code != http.StatusTooManyRequests {
		t.Errorf("second reconcile = %d, want 429", w.Code)
	}
	// Other routes are not throttled.
	if w := e.do(t, http.MethodGet, "/index/stats", nil); w.Code != http.StatusOK {
		t.Errorf("stats = %d, want 200", w.Code)
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	e := newTestEnv(t, envOptions{authEnabled: true, token: "secret123"})

	w := e.do(t, http.MethodPost, "/sessions", newSession("auth", "test"), "Authorization", "Bearer secret123")
	if w.Code != http.StatusCreated {
		t.Errorf("authed create = %d, want 201", w.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	e := newTestEnv(t, envOptions{authEnabled: true, token: "secret123"})

	if w := e.do(t, http.MethodGet, "/sessions", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("unauthed = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_WrongToken(t *testing.T) {
	e := newTestEnv(t, envOptions{authEnabled: true, token: "secret123"})

	if w := e.do(t, http.MethodGet, "/sessions", nil, "Authorization", "Bearer wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_Disabled(t *testing.T) {
	e := newTestEnv(t, envOptions{})

	if w := e.do(t, http.MethodGet, "/sessions", nil); w.Code != http.StatusOK {
		t.Errorf("no auth = %d, want 200", w.Code)
	}
}

// SSE endpoint auth tests.

// stubSSE writes headers and blocks until the request context is done.
var stubSSE = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	<-r.Context().Done()
})

func TestSSEEvents_AuthProtected(t *testing.T) {
	e := newTestEnv(t, envOptions{authEnabled: true, token: "secret", sse: stubSSE})

	if w := e.do(t, http.MethodGet, "/events", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("SSE no auth = %d, want 401", w.Code)
	}
}

func TestSSEEvents_AuthDisabled(t *testing.T) {
	e := newTestEnv(t, envOptions{sse: stubSSE})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code == http.StatusUnauthorized {
		t.Error("SSE should not require auth when disabled")
	}
}

func TestSSEEvents_ValidToken(t *testing.T) {
	e := newTestEnv(t, envOptions{authEnabled: true, token: "tok", sse: stubSSE})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code == http.StatusUnauthorized {
		t.Error("SSE with valid token should not 401")
	}
}
