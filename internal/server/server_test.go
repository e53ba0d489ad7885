package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chittyos/chittyrouter/internal/auth"
	"github.com/chittyos/chittyrouter/internal/dispatch"
	"github.com/chittyos/chittyrouter/internal/model"
	"github.com/chittyos/chittyrouter/internal/pipeline"
	"github.com/chittyos/chittyrouter/internal/storage"
	"github.com/chittyos/chittyrouter/internal/synchub"
)

type memStore struct {
	mu        sync.Mutex
	sessions  map[model.ChittyID]model.Session
	todos     map[string]model.Todo
	conflicts []model.TodoConflict
}

func newMemStore() *memStore {
	return &memStore{
		sessions: map[model.ChittyID]model.Session{},
		todos:    map[string]model.Todo{},
	}
}

func todoKey(userID string, id model.ChittyID) string { return userID + "/" + string(id) }

func (s *memStore) SaveSession(_ context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = *sess
	return nil
}

func (s *memStore) GetSession(_ context.Context, id model.ChittyID) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &sess, nil
}

func (s *memStore) GetTodo(_ context.Context, userID string, id model.ChittyID) (*model.Todo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.todos[todoKey(userID, id)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &t, nil
}

func (s *memStore) UpsertTodo(_ context.Context, t *model.Todo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.todos[todoKey(t.UserID, t.ID)] = *t
	return nil
}

func (s *memStore) ListTodosSince(_ context.Context, userID string, since time.Time) ([]model.Todo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Todo
	for _, t := range s.todos {
		if t.UserID == userID && !t.UpdatedAt.Before(since) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (s *memStore) AppendConflict(_ context.Context, c *model.TodoConflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts = append(s.conflicts, *c)
	return nil
}

// ListTodos lets the store double as the TodoLister.
func (s *memStore) ListTodos(_ context.Context, userID string, status model.TodoStatus) ([]model.Todo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Todo
	for _, t := range s.todos {
		if t.UserID != userID || !t.Visible() {
			continue
		}
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

type memExecStore struct {
	mu    sync.Mutex
	execs map[string]model.PipelineExecution
}

func (s *memExecStore) SavePipelineExecution(_ context.Context, ex *model.PipelineExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.execs == nil {
		s.execs = map[string]model.PipelineExecution{}
	}
	s.execs[ex.PipelineID] = *ex
	return nil
}

func (s *memExecStore) GetPipelineExecution(_ context.Context, id string) (*model.PipelineExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.execs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &ex, nil
}

type memDLQ struct{ letters []model.DeadLetter }

func (d *memDLQ) ListDeadLetters(_ context.Context, source string, limit int) ([]model.DeadLetter, error) {
	var out []model.DeadLetter
	for _, dl := range d.letters {
		if dl.Source == source && len(out) < limit {
			out = append(out, dl)
		}
	}
	return out, nil
}

type seqMinter struct {
	mu   sync.Mutex
	next int
}

func (m *seqMinter) Mint(_ context.Context, et model.EntityType, _ map[string]any) (model.ChittyID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	return model.ChittyID(fmt.Sprintf("CHITTY-%s-%d-00", et, m.next)), nil
}

func (m *seqMinter) Validate(context.Context, model.ChittyID) error { return nil }

const testAPIKey = "test-api-key"

func newTestServer(t *testing.T) (*Server, *memStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	store := newMemStore()
	minter := &seqMinter{}
	hub := synchub.NewHub(store, minter, synchub.NewBroker(8), synchub.StrategyLastWriteWins, logger)

	engine, err := pipeline.NewEngine(&memExecStore{}, minter, pipeline.DefaultConfig(), logger)
	require.NoError(t, err)

	hashed, err := auth.HashAPIKey(testAPIKey)
	require.NoError(t, err)

	srv := New(Config{
		Logger:   logger,
		Version:  "test",
		JWT:      jwtMgr,
		Hub:      hub,
		Pipeline: engine,
		Lister:   store,
		DLQ:      &memDLQ{letters: []model.DeadLetter{{Source: "email", LastError: "forward failed"}}},
		Clients: map[string]Client{
			"test-client": {HashedKey: hashed, Tier: "api", Scopes: []string{"mint:*"}},
			"root":        {HashedKey: hashed, Tier: "admin", Scopes: []string{"mint:*"}},
		},
	})
	return srv, store
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.NoError(t, json.Unmarshal(env.Data, dst))
}

func obtainToken(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/auth/token", "",
		model.AuthTokenRequest{ClientID: "test-client", APIKey: testAPIKey})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp model.AuthTokenResponse
	decodeData(t, rec, &resp)
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func TestHealthIsOpenAndEchoesCorrelationID(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Correlation-ID", "corr-123")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "corr-123", rec.Header().Get("X-Correlation-ID"))

	var resp model.HealthResponse
	decodeData(t, rec, &resp)
	require.Equal(t, "chittyrouter", resp.Service)
	require.Equal(t, "healthy", resp.Status)
}

func TestProtectedRouteRequiresBearer(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/todos", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/api/todos", "not-a-token", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthTokenRejectsBadCredentials(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/auth/token", "",
		model.AuthTokenRequest{ClientID: "nobody", APIKey: "nope"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/auth/token", "",
		model.AuthTokenRequest{ClientID: "test-client", APIKey: "wrong"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTodoLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	token := obtainToken(t, h)

	// Create.
	rec := doJSON(t, h, http.MethodPost, "/api/todos", token,
		map[string]any{"content": "write the report"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created model.Todo
	decodeData(t, rec, &created)
	require.NotEmpty(t, created.ID)
	require.Equal(t, "test-client", created.UserID)
	require.Equal(t, model.TodoPending, created.Status)

	// Get.
	rec = doJSON(t, h, http.MethodGet, "/api/todos/"+string(created.ID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// List.
	rec = doJSON(t, h, http.MethodGet, "/api/todos", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []model.Todo
	decodeData(t, rec, &listed)
	require.Len(t, listed, 1)

	// Update with a clock that dominates the stored one.
	updated := created
	updated.Status = model.TodoCompleted
	updated.Clock = created.Clock.Copy().Tick("client-1")
	rec = doJSON(t, h, http.MethodPut, "/api/todos/"+string(created.ID), token, updated)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var accepted []model.Todo
	decodeData(t, rec, &accepted)
	require.Len(t, accepted, 1)
	require.Equal(t, model.TodoCompleted, accepted[0].Status)

	// Delete, then the item is gone from reads but still in the delta pull.
	rec = doJSON(t, h, http.MethodDelete, "/api/todos/"+string(created.ID), token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/todos/"+string(created.ID), token, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/todos/since/0", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var delta []model.Todo
	decodeData(t, rec, &delta)
	require.Len(t, delta, 1)
	require.NotNil(t, delta[0].DeletedAt)
}

func TestSyncBatchRoute(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	token := obtainToken(t, h)

	rec := doJSON(t, h, http.MethodPost, "/api/todos/sync", token, model.SyncTodosRequest{
		Batch: []model.Todo{{
			ID: "CHITTY-CONTEXT-99-00", Content: "from replica", Status: model.TodoPending,
		}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp model.SyncTodosResponse
	decodeData(t, rec, &resp)
	require.Len(t, resp.Accepted, 1)
	require.Empty(t, resp.Conflicts)
}

func TestSessionFlow(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	token := obtainToken(t, h)

	rec := doJSON(t, h, http.MethodPost, "/session/init", token,
		model.SessionInitRequest{ReplicaID: "replica-1", Metadata: map[string]any{"app": "cli"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var sess model.Session
	decodeData(t, rec, &sess)
	require.NotEmpty(t, sess.ID)
	require.Equal(t, model.SessionActive, sess.Status)
	require.Equal(t, uint64(1), sess.Clock["replica-1"])

	rec = doJSON(t, h, http.MethodPost, "/session/state", token, model.SessionStateRequest{
		SessionID: sess.ID,
		Delta:     map[string]any{"cursor": "line-40"},
		Clock:     sess.Clock.Copy().Tick("replica-1"),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var after model.Session
	decodeData(t, rec, &after)
	require.Equal(t, "line-40", after.State["cursor"])

	rec = doJSON(t, h, http.MethodPost, "/session/atomic-facts", token, model.SessionFactsRequest{
		SessionID: sess.ID,
		Facts:     []model.AtomicFact{{Key: "decided", Value: true}},
		Clock:     after.Clock.Copy().Tick("replica-1"),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, h, http.MethodGet, "/session/status?session_id="+string(sess.ID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status model.Session
	decodeData(t, rec, &status)
	require.Equal(t, true, status.State["decided"])
	require.Equal(t, "line-40", status.State["cursor"])
}

func TestSessionStatusNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	token := obtainToken(t, h)

	rec := doJSON(t, h, http.MethodGet, "/session/status?session_id=CHITTY-CONTEXT-404-00", token, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPipelineGenerateAndStatus(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	token := obtainToken(t, h)

	rec := doJSON(t, h, http.MethodPost, "/pipeline/info/generate", token,
		model.PipelineGenerateRequest{Payload: map[string]any{"note": "hello"}, Source: "internal"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var ex model.PipelineExecution
	decodeData(t, rec, &ex)
	require.Equal(t, "completed", ex.Status)
	require.NotNil(t, ex.ChittyID)

	rec = doJSON(t, h, http.MethodGet, "/pipeline/status/"+ex.PipelineID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got model.PipelineExecution
	decodeData(t, rec, &got)
	require.Equal(t, ex.PipelineID, got.PipelineID)
}

func TestPipelineStatusNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	token := obtainToken(t, h)

	rec := doJSON(t, h, http.MethodGet, "/pipeline/status/nope", token, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeadLetterRouteRequiresAdminTier(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodGet, "/admin/dlq", obtainToken(t, h), nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	tokRec := doJSON(t, h, http.MethodPost, "/auth/token", "",
		model.AuthTokenRequest{ClientID: "root", APIKey: testAPIKey})
	require.Equal(t, http.StatusOK, tokRec.Code)
	var tok model.AuthTokenResponse
	decodeData(t, tokRec, &tok)

	rec = doJSON(t, h, http.MethodGet, "/admin/dlq", tok.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var letters []model.DeadLetter
	decodeData(t, rec, &letters)
	require.Len(t, letters, 1)
	require.Equal(t, "forward failed", letters[0].LastError)
}

func TestUnroutedRequestsResolveThroughDispatcher(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	hashed, err := auth.HashAPIKey(testAPIKey)
	require.NoError(t, err)

	identity := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"service":"identity"}`))
	}))
	defer identity.Close()

	dispatcher := dispatch.New(dispatch.DefaultConfig(), nil, nil, logger)
	dispatcher.SetEndpoint("identity", identity.URL)

	srv := New(Config{
		Logger:     logger,
		Version:    "test",
		JWT:        jwtMgr,
		Dispatcher: dispatcher,
		LocalServices: []string{"sync-hub", "agent-substrate", "evidence-pipeline",
			"email-pipeline", "dispatcher", dispatch.DefaultService},
		Clients: map[string]Client{
			"test-client": {HashedKey: hashed, Tier: "api", Scopes: []string{"mint:*"}},
		},
	})
	h := srv.Handler()
	token := obtainToken(t, h)

	// /health reports the routable catalogue, not traffic seen so far.
	rec := doJSON(t, h, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health model.HealthResponse
	decodeData(t, rec, &health)
	require.Equal(t, dispatcher.ServiceCount(), health.Services)

	// No registered route, but the path prefix maps to the remote identity
	// service: the dispatcher forwards and relays the response.
	rec = doJSON(t, h, http.MethodGet, "/pipeline/anything", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), "identity")

	// A hostname-table hit on an unknown path dispatches in-process; the
	// second miss is terminal rather than a second resolution.
	req := httptest.NewRequest(http.MethodGet, "http://sync.chitty.cc/nope", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNotFound, rr.Code)

	// Nothing matches at all: the default service takes it.
	rec = doJSON(t, h, http.MethodGet, "/totally/unknown", token, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	stats := dispatcher.Stats()
	require.EqualValues(t, 1, stats["identity"]["path"])
	require.EqualValues(t, 1, stats["sync-hub"]["hostname"])
	require.EqualValues(t, 1, stats[dispatch.DefaultService]["default"])
}

func TestUnknownPipelineKindFails(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	token := obtainToken(t, h)

	rec := doJSON(t, h, http.MethodPost, "/pipeline/widget/generate", token,
		model.PipelineGenerateRequest{Payload: map[string]any{"note": "hello"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var ex model.PipelineExecution
	decodeData(t, rec, &ex)
	require.Equal(t, "failed", ex.Status)
	require.Nil(t, ex.ChittyID)
}
