package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"qualisys/internal/limiter"
	"qualisys/internal/middleware"
	"qualisys/internal/model"
	"qualisys/internal/rbac"
	"qualisys/internal/schema"
	"qualisys/internal/sse"
	"qualisys/internal/store"
	"qualisys/pkg/counterstore"
)

type fakeDirectory struct {
	tenant     *model.Tenant
	membership *model.TenantMembership
}

func (f *fakeDirectory) TenantBySlug(_ context.Context, slug string) (*model.Tenant, error) {
	if f.tenant == nil || f.tenant.Slug != slug {
		return nil, store.ErrNotFound
	}
	return f.tenant, nil
}

func (f *fakeDirectory) Membership(_ context.Context, _, _ uuid.UUID) (*model.TenantMembership, error) {
	if f.membership == nil {
		return nil, store.ErrNotFound
	}
	return f.membership, nil
}

// fakeRunStore holds runs for exactly one tenant schema, the way each real
// schema does; a foreign run id is simply absent.
type fakeRunStore struct {
	runs     map[uuid.UUID]*store.AgentRun
	statuses []string
	lastErr  string
	tokens   int64
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{runs: map[uuid.UUID]*store.AgentRun{}}
}

func (f *fakeRunStore) GetProject(_ context.Context, _ schema.SafeIdent, id uuid.UUID) (*store.Project, error) {
	return &store.Project{ID: id}, nil
}

func (f *fakeRunStore) CreateRun(_ context.Context, _ schema.SafeIdent, r *store.AgentRun) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	f.runs[r.ID] = r
	return nil
}

func (f *fakeRunStore) GetRun(_ context.Context, _ schema.SafeIdent, id uuid.UUID) (*store.AgentRun, error) {
	run, ok := f.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return run, nil
}

func (f *fakeRunStore) UpdateRunStatus(_ context.Context, _ schema.SafeIdent, id uuid.UUID, status, errMsg string) error {
	f.statuses = append(f.statuses, status)
	f.lastErr = errMsg
	if run, ok := f.runs[id]; ok {
		run.Status = status
		run.Error = errMsg
	}
	return nil
}

func (f *fakeRunStore) AddRunTokens(_ context.Context, _ schema.SafeIdent, _ uuid.UUID, tokens int64) error {
	f.tokens += tokens
	return nil
}

func (f *fakeRunStore) WriteAudit(_ context.Context, _ schema.SafeIdent, _ uuid.UUID, _ store.AuditEntry) {}

// failingCounterStore simulates the counter backend being down.
type failingCounterStore struct{}

func (failingCounterStore) IncrWithTTL(context.Context, string, int64, time.Duration) (int64, time.Duration, error) {
	return 0, 0, errors.New("connection refused")
}
func (failingCounterStore) Get(context.Context, string) (int64, error) {
	return 0, errors.New("connection refused")
}
func (failingCounterStore) Delete(context.Context, string) error {
	return errors.New("connection refused")
}

func newRunFixture(runs *fakeRunStore, counters counterstore.Store) (*RunHandler, *sse.Manager) {
	tenant := &model.Tenant{ID: uuid.New(), Name: "Acme", Slug: "acme-corp"}
	dir := &fakeDirectory{
		tenant:     tenant,
		membership: &model.TenantMembership{TenantID: tenant.ID, UserID: uuid.New(), Role: model.RoleOwner, IsActive: true},
	}
	gate := rbac.NewGate(dir, store.IsNotFound)
	projects := NewProjectHandler(nil, nil, gate)
	streams := sse.NewManager(zap.NewNop())
	budget := limiter.NewTokenBudget(counters, 1000000, zap.NewNop())
	h := NewRunHandler(runs, projects, budget, streams, nil, zap.NewNop())
	h.stageDelay = time.Millisecond
	return h, streams
}

func streamRequest(h *RunHandler, runID string) *httptest.ResponseRecorder {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/api/orgs/:slug/projects/:project_id/runs/:run_id/events")
	c.SetParamNames("slug", "project_id", "run_id")
	c.SetParamValues("acme-corp", uuid.NewString(), runID)
	c.Set("tenant_context", &middleware.TenantContext{UserID: uuid.New(), Email: "owner@example.com"})
	_ = h.Stream(c)
	return rec
}

func TestStreamRejectsRunOutsideTenantSchema(t *testing.T) {
	runs := newFakeRunStore()
	h, streams := newRunFixture(runs, counterstore.NewMemoryStore())

	// A run id from some other tenant: not present in this tenant's schema.
	foreignRunID := uuid.NewString()
	streams.GetOrCreateQueue(foreignRunID)
	defer streams.RemoveQueue(foreignRunID)

	rec := streamRequest(h, foreignRunID)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "data:") {
		t.Error("response leaked stream frames for a foreign run")
	}
	if streams.ActiveQueues() != 1 {
		t.Errorf("foreign run's queue was disturbed, ActiveQueues = %d, want 1", streams.ActiveQueues())
	}
}

func TestStreamReplaysFinishedRun(t *testing.T) {
	runs := newFakeRunStore()
	h, _ := newRunFixture(runs, counterstore.NewMemoryStore())

	runID := uuid.New()
	runs.runs[runID] = &store.AgentRun{ID: runID, Status: "complete", TokensUsed: 8000}

	rec := streamRequest(h, runID.String())

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"type":"complete"`) {
		t.Errorf("finished run did not replay its terminal event, body: %q", body)
	}
}

func TestPipelineRemovesQueueWithoutSubscriber(t *testing.T) {
	runs := newFakeRunStore()
	h, streams := newRunFixture(runs, counterstore.NewMemoryStore())

	runID := uuid.New()
	runs.runs[runID] = &store.AgentRun{ID: runID, Status: "queued"}
	ident, _ := schema.NewSafeIdent("tenant_acme_corp")

	// Mirror Start: the queue exists before the pipeline runs, and nobody
	// ever subscribes.
	streams.GetOrCreateQueue(runID.String())

	if err := h.executePipeline(context.Background(), ident, "acme-corp", runID); err != nil {
		t.Fatalf("executePipeline: %v", err)
	}

	if streams.ActiveQueues() != 0 {
		t.Errorf("ActiveQueues = %d after unwatched run finished, want 0", streams.ActiveQueues())
	}
	if got := runs.runs[runID].Status; got != "complete" {
		t.Errorf("run status = %q, want complete", got)
	}
	if runs.tokens != 8000 {
		t.Errorf("tokens recorded = %d, want 8000", runs.tokens)
	}
}

func TestPipelineReportsAccountingFailureNotExhaustion(t *testing.T) {
	runs := newFakeRunStore()
	h, streams := newRunFixture(runs, failingCounterStore{})

	runID := uuid.New()
	runs.runs[runID] = &store.AgentRun{ID: runID, Status: "queued"}
	ident, _ := schema.NewSafeIdent("tenant_acme_corp")
	streams.GetOrCreateQueue(runID.String())

	if err := h.executePipeline(context.Background(), ident, "acme-corp", runID); err == nil {
		t.Fatal("executePipeline succeeded with a failing counter store")
	}

	if got := runs.runs[runID].Status; got != "error" {
		t.Errorf("run status = %q, want error", got)
	}
	if runs.lastErr != "budget accounting failed" {
		t.Errorf("failure reason = %q, want %q", runs.lastErr, "budget accounting failed")
	}
	if streams.ActiveQueues() != 0 {
		t.Errorf("ActiveQueues = %d after failed run, want 0", streams.ActiveQueues())
	}
}
