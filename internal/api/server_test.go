package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Adelost/decl-worker-api/internal/api"
	"github.com/Adelost/decl-worker-api/internal/backend"
	"github.com/Adelost/decl-worker-api/internal/engine"
	"github.com/Adelost/decl-worker-api/internal/model"
	"github.com/Adelost/decl-worker-api/internal/scheduler"
	"github.com/Adelost/decl-worker-api/internal/store"
)

// testBackend executes a few task types for API tests.
type testBackend struct{}

func (testBackend) Name() string { return "test" }

func (testBackend) Execute(_ context.Context, task *model.Task) (any, error) {
	switch task.Type {
	case "explode":
		return nil, errors.New("task handler crashed")
	default:
		return map[string]any{"echo": task.Payload["text"]}, nil
	}
}

func (testBackend) GetStatus(_ context.Context, id string) (*backend.TaskStatus, error) {
	return &backend.TaskStatus{ID: id, Status: model.StatusCompleted}, nil
}

func (testBackend) Healthcheck(_ context.Context) error { return nil }

func newTestServer(t *testing.T) (*httptest.Server, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := backend.NewRegistry()
	reg.Register("test", testBackend{})

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	eng := engine.NewEngine(s, reg, logger)
	sched := scheduler.New(eng, logger)
	sched.Start()
	t.Cleanup(sched.Stop)

	srv := api.NewServer(":0", s, eng, sched, logger)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, s
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]any
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("body = %v, want status ok", body)
	}
	if body["healthy_backends"] != float64(1) {
		t.Errorf("healthy_backends = %v, want 1", body["healthy_backends"])
	}
}

func TestRunTaskSync(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/tasks", map[string]any{
		"type":    "think.echo",
		"payload": map[string]any{"text": "hi"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Result map[string]any `json:"result"`
	}
	decodeJSON(t, resp, &body)
	if body.Result["echo"] != "hi" {
		t.Errorf("result = %v, want echo", body.Result)
	}
}

func TestRunPipelineSync(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/tasks", map[string]any{
		"type":    "pipeline",
		"payload": map[string]any{"text": "chained"},
		"steps": []map[string]any{
			{"id": "a", "task": "think.echo", "input": map[string]any{"text": "{{payload.text}}"}},
			{"id": "b", "task": "think.echo", "dependsOn": []string{"a"},
				"input": map[string]any{"text": "{{steps.a.echo}}"}},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Result struct {
			StepResults map[string]map[string]any `json:"stepResults"`
			FinalResult map[string]any            `json:"finalResult"`
		} `json:"result"`
	}
	decodeJSON(t, resp, &body)
	if body.Result.FinalResult["echo"] != "chained" {
		t.Errorf("finalResult = %v, want chained echo", body.Result.FinalResult)
	}
	if body.Result.StepResults["a"]["echo"] != "chained" {
		t.Errorf("stepResults.a = %v, want echo", body.Result.StepResults["a"])
	}
}

func TestRunTaskSyncFailure(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/tasks", map[string]any{"type": "explode"})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422 for failed task", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["error"] == "" {
		t.Error("expected error message in body")
	}
}

func TestRunTaskValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/tasks", map[string]any{"payload": map[string]any{}})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for missing type and steps", resp.StatusCode)
	}
}

func TestAsyncTaskLifecycle(t *testing.T) {
	ts, s := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/tasks/async", map[string]any{
		"type":    "think.echo",
		"payload": map[string]any{"text": "later"},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	var job model.Job
	decodeJSON(t, resp, &job)
	if job.ID == "" || job.Status != model.StatusPending {
		t.Fatalf("job = %+v, want pending with id", job)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := s.GetJob(context.Background(), job.ID)
		if err == nil && got.Status == model.StatusCompleted {
			result, _ := got.Result.(map[string]any)
			if result["echo"] != "later" {
				t.Errorf("result = %v, want echo", got.Result)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("async job did not complete")
}

func TestGetJobNotFound(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/tasks/nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListJobs(t *testing.T) {
	ts, s := newTestServer(t)

	for i := 0; i < 3; i++ {
		job := &model.Job{
			ID:        model.NewID(),
			Type:      "think.echo",
			Status:    model.StatusPending,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.CreateJob(context.Background(), job); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	resp, err := http.Get(ts.URL + "/v1/tasks?limit=2")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var body struct {
		Jobs  []model.Job `json:"jobs"`
		Total int         `json:"total"`
		Limit int         `json:"limit"`
	}
	decodeJSON(t, resp, &body)
	if body.Total != 3 || len(body.Jobs) != 2 || body.Limit != 2 {
		t.Errorf("list = total %d, page %d, limit %d; want 3/2/2", body.Total, len(body.Jobs), body.Limit)
	}
}

func TestCancelPendingJob(t *testing.T) {
	ts, s := newTestServer(t)

	job := &model.Job{
		ID:        model.NewID(),
		Type:      "think.echo",
		Status:    model.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/tasks/"+job.ID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	var got model.Job
	decodeJSON(t, resp, &got)
	if got.Status != model.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
}

func TestCancelFinishedJobConflicts(t *testing.T) {
	ts, s := newTestServer(t)

	job := &model.Job{
		ID:        model.NewID(),
		Type:      "think.echo",
		Status:    model.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.UpdateJob(context.Background(), &model.Job{ID: job.ID, Status: model.StatusCompleted}); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/tasks/"+job.ID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409 for finished job", resp.StatusCode)
	}
}

func TestListBackends(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/backends")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var infos []backend.Info
	decodeJSON(t, resp, &infos)
	if len(infos) != 1 || infos[0].Name != "test" || !infos[0].Healthy {
		t.Errorf("backends = %+v, want one healthy test backend", infos)
	}
}

func TestGetStats(t *testing.T) {
	ts, s := newTestServer(t)

	job := &model.Job{
		ID:        model.NewID(),
		Type:      "think.echo",
		Status:    model.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var stats struct {
		Total    int            `json:"total"`
		ByStatus map[string]int `json:"by_status"`
	}
	decodeJSON(t, resp, &stats)
	if stats.Total != 1 || stats.ByStatus[model.StatusPending] != 1 {
		t.Errorf("stats = %+v, want one pending job", stats)
	}
}

func TestStreamEventsFinishedJob(t *testing.T) {
	ts, s := newTestServer(t)

	job := &model.Job{
		ID:        model.NewID(),
		Type:      "think.echo",
		Status:    model.StatusCompleted,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	resp, err := http.Get(ts.URL + "/v1/tasks/" + job.ID + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q, want text/event-stream", ct)
	}
	// Terminal job: the stream ends immediately with no events.
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 0 {
		t.Errorf("body = %q, want empty stream for finished job", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte("dwa_http_requests_total")) {
		t.Error("metrics output missing dwa_http_requests_total")
	}
}
