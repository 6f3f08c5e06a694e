package remote_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Adelost/decl-worker-api/internal/backend/remote"
	"github.com/Adelost/decl-worker-api/internal/model"
)

// newPlane starts a fake worker plane implementing the remote protocol.
func newPlane(t *testing.T, healthy bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("POST /run", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Type    string         `json:"type"`
			Payload map[string]any `json:"payload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Type == "explode" {
			json.NewEncoder(w).Encode(map[string]any{"error": "task handler crashed"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{"echo": req.Payload["text"]},
		})
	})

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /status/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/status/")
		json.NewEncoder(w).Encode(map[string]any{"id": id, "status": "completed"})
	})

	mux.HandleFunc("POST /cancel/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"cancelled": true})
	})

	mux.HandleFunc("GET /resources", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(model.ResourcePool{
			GPUs: []model.GPUInfo{{Name: "T4", VRAMMB: 16384, Available: true}},
			RAM:  model.MemStat{TotalMB: 32768, AvailableMB: 16384},
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestExecute(t *testing.T) {
	plane := newPlane(t, true)
	b := remote.New("plane", plane.URL, plane.Client())

	res, err := b.Execute(context.Background(), &model.Task{
		Type:    "think.echo",
		Payload: map[string]any{"text": "hello"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	m, ok := res.(map[string]any)
	if !ok || m["echo"] != "hello" {
		t.Errorf("result = %#v, want echo of payload text", res)
	}
}

func TestExecuteRemoteError(t *testing.T) {
	plane := newPlane(t, true)
	b := remote.New("plane", plane.URL, plane.Client())

	_, err := b.Execute(context.Background(), &model.Task{Type: "explode"})
	if err == nil {
		t.Fatal("expected error from remote failure")
	}
	if !strings.Contains(err.Error(), "task handler crashed") {
		t.Errorf("error = %q, want remote error text", err)
	}
}

func TestHealthcheck(t *testing.T) {
	up := newPlane(t, true)
	if err := remote.New("up", up.URL, up.Client()).Healthcheck(context.Background()); err != nil {
		t.Errorf("Healthcheck on healthy plane: %v", err)
	}

	down := newPlane(t, false)
	if err := remote.New("down", down.URL, down.Client()).Healthcheck(context.Background()); err == nil {
		t.Error("Healthcheck on unhealthy plane returned nil")
	}
}

func TestGetStatusCancelResources(t *testing.T) {
	plane := newPlane(t, true)
	b := remote.New("plane", plane.URL, plane.Client())
	ctx := context.Background()

	status, err := b.GetStatus(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.ID != "job-1" || status.Status != "completed" {
		t.Errorf("status = %+v, want job-1 completed", status)
	}

	cancelled, err := b.Cancel(ctx, "job-1")
	if err != nil || !cancelled {
		t.Errorf("Cancel = (%v, %v), want (true, nil)", cancelled, err)
	}

	pool, err := b.Resources(ctx)
	if err != nil {
		t.Fatalf("Resources: %v", err)
	}
	if len(pool.GPUs) != 1 || pool.GPUs[0].Name != "T4" {
		t.Errorf("pool = %+v, want one T4", pool)
	}
}
