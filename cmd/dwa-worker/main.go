// dwa-worker is a standalone mock worker plane speaking the remote backend
// protocol. It ships a handful of built-in task types so a dwa server can
// be exercised end to end without a real compute plane.
// Usage: go run ./cmd/dwa-worker
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/Adelost/decl-worker-api/internal/model"
)

// runRequest mirrors the remote backend's POST /run body.
type runRequest struct {
	Type      string           `json:"type"`
	Payload   map[string]any   `json:"payload"`
	Resources *model.Resources `json:"resources"`
}

// handlers maps task types to their implementations.
var handlers = map[string]func(payload map[string]any) (any, error){
	"think.echo": func(payload map[string]any) (any, error) {
		return map[string]any{"echo": payload["text"]}, nil
	},
	"transform.double": func(payload map[string]any) (any, error) {
		v, _ := payload["value"].(float64)
		return map[string]any{"processed": v, "doubled": 2 * v}, nil
	},
	"hear.transcribe": func(payload map[string]any) (any, error) {
		// Stub transcription: one fixed segment from 0s to 1s, whatever
		// the requested window.
		segment := map[string]any{"start": 0.0, "end": 1.0, "text": "(transcribed)"}
		return map[string]any{
			"path":     payload["audio_path"],
			"segments": []any{segment},
		}, nil
	},
	"sleep": func(payload map[string]any) (any, error) {
		ms, _ := payload["ms"].(float64)
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return map[string]any{"slept": ms}, nil
	},
}

func main() {
	addr := ":8090"
	if v := os.Getenv("DWA_WORKER_LISTEN_ADDR"); v != "" {
		addr = v
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	mux := http.NewServeMux()

	mux.HandleFunc("POST /run", func(w http.ResponseWriter, r *http.Request) {
		var req runRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		handler, ok := handlers[req.Type]
		if !ok {
			writeJSON(w, map[string]any{"error": fmt.Sprintf("unknown task type %q", req.Type)})
			return
		}
		result, err := handler(req.Payload)
		if err != nil {
			writeJSON(w, map[string]any{"error": err.Error()})
			return
		}
		logger.Info("executed task", "type", req.Type)
		writeJSON(w, map[string]any{"result": result})
	})

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"status": "ok", "tasks": len(handlers)})
	})

	mux.HandleFunc("GET /status/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/status/")
		writeJSON(w, map[string]any{"id": id, "status": model.StatusCompleted})
	})

	mux.HandleFunc("POST /cancel/", func(w http.ResponseWriter, r *http.Request) {
		// Built-in tasks are short-lived; nothing to cancel.
		writeJSON(w, map[string]any{"cancelled": false})
	})

	mux.HandleFunc("GET /resources", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, model.ResourcePool{
			GPUs: []model.GPUInfo{},
			RAM:  model.MemStat{TotalMB: 8192, AvailableMB: 4096},
		})
	})

	logger.Info("dwa-worker listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("worker error: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}
