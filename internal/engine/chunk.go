package engine

import (
	"context"
	"fmt"
	"maps"
	"math"
	"time"

	"github.com/Adelost/decl-worker-api/internal/model"
)

// chunkWindow is one slice of a chunked task's input timeline, in seconds.
type chunkWindow struct {
	Index int     `json:"index"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// shouldChunk reports whether the chunked path applies: the task is not a
// pipeline, the config names a payload field that is present, and the
// payload declares a duration longer than one chunk.
func shouldChunk(task *model.Task, cfg *model.ChunkConfig) bool {
	if cfg == nil || task.IsPipeline() || cfg.InputField == "" {
		return false
	}
	if _, ok := task.Payload[cfg.InputField]; !ok {
		return false
	}
	size, err := time.ParseDuration(cfg.DefaultSize)
	if err != nil || size <= 0 {
		return false
	}
	return payloadDuration(task.Payload) > size.Seconds()
}

// payloadDuration reads the declared media duration in seconds, or 0.
func payloadDuration(payload map[string]any) float64 {
	switch v := payload["duration"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

// planChunks splits the duration into windows of the configured size with
// the configured overlap between consecutive windows.
func planChunks(cfg *model.ChunkConfig, totalSeconds float64) ([]chunkWindow, error) {
	size, err := time.ParseDuration(cfg.DefaultSize)
	if err != nil {
		return nil, fmt.Errorf("parse chunk size %q: %w", cfg.DefaultSize, err)
	}
	overlap := time.Duration(0)
	if cfg.Overlap != "" {
		overlap, err = time.ParseDuration(cfg.Overlap)
		if err != nil {
			return nil, fmt.Errorf("parse chunk overlap %q: %w", cfg.Overlap, err)
		}
	}
	if overlap >= size {
		return nil, fmt.Errorf("chunk overlap %v must be smaller than size %v", overlap, size)
	}

	stride := size.Seconds() - overlap.Seconds()
	var windows []chunkWindow
	for start := 0.0; start < totalSeconds; start += stride {
		windows = append(windows, chunkWindow{
			Index: len(windows),
			Start: start,
			End:   math.Min(start+size.Seconds(), totalSeconds),
		})
	}
	return windows, nil
}

// runChunked splits a long task into chunk sub-tasks, executes them in
// order, and merges the chunk results per the configured strategy. Each
// chunk is a plain single task: selected backend, retry, timeout.
func (e *Engine) runChunked(ctx context.Context, task *model.Task, cfg *model.ChunkConfig, onProgress ProgressFunc) (any, error) {
	windows, err := planChunks(cfg, payloadDuration(task.Payload))
	if err != nil {
		return nil, err
	}

	results := make([]any, len(windows))
	for i, win := range windows {
		payload := maps.Clone(task.Payload)
		payload["chunk"] = map[string]any{
			"index": win.Index,
			"start": win.Start,
			"end":   win.End,
		}
		sub := &model.Task{
			Type:      task.Type,
			Backend:   task.Backend,
			Payload:   payload,
			Resources: task.Resources,
			Retry:     task.Retry,
		}

		results[i], err = e.executeSingle(ctx, sub, fmt.Sprintf("%s[chunk %d]", task.Type, win.Index))
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", win.Index, err)
		}

		if onProgress != nil {
			onProgress(int(math.Round(100 * float64(i+1) / float64(len(windows)))))
		}
	}

	return mergeChunks(cfg, windows, results), nil
}

// mergeChunks reassembles chunk results.
//
// concat keeps the raw array. concat_segments flattens each chunk's
// segments array, shifting segment start/end timestamps by the chunk's
// offset so the merged timeline is absolute. aggregate folds the chunk
// maps together, summing numeric values key by key.
func mergeChunks(cfg *model.ChunkConfig, windows []chunkWindow, results []any) any {
	switch cfg.MergeStrategy {
	case model.MergeConcatSegments:
		merged := make([]any, 0)
		for i, res := range results {
			m, ok := res.(map[string]any)
			if !ok {
				continue
			}
			segments, ok := toSlice(m["segments"])
			if !ok {
				continue
			}
			for _, seg := range segments {
				sm, ok := seg.(map[string]any)
				if !ok {
					merged = append(merged, seg)
					continue
				}
				shifted := maps.Clone(sm)
				if start, ok := sm["start"].(float64); ok {
					shifted["start"] = start + windows[i].Start
				}
				if end, ok := sm["end"].(float64); ok {
					shifted["end"] = end + windows[i].Start
				}
				merged = append(merged, shifted)
			}
		}
		return map[string]any{"segments": merged}

	case model.MergeAggregate:
		merged := make(map[string]any)
		for _, res := range results {
			m, ok := res.(map[string]any)
			if !ok {
				continue
			}
			for key, val := range m {
				num, isNum := val.(float64)
				prev, hadPrev := merged[key].(float64)
				if isNum && hadPrev {
					merged[key] = prev + num
					continue
				}
				merged[key] = val
			}
		}
		return merged

	default: // model.MergeConcat
		return results
	}
}
