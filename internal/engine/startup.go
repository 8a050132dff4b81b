package engine

import (
	"context"
	"fmt"
	"io"
)

// EnsureReady checks that the local backend is reachable and every model in
// models is available. Missing models are pulled with progress written to w.
func EnsureReady(ctx context.Context, m ModelManager, models []string, w io.Writer) error {
	if !m.IsRunning(ctx) {
		return fmt.Errorf("local inference engine is not running. Start it with: ollama serve")
	}

	for _, model := range models {
		if model == "" {
			continue
		}
		if m.HasModel(ctx, model) {
			fmt.Fprintf(w, "model %s: ready\n", model)
			continue
		}

		fmt.Fprintf(w, "model %s: pulling...\n", model)
		lastPct := -1
		err := m.PullModel(ctx, model, func(p PullProgress) {
			if p.Total <= 0 {
				fmt.Fprintf(w, "  %s\n", p.Status)
				return
			}
			pct := int(float64(p.Completed) / float64(p.Total) * 100)
			if pct/10 != lastPct/10 {
				fmt.Fprintf(w, "  %s %d%%\n", p.Status, pct)
				lastPct = pct
			}
		})
		if err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}
	return nil
}
