// Package api exposes the knowledge base over HTTP and MCP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/kalambet/supportkb/internal/kb"
	"github.com/kalambet/supportkb/internal/pipeline"
	"github.com/kalambet/supportkb/internal/storage"
)

const (
	maxRequestBodySize = 1 << 20  // 1MB
	maxQueryBodySize   = 16 << 20 // base64 attachments
)

// Service is the retrieval and ingest surface. *pipeline.Pipeline satisfies it.
type Service interface {
	Query(ctx context.Context, req pipeline.Request) (pipeline.Response, error)
	Ingest(ctx context.Context, in kb.NewRecord) (pipeline.IngestResult, error)
	Submit(ctx context.Context, in kb.NewRecord) (pipeline.IngestResult, error)
	UpdateResolution(ctx context.Context, id, resolution string) (pipeline.IngestResult, error)
	AddSuggestedResolution(ctx context.Context, id, suggestion string) (kb.Record, error)
	AddComment(ctx context.Context, recordID, author, text string) (kb.Comment, error)
}

// RecordReader reads records for listing. *storage.Store satisfies it.
type RecordReader interface {
	GetRecord(ctx context.Context, id string) (kb.Record, error)
	ListRecords(ctx context.Context, limit, offset int) ([]kb.Record, error)
	ListComments(ctx context.Context, recordID string) ([]kb.Comment, error)
}

// IndexCounter reports the size of the vector index.
type IndexCounter interface {
	Count(ctx context.Context) (int, error)
}

// JobCounter reports reindex backlog. *storage.Store satisfies it.
type JobCounter interface {
	CountJobs(ctx context.Context, status storage.JobStatus) (int, error)
}

// Deps are the collaborators of the HTTP handler. Index, Jobs, Metrics and
// Notifications are optional.
type Deps struct {
	Service    Service
	Records    RecordReader
	Index      IndexCounter
	Jobs       JobCounter
	Token      string
	WindowSize int
	// Metrics serves /metrics.
	Metrics http.Handler
	// Notifications serves the /ws upgrade.
	Notifications http.Handler
	Log           zerolog.Logger
}

// NewHandler returns the HTTP API. Routes under /api require the bearer
// token when one is configured.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}
	if deps.Notifications != nil {
		r.Method(http.MethodGet, "/ws", deps.Notifications)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/ai/query", handleQuery(deps))
		r.Post("/ai/ingest", handleIngest(deps))

		r.Get("/posts", handleListPosts(deps))
		r.Post("/posts", handleCreatePost(deps))
		r.Get("/posts/{id}", handleGetPost(deps))
		r.Put("/posts/{id}/resolution", handleUpdateResolution(deps))
		r.Post("/posts/{id}/suggestions", handleAddSuggestion(deps))
		r.Post("/posts/{id}/comments", handleAddComment(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"status": "ok"}
		if deps.Index != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if n, err := deps.Index.Count(ctx); err != nil {
				resp["status"] = "degraded"
				resp["index_error"] = err.Error()
			} else {
				resp["indexed"] = n
			}
		}
		if deps.Jobs != nil {
			if n, err := deps.Jobs.CountJobs(r.Context(), storage.JobPending); err == nil {
				resp["pending_jobs"] = n
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
