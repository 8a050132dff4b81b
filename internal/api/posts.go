package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/supportkb/internal/kb"
)

// PostView is a record with its comments.
type PostView struct {
	kb.Record
	Comments []kb.Comment `json:"comments"`
}

func handleIngest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in kb.NewRecord
		if !decodeBody(w, r, &in) {
			return
		}
		res, err := deps.Service.Ingest(r.Context(), in)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, ingestStatus(res.Indexed), res)
	}
}

func handleCreatePost(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in kb.NewRecord
		if !decodeBody(w, r, &in) {
			return
		}
		res, err := deps.Service.Submit(r.Context(), in)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, res)
	}
}

func handleListPosts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		recs, err := deps.Records.ListRecords(r.Context(), limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list posts: %v", err)
			return
		}
		if recs == nil {
			recs = []kb.Record{}
		}
		writeJSON(w, http.StatusOK, recs)
	}
}

func handleGetPost(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		rec, err := deps.Records.GetRecord(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		comments, err := deps.Records.ListComments(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list comments: %v", err)
			return
		}
		if comments == nil {
			comments = []kb.Comment{}
		}
		writeJSON(w, http.StatusOK, PostView{Record: rec, Comments: comments})
	}
}

func handleUpdateResolution(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Resolution string `json:"resolution"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		res, err := deps.Service.UpdateResolution(r.Context(), chi.URLParam(r, "id"), body.Resolution)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, ingestStatus(res.Indexed), res)
	}
}

func handleAddSuggestion(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Suggestion string `json:"suggestion"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		rec, err := deps.Service.AddSuggestedResolution(r.Context(), chi.URLParam(r, "id"), body.Suggestion)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func handleAddComment(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Author string `json:"author"`
			Text   string `json:"text"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		c, err := deps.Service.AddComment(r.Context(), chi.URLParam(r, "id"), body.Author, body.Text)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, c)
	}
}

// ingestStatus is 201 once the record is searchable and 202 while its
// reindex job is pending.
func ingestStatus(indexed bool) int {
	if indexed {
		return http.StatusCreated
	}
	return http.StatusAccepted
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
