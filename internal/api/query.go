package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/kalambet/supportkb/internal/attachment"
	"github.com/kalambet/supportkb/internal/conversation"
	"github.com/kalambet/supportkb/internal/pipeline"
)

// QueryRequest is the body of POST /api/ai/query.
type QueryRequest struct {
	Text                string                        `json:"text"`
	ConversationHistory []conversation.HistoryMessage `json:"conversationHistory"`
	Attachment          *AttachmentPayload            `json:"attachment,omitempty"`
}

// AttachmentPayload is a file sent with a query. Data is base64.
type AttachmentPayload struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

func handleQuery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxQueryBodySize)
		defer r.Body.Close()

		var req QueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		text := req.Text
		if a := req.Attachment; a != nil {
			data, err := base64.StdEncoding.DecodeString(a.Data)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 attachment")
				return
			}
			extracted, err := attachment.Extract(attachment.Attachment{Name: a.Name, MimeType: a.MimeType, Data: data})
			if err != nil {
				writeError(w, err)
				return
			}
			text = attachment.AppendToQuery(text, a.Name, extracted)
		}

		resp, err := deps.Service.Query(r.Context(), pipeline.Request{
			Text:   text,
			Window: conversation.FromHistory(req.ConversationHistory, deps.WindowSize),
		})
		if err != nil {
			deps.Log.Warn().Err(err).Str("request_id", resp.Trace.RequestID).Msg("query failed")
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
