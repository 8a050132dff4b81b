package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOllamaEngine_Chat(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]string{"role": "assistant", "content": `[{"id":"r1","title":"Dashboard crash"}]`},
		})
	}))
	defer srv.Close()

	e := NewOllamaEngine(srv.URL, "llama3.1", "nomic-embed-text", 512)
	result, err := e.Chat(context.Background(), []Message{{Role: RoleUser, Content: "dashboard crash"}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if result != `[{"id":"r1","title":"Dashboard crash"}]` {
		t.Errorf("got %q", result)
	}
	if got["model"] != "llama3.1" {
		t.Errorf("model = %v, want llama3.1", got["model"])
	}
	opts, _ := got["options"].(map[string]any)
	if opts["num_predict"] != float64(512) {
		t.Errorf("options = %v", got["options"])
	}
}

func TestOllamaEngine_Embedder(t *testing.T) {
	var model string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		model, _ = req["model"].(string)
		json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float32{{0.1, 0.2, 0.3}}})
	}))
	defer srv.Close()

	emb := NewOllamaEngine(srv.URL, "llama3.1", "nomic-embed-text", 0).Embedder()
	vec, err := emb.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 {
		t.Fatalf("got %d floats, want 3", len(vec))
	}
	if model != "nomic-embed-text" || emb.Model() != "nomic-embed-text" {
		t.Errorf("embed model = %q / %q", model, emb.Model())
	}
}

func TestOllamaEngine_PullModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := json.NewEncoder(w)
		enc.Encode(map[string]any{"status": "downloading", "total": 1000, "completed": 500})
		enc.Encode(map[string]any{"status": "success"})
	}))
	defer srv.Close()

	var progress []PullProgress
	err := NewOllamaEngine(srv.URL, "", "", 0).PullModel(context.Background(), "nomic-embed-text", func(p PullProgress) {
		progress = append(progress, p)
	})
	if err != nil {
		t.Fatalf("PullModel: %v", err)
	}
	if len(progress) != 2 || progress[0].Completed != 500 {
		t.Errorf("progress = %+v", progress)
	}
}
