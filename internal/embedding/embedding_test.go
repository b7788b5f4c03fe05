package embedding

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rcliao/agent-context/internal/config"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a, b     Vector
		expected float64
		delta    float64
	}{
		{"identical", Vector{1, 0, 0}, Vector{1, 0, 0}, 1.0, 0.001},
		{"orthogonal", Vector{1, 0, 0}, Vector{0, 1, 0}, 0.0, 0.001},
		{"opposite", Vector{1, 0, 0}, Vector{-1, 0, 0}, -1.0, 0.001},
		{"similar", Vector{1, 1, 0}, Vector{1, 0, 0}, 0.707, 0.01},
		{"empty", Vector{}, Vector{}, 0.0, 0.001},
		{"different lengths", Vector{1, 0}, Vector{1, 0, 0}, 0.0, 0.001},
		{"zero vector", Vector{0, 0, 0}, Vector{1, 0, 0}, 0.0, 0.001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			if math.Abs(got-tt.expected) > tt.delta {
				t.Errorf("CosineSimilarity(%v, %v) = %f, want %f (±%f)", tt.a, tt.b, got, tt.expected, tt.delta)
			}
		})
	}
}

// vectorFor maps a few words onto fixed axes so similarity is predictable.
func vectorFor(text string) []float64 {
	switch {
	case strings.Contains(text, "billing"):
		return []float64{1, 0, 0}
	case strings.Contains(text, "lunch"):
		return []float64{0, 1, 0}
	default:
		return []float64{0.7, 0.7, 0}
	}
}

func TestOllamaEmbedderRelevance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Model  string `json:"model"`
			Prompt string `json:"prompt"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"embedding": vectorFor(req.Prompt)})
	}))
	defer srv.Close()

	e, err := NewOllamaEmbedder(srv.URL, "")
	if err != nil {
		t.Fatalf("new embedder: %v", err)
	}
	if e.Name() != "ollama/nomic-embed-text" {
		t.Errorf("name = %q", e.Name())
	}

	rel, err := Relevance(context.Background(), e, "billing issue", []string{"billing is broken", "lunch plans"})
	if err != nil {
		t.Fatalf("relevance: %v", err)
	}
	if math.Abs(rel[0]-1) > 0.001 || math.Abs(rel[1]-0.5) > 0.001 {
		t.Errorf("relevance = %v, want [1 0.5]", rel)
	}
}

func TestOpenAIEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object":"list","model":"text-embedding-3-small",
			"data":[{"object":"embedding","index":0,"embedding":[0.5,0.5,0]}],
			"usage":{"prompt_tokens":1,"total_tokens":1}}`))
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder("sk-test", srv.URL+"/v1", "")
	vec, err := e.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.5 {
		t.Errorf("vector = %v", vec)
	}
}

func TestNewDisabled(t *testing.T) {
	e, err := New(config.SearchConfig{Embedder: "none"})
	if err != nil || e != nil {
		t.Errorf("expected nil embedder when disabled, got %v, %v", e, err)
	}
	if _, err := New(config.SearchConfig{Embedder: "openai"}); err == nil {
		t.Error("expected error without api key")
	}
	if _, err := New(config.SearchConfig{Embedder: "bert"}); err == nil {
		t.Error("expected error for unknown embedder")
	}
}
