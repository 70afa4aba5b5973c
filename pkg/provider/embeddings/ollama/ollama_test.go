package ollama

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("http://localhost:11434", ""); err == nil {
		t.Fatal("expected error for empty model")
	}
}

func TestNew_DefaultBaseURL(t *testing.T) {
	t.Parallel()

	p, err := New("", "nomic-embed-text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.baseURL != DefaultBaseURL {
		t.Errorf("baseURL = %q, want %q", p.baseURL, DefaultBaseURL)
	}
}

func TestNew_StripsTrailingSlash(t *testing.T) {
	t.Parallel()

	p, err := New("http://example.com:11434/", "nomic-embed-text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.baseURL != "http://example.com:11434" {
		t.Errorf("baseURL = %q, want trailing slash stripped", p.baseURL)
	}
}

func TestKnownDimensions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model string
		want  int
	}{
		{"nomic-embed-text", 768},
		{"nomic-embed-text:latest", 768},
		{"mxbai-embed-large", 1024},
		{"all-minilm", 384},
		{"totally-unknown", 0},
	}
	for _, tt := range tests {
		if got := knownDimensions(tt.model); got != tt.want {
			t.Errorf("knownDimensions(%q) = %d, want %d", tt.model, got, tt.want)
		}
	}
}

func TestDimensions_ExplicitOverride(t *testing.T) {
	t.Parallel()

	p, err := New("", "unknown-model", WithDimensions(512))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := p.Dimensions(); got != 512 {
		t.Errorf("Dimensions() = %d, want 512", got)
	}
}

// newEmbedServer returns a test server answering /api/embed with the given
// vectors and recording the decoded request.
func newEmbedServer(t *testing.T, vectors [][]float32, body *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("unexpected request path %q", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		var decoded map[string]any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		*body = decoded
		resp := embedResponse{Model: "test", Embeddings: vectors}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestEmbed_ReturnsVector(t *testing.T) {
	t.Parallel()

	var body map[string]any
	srv := newEmbedServer(t, [][]float32{{0.1, 0.2, 0.3}}, &body)
	defer srv.Close()

	p, err := New(srv.URL, "nomic-embed-text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	vec, err := p.Embed(context.Background(), "query: where is my order")
	if err != nil {
		t.Fatalf("Embed returned error: %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.1 {
		t.Errorf("vector = %v, want [0.1 0.2 0.3]", vec)
	}

	if body["model"] != "nomic-embed-text" {
		t.Errorf("model = %v, want nomic-embed-text", body["model"])
	}
	inputs, ok := body["input"].([]any)
	if !ok || len(inputs) != 1 || inputs[0] != "query: where is my order" {
		t.Errorf("input = %v, want single query text", body["input"])
	}
}

func TestEmbedBatch_OrderPreserved(t *testing.T) {
	t.Parallel()

	var body map[string]any
	srv := newEmbedServer(t, [][]float32{{1}, {2}, {3}}, &body)
	defer srv.Close()

	p, err := New(srv.URL, "nomic-embed-text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch returned error: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("got %d vectors, want 3", len(vecs))
	}
	for i, want := range []float32{1, 2, 3} {
		if vecs[i][0] != want {
			t.Errorf("vecs[%d][0] = %v, want %v", i, vecs[i][0], want)
		}
	}
}

func TestEmbedBatch_CountMismatch(t *testing.T) {
	t.Parallel()

	var body map[string]any
	srv := newEmbedServer(t, [][]float32{{1}}, &body)
	defer srv.Close()

	p, err := New(srv.URL, "nomic-embed-text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := p.EmbedBatch(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatal("expected error for mismatched embedding count")
	}
}

func TestEmbedBatch_EmptyInput(t *testing.T) {
	t.Parallel()

	p, err := New("", "nomic-embed-text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	vecs, err := p.EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedBatch returned error: %v", err)
	}
	if vecs != nil {
		t.Errorf("EmbedBatch(nil) = %v, want nil without a request", vecs)
	}
}

func TestEmbed_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, err := New(srv.URL, "nomic-embed-text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := p.Embed(context.Background(), "hello"); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestDimensions_AutoDetect(t *testing.T) {
	t.Parallel()

	var body map[string]any
	srv := newEmbedServer(t, [][]float32{{0, 0, 0, 0, 0}}, &body)
	defer srv.Close()

	p, err := New(srv.URL, "unknown-model")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := p.Dimensions(); got != 5 {
		t.Errorf("Dimensions() = %d, want probed 5", got)
	}
	// Second call must use the cached value, not probe again.
	if got := p.Dimensions(); got != 5 {
		t.Errorf("cached Dimensions() = %d, want 5", got)
	}
}
