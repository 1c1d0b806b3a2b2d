package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/docrag/internal/config"
	"github.com/bull/docrag/internal/embed"
	"github.com/bull/docrag/internal/store"
)

// hashProvider returns deterministic vectors from content so indexed text
// can be retrieved with the same fake at query time.
type hashProvider struct{}

func (hashProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = hashVector(t)
	}
	return out, nil
}

func (hashProvider) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	return hashVector(text), nil
}

func (hashProvider) Info() embed.ModelInfo {
	return embed.ModelInfo{Model: "hash", Dimension: 3, Device: "test"}
}

func hashVector(text string) []float32 {
	var a, b, c float32
	for i := 0; i < len(text); i++ {
		switch i % 3 {
		case 0:
			a += float32(text[i])
		case 1:
			b += float32(text[i])
		case 2:
			c += float32(text[i])
		}
	}
	return []float32{a, b, c}
}

func fakeOllamaServer(t *testing.T, model, answer string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"models":[{"name":%q}]}`, model)
	})
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"response": answer, "eval_count": 7})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestServer(t *testing.T, llmBaseURL string) (*Server, *httptest.Server) {
	t.Helper()

	cfg := config.Default()
	cfg.MinChunkSize = 1
	cfg.SimilarityThreshold = 0
	cfg.MaxWorkers = 2
	cfg.LLMBaseURL = llmBaseURL

	mem, err := store.NewMemory("", "test")
	require.NoError(t, err)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewServer(hashProvider{}, mem, config.NewManager(cfg), log)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		cancel()
		s.Stop()
	})

	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestQuery_EmptyQueryRejected(t *testing.T) {
	ollama := fakeOllamaServer(t, "gemma2:2b", "unused")
	_, srv := newTestServer(t, ollama.URL)

	resp := postJSON(t, srv.URL+"/api/rag/query", map[string]any{"query": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Contains(t, body["error"], "query is required")
}

func TestIndexAndQuery(t *testing.T) {
	ollama := fakeOllamaServer(t, "gemma2:2b", "Earth has one moon [Source 1].")
	_, srv := newTestServer(t, ollama.URL)

	dir := t.TempDir()
	path := filepath.Join(dir, "astronomy.md")
	require.NoError(t, os.WriteFile(path,
		[]byte("# Facts\n\nEarth is the third planet and has one moon."), 0o644))

	resp := postJSON(t, srv.URL+"/api/rag/index", map[string]any{"file_path": path})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(1), body["indexed_chunks"])

	resp = postJSON(t, srv.URL+"/api/rag/query", map[string]any{
		"query": "how many moons does earth have?",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.Equal(t, "Earth has one moon [Source 1].", body["answer"])
	assert.Equal(t, float64(7), body["tokens_used"])

	sources, ok := body["sources"].([]any)
	require.True(t, ok)
	require.Len(t, sources, 1)
	src := sources[0].(map[string]any)
	assert.Equal(t, "astronomy.md", src["filename"])
	assert.NotEmpty(t, src["excerpt"])
	assert.Nil(t, src["chunk_text"], "full text only with include_chunks")
}

func TestIndex_MissingPath(t *testing.T) {
	ollama := fakeOllamaServer(t, "gemma2:2b", "unused")
	_, srv := newTestServer(t, ollama.URL)

	resp := postJSON(t, srv.URL+"/api/rag/index", map[string]any{"file_path": "/no/such/file.md"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestQuery_LLMUnavailable(t *testing.T) {
	down := httptest.NewServer(http.NotFoundHandler())
	down.Close()
	_, srv := newTestServer(t, down.URL)

	dir := t.TempDir()
	path := filepath.Join(dir, "doc.md")
	require.NoError(t, os.WriteFile(path, []byte("# A\n\nSome indexed content here."), 0o644))
	resp := postJSON(t, srv.URL+"/api/rag/index", map[string]any{"file_path": path})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/rag/query", map[string]any{"query": "anything"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

func TestQuery_NoIndexedContent(t *testing.T) {
	ollama := fakeOllamaServer(t, "gemma2:2b", "unused")
	_, srv := newTestServer(t, ollama.URL)

	resp := postJSON(t, srv.URL+"/api/rag/query", map[string]any{"query": "anything"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "No relevant documents found for your query.", body["answer"])
	assert.Equal(t, float64(0), body["confidence"])
}

func TestConfig_UpdateWhitelist(t *testing.T) {
	ollama := fakeOllamaServer(t, "gemma2:2b", "unused")
	_, srv := newTestServer(t, ollama.URL)

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/rag/config",
		bytes.NewReader([]byte(`{"top_k": 10}`)))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(10), body["top_k"])

	req, err = http.NewRequest(http.MethodPut, srv.URL+"/api/rag/config",
		bytes.NewReader([]byte(`{"vector_backend": "qdrant"}`)))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestStats(t *testing.T) {
	ollama := fakeOllamaServer(t, "gemma2:2b", "unused")
	_, srv := newTestServer(t, ollama.URL)

	resp, err := http.Get(srv.URL + "/api/rag/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Contains(t, body, "store")
	assert.Contains(t, body, "embedding")
	assert.Contains(t, body, "llm")
}

func uploadFile(t *testing.T, url, filename, content string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(url+"/upload", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	return resp
}

func waitForJob(t *testing.T, url, jobID string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url + "/jobs/" + jobID)
		require.NoError(t, err)
		body := decodeBody(t, resp)
		switch body["status"] {
		case string(StatusCompleted), string(StatusFailed):
			return body
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", jobID)
	return nil
}

func TestUpload_Lifecycle(t *testing.T) {
	ollama := fakeOllamaServer(t, "gemma2:2b", "unused")
	_, srv := newTestServer(t, ollama.URL)

	resp := uploadFile(t, srv.URL, "notes.md", "# Notes\n\nUploaded content for indexing.")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decodeBody(t, resp)
	jobID, ok := body["job_id"].(string)
	require.True(t, ok)
	require.NotEmpty(t, jobID)

	final := waitForJob(t, srv.URL, jobID)
	assert.Equal(t, string(StatusCompleted), final["status"])
	assert.Equal(t, float64(1), final["chunks"])

	resp, err := http.Get(srv.URL + "/jobs")
	require.NoError(t, err)
	listBody := decodeBody(t, resp)
	jobs, ok := listBody["jobs"].([]any)
	require.True(t, ok)
	assert.Len(t, jobs, 1)

	resp, err = http.Get(srv.URL + "/jobs/" + jobID + "/preview")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	preview := decodeBody(t, resp)
	assert.Contains(t, preview["html"], "<h1")
	outline, ok := preview["outline"].([]any)
	require.True(t, ok)
	require.Len(t, outline, 1)
	assert.Equal(t, "Notes", outline[0].(map[string]any)["title"])

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/jobs/"+jobID, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/jobs/" + jobID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestUpload_UnsupportedExtension(t *testing.T) {
	ollama := fakeOllamaServer(t, "gemma2:2b", "unused")
	_, srv := newTestServer(t, ollama.URL)

	resp := uploadFile(t, srv.URL, "binary.exe", "not a document")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Contains(t, body["error"], "unsupported file type")
}

func TestJobStore_TTLEviction(t *testing.T) {
	js := NewJobStore(10 * time.Millisecond)
	job := newJob("doc.md", nil)
	js.Put(job)
	require.NotNil(t, js.Get(job.ID))

	time.Sleep(20 * time.Millisecond)
	js.Cleanup()
	assert.Nil(t, js.Get(job.ID))
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "doc.md", sanitizeFilename("../../etc/doc.md"))
	assert.Equal(t, "unnamed", sanitizeFilename(""))
	assert.Equal(t, "a_b.md", sanitizeFilename("a..b.md"))
}
