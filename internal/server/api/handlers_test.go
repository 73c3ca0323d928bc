package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"flashtransfer/internal/server/config"
	"flashtransfer/internal/server/database"
	"flashtransfer/internal/server/quota"
	"flashtransfer/internal/server/service"
	"flashtransfer/internal/server/storage"
)

// memRepo is an in-memory service.MetadataRepo for handler tests.
type memRepo struct {
	mu        sync.Mutex
	transfers map[string]*database.Transfer
}

func newMemRepo() *memRepo {
	return &memRepo{transfers: make(map[string]*database.Transfer)}
}

func (r *memRepo) CreateTransfer(ctx context.Context, t *database.Transfer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	cp.Files = append([]database.File(nil), t.Files...)
	r.transfers[t.ID] = &cp
	return nil
}

func (r *memRepo) GetTransfer(ctx context.Context, id string) (*database.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transfers[id]
	if !ok {
		return nil, database.ErrTransferNotFound
	}
	cp := *t
	cp.Files = append([]database.File(nil), t.Files...)
	return &cp, nil
}

func (r *memRepo) IncrementDownloadCount(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transfers[id]
	if !ok {
		return database.ErrTransferNotFound
	}
	t.DownloadCount++
	return nil
}

func (r *memRepo) DeleteTransfer(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.transfers[id]; !ok {
		return database.ErrTransferNotFound
	}
	delete(r.transfers, id)
	return nil
}

func (r *memRepo) GetStats(ctx context.Context) (*database.Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &database.Stats{TotalTransfers: int64(len(r.transfers))}, nil
}

type okPinger struct{}

func (okPinger) HealthCheck(ctx context.Context) error { return nil }

func newTestRouter(t *testing.T, repo *memRepo) *echo.Echo {
	t.Helper()
	cfg := &config.Config{
		BaseURL:         "http://localhost:8080",
		RetentionPeriod: 10 * 24 * time.Hour,
		RateLimitRPS:    1000,
		RateLimitBurst:  1000,
		PlanLimits: map[string]int64{
			"free":     1 * 1024 * 1024, // shrunk for tests
			"standard": 5 * 1024 * 1024,
			"premium":  10 * 1024 * 1024,
		},
	}
	store := storage.NewFileSystemStore(t.TempDir())
	if err := store.EnsureReady(context.Background()); err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	svc := service.NewTransferService(repo, store, quota.NewPolicy(cfg.PlanLimits), cfg)
	return SetupRouter(NewHandler(svc, okPinger{}), cfg)
}

// multipartBody builds an upload form with the given fields and files.
func multipartBody(t *testing.T, fields map[string]string, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for key, val := range fields {
		if err := w.WriteField(key, val); err != nil {
			t.Fatalf("failed to write field: %v", err)
		}
	}
	for name, content := range files {
		fw, err := w.CreateFormFile("files", name)
		if err != nil {
			t.Fatalf("failed to create form file: %v", err)
		}
		if _, err := fw.Write([]byte(content)); err != nil {
			t.Fatalf("failed to write file content: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}
	return &buf, w.FormDataContentType()
}

func doUpload(t *testing.T, e *echo.Echo, fields map[string]string, files map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartBody(t, fields, files)
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHandleUpload(t *testing.T) {
	t.Run("two files under free plan", func(t *testing.T) {
		e := newTestRouter(t, newMemRepo())

		rec := doUpload(t, e,
			map[string]string{"plan_type": "free"},
			map[string]string{
				"photo.jpg": strings.Repeat("a", 1000),
				"video.mp4": strings.Repeat("b", 2000),
			})

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}

		resp := decodeJSON(t, rec)
		if resp["success"] != true {
			t.Error("expected success true")
		}
		if resp["transfer_id"] == "" || resp["transfer_id"] == nil {
			t.Error("expected a transfer_id")
		}
		files, ok := resp["files"].([]any)
		if !ok || len(files) != 2 {
			t.Fatalf("expected 2 file entries, got %v", resp["files"])
		}
		if resp["download_url"] == nil {
			t.Error("expected a download_url")
		}
		if _, err := time.Parse(time.RFC3339, resp["expires_at"].(string)); err != nil {
			t.Errorf("expires_at not ISO-8601: %v", err)
		}
	})

	t.Run("plan defaults to free", func(t *testing.T) {
		repo := newMemRepo()
		e := newTestRouter(t, repo)

		rec := doUpload(t, e, nil, map[string]string{"a.txt": "hello"})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}

		resp := decodeJSON(t, rec)
		stored, err := repo.GetTransfer(context.Background(), resp["transfer_id"].(string))
		if err != nil {
			t.Fatalf("transfer not stored: %v", err)
		}
		if stored.PlanType != "free" {
			t.Errorf("expected plan free, got %q", stored.PlanType)
		}
	})

	t.Run("invalid plan type", func(t *testing.T) {
		repo := newMemRepo()
		e := newTestRouter(t, repo)

		rec := doUpload(t, e,
			map[string]string{"plan_type": "enterprise"},
			map[string]string{"a.txt": "hello"})

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
		if decodeJSON(t, rec)["error"] != "Invalid plan type" {
			t.Errorf("unexpected error body: %s", rec.Body.String())
		}
		if len(repo.transfers) != 0 {
			t.Error("no transfer row may exist after a rejected upload")
		}
	})

	t.Run("quota exceeded", func(t *testing.T) {
		repo := newMemRepo()
		e := newTestRouter(t, repo)

		// Free test limit is 1 MiB; upload more than that.
		rec := doUpload(t, e,
			map[string]string{"plan_type": "free"},
			map[string]string{"big.bin": strings.Repeat("x", 2*1024*1024)})

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
		if decodeJSON(t, rec)["error"] != "File size exceeds plan limit" {
			t.Errorf("unexpected error body: %s", rec.Body.String())
		}
		if len(repo.transfers) != 0 {
			t.Error("no transfer row may exist after quota rejection")
		}
	})

	t.Run("no files", func(t *testing.T) {
		e := newTestRouter(t, newMemRepo())

		rec := doUpload(t, e, map[string]string{"plan_type": "free"}, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})
}

func TestHandleTransferInfo(t *testing.T) {
	t.Run("success snapshot", func(t *testing.T) {
		e := newTestRouter(t, newMemRepo())

		up := doUpload(t, e,
			map[string]string{"plan_type": "standard"},
			map[string]string{"doc.pdf": "content"})
		id := decodeJSON(t, up)["transfer_id"].(string)

		req := httptest.NewRequest(http.MethodGet, "/api/transfer/"+id, nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		resp := decodeJSON(t, rec)
		if resp["plan_type"] != "standard" {
			t.Errorf("unexpected plan_type: %v", resp["plan_type"])
		}
		if resp["file_count"] != float64(1) {
			t.Errorf("unexpected file_count: %v", resp["file_count"])
		}
		if resp["total_size"] != float64(len("content")) {
			t.Errorf("unexpected total_size: %v", resp["total_size"])
		}
		if resp["download_count"] != float64(0) {
			t.Errorf("info must not count downloads: %v", resp["download_count"])
		}
	})

	t.Run("unknown id returns 404", func(t *testing.T) {
		e := newTestRouter(t, newMemRepo())

		req := httptest.NewRequest(http.MethodGet, "/api/transfer/nope", nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
		if decodeJSON(t, rec)["error"] != "Transfer not found" {
			t.Errorf("unexpected error body: %s", rec.Body.String())
		}
	})

	t.Run("expired id returns 410 not 404", func(t *testing.T) {
		repo := newMemRepo()
		repo.transfers["expired"] = &database.Transfer{
			ID:        "expired",
			PlanType:  "free",
			ExpiresAt: time.Now().Add(-time.Hour),
		}
		e := newTestRouter(t, repo)

		req := httptest.NewRequest(http.MethodGet, "/api/transfer/expired", nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		if rec.Code != http.StatusGone {
			t.Fatalf("expected 410, got %d", rec.Code)
		}
		if decodeJSON(t, rec)["error"] != "Transfer has expired" {
			t.Errorf("unexpected error body: %s", rec.Body.String())
		}
	})
}

func TestHandleDownload(t *testing.T) {
	t.Run("serves attachment with original name", func(t *testing.T) {
		e := newTestRouter(t, newMemRepo())

		up := doUpload(t, e, nil, map[string]string{"report.pdf": "pdf-bytes"})
		id := decodeJSON(t, up)["transfer_id"].(string)

		req := httptest.NewRequest(http.MethodGet, "/download/"+id, nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		mediaType, params, err := mime.ParseMediaType(rec.Header().Get(echo.HeaderContentDisposition))
		if err != nil {
			t.Fatalf("bad disposition header: %v", err)
		}
		if mediaType != "attachment" || params["filename"] != "report.pdf" {
			t.Errorf("unexpected disposition: %s %v", mediaType, params)
		}
		body, _ := io.ReadAll(rec.Body)
		if string(body) != "pdf-bytes" {
			t.Errorf("content mismatch: %q", body)
		}

		// The download must have been counted exactly once.
		infoReq := httptest.NewRequest(http.MethodGet, "/api/transfer/"+id, nil)
		infoRec := httptest.NewRecorder()
		e.ServeHTTP(infoRec, infoReq)
		if decodeJSON(t, infoRec)["download_count"] != float64(1) {
			t.Errorf("expected download_count 1: %s", infoRec.Body.String())
		}
	})

	t.Run("non-ascii name survives the disposition header", func(t *testing.T) {
		e := newTestRouter(t, newMemRepo())

		up := doUpload(t, e, nil, map[string]string{"résumé café.pdf": "data"})
		id := decodeJSON(t, up)["transfer_id"].(string)

		req := httptest.NewRequest(http.MethodGet, "/download/"+id, nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		got := rec.Header().Get(echo.HeaderContentDisposition)
		if strings.Contains(got, `\u`) {
			t.Errorf("disposition contains escape sequences: %q", got)
		}
		mediaType, params, err := mime.ParseMediaType(got)
		if err != nil {
			t.Fatalf("bad disposition header %q: %v", got, err)
		}
		if mediaType != "attachment" || params["filename"] != "résumé café.pdf" {
			t.Errorf("display name mangled: %s %v", mediaType, params)
		}
	})

	t.Run("expired returns 410", func(t *testing.T) {
		repo := newMemRepo()
		repo.transfers["old"] = &database.Transfer{
			ID:        "old",
			PlanType:  "free",
			ExpiresAt: time.Now().Add(-time.Minute),
			Files:     []database.File{{ID: "f", StorageKey: "k", DisplayName: "a"}},
		}
		e := newTestRouter(t, repo)

		req := httptest.NewRequest(http.MethodGet, "/download/old", nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		if rec.Code != http.StatusGone {
			t.Fatalf("expected 410, got %d", rec.Code)
		}
	})

	t.Run("unknown id returns 404", func(t *testing.T) {
		e := newTestRouter(t, newMemRepo())

		req := httptest.NewRequest(http.MethodGet, "/download/nope", nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("transfer without files returns 404", func(t *testing.T) {
		repo := newMemRepo()
		repo.transfers["bare"] = &database.Transfer{
			ID:        "bare",
			PlanType:  "free",
			ExpiresAt: time.Now().Add(time.Hour),
		}
		e := newTestRouter(t, repo)

		req := httptest.NewRequest(http.MethodGet, "/download/bare", nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})
}

func TestHandleDelete(t *testing.T) {
	e := newTestRouter(t, newMemRepo())

	up := doUpload(t, e, nil, map[string]string{"a.txt": "data"})
	id := decodeJSON(t, up)["transfer_id"].(string)

	req := httptest.NewRequest(http.MethodDelete, "/api/transfer/"+id, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	infoReq := httptest.NewRequest(http.MethodGet, "/api/transfer/"+id, nil)
	infoRec := httptest.NewRecorder()
	e.ServeHTTP(infoRec, infoReq)
	if infoRec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", infoRec.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	e := newTestRouter(t, newMemRepo())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if decodeJSON(t, rec)["status"] != "healthy" {
		t.Errorf("unexpected health body: %s", rec.Body.String())
	}
}
