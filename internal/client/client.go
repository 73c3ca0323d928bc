// Package client implements the upload side of the flash CLI: argument
// validation and the multipart request against a running server.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

type ValidationError struct {
	Arg   string
	Cause string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Arg, e.Cause)
}

// ValidatePaths checks that every argument names an existing regular file.
// Directories are rejected; the server takes individual files.
func ValidatePaths(args []string) ([]string, error) {
	if len(args) == 0 {
		return nil, &ValidationError{Arg: "<files>", Cause: "no files provided"}
	}

	var out []string
	for _, raw := range args {
		p := filepath.Clean(raw)
		info, err := os.Stat(p)
		if err != nil {
			return nil, &ValidationError{Arg: raw, Cause: "not found or not accessible"}
		}
		if info.IsDir() {
			return nil, &ValidationError{Arg: raw, Cause: "is a directory"}
		}
		out = append(out, p)
	}
	return out, nil
}

// FileEntry mirrors the server's per-file response entry.
type FileEntry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// UploadResult is the server's response to a successful upload.
type UploadResult struct {
	Success     bool        `json:"success"`
	TransferID  string      `json:"transfer_id"`
	Files       []FileEntry `json:"files"`
	ExpiresAt   time.Time   `json:"expires_at"`
	DownloadURL string      `json:"download_url"`
}

// Client uploads transfers to a Flash Transfer server.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New creates a client for the given server base URL.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

// Upload sends the given files as one transfer under the given plan tier.
// The request body is streamed, so large files are never buffered in memory.
func (c *Client) Upload(ctx context.Context, plan string, paths []string) (*UploadResult, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeForm(mw, plan, paths))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/upload", pr)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errBody struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&errBody); err == nil && errBody.Error != "" {
			return nil, fmt.Errorf("server rejected upload: %s", errBody.Error)
		}
		return nil, fmt.Errorf("server rejected upload: status %d", resp.StatusCode)
	}

	result := &UploadResult{}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return result, nil
}

func writeForm(mw *multipart.Writer, plan string, paths []string) error {
	if err := mw.WriteField("plan_type", plan); err != nil {
		return fmt.Errorf("failed to write plan field: %w", err)
	}

	for _, path := range paths {
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", path, err)
		}

		part, err := mw.CreateFormFile("files", filepath.Base(path))
		if err != nil {
			file.Close()
			return fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := io.Copy(part, file); err != nil {
			file.Close()
			return fmt.Errorf("failed to copy %s: %w", path, err)
		}
		file.Close()
	}

	return mw.Close()
}
