package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"flashtransfer/internal/server/config"
	"flashtransfer/internal/server/database"
	"flashtransfer/internal/server/quota"
	"flashtransfer/internal/server/storage"
)

// Sentinel errors for the service layer.
var (
	ErrNotFound     = errors.New("transfer not found")
	ErrExpired      = errors.New("transfer has expired")
	ErrEmptyBatch   = errors.New("no files in upload batch")
	ErrNoFiles      = errors.New("transfer has no files")
	ErrStorageWrite = errors.New("failed to store file content")
)

// MetadataRepo is the slice of the metadata repository the service needs.
// *database.Repository satisfies it.
type MetadataRepo interface {
	CreateTransfer(ctx context.Context, t *database.Transfer) error
	GetTransfer(ctx context.Context, id string) (*database.Transfer, error)
	IncrementDownloadCount(ctx context.Context, id string) error
	DeleteTransfer(ctx context.Context, id string) error
	GetStats(ctx context.Context) (*database.Stats, error)
}

// FileUpload is one file in an upload batch. DeclaredSize is the size the
// client claims (e.g. from the multipart header); it is used only for quota
// admission, never persisted.
type FileUpload struct {
	Name         string
	Content      io.Reader
	DeclaredSize int64
}

// FileEntry describes one stored file in API responses.
type FileEntry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// TransferReceipt is returned after a successful upload.
type TransferReceipt struct {
	TransferID  string      `json:"transfer_id"`
	Files       []FileEntry `json:"files"`
	ExpiresAt   time.Time   `json:"expires_at"`
	DownloadURL string      `json:"download_url"`
}

// TransferInfo is a read-only snapshot of a transfer.
type TransferInfo struct {
	TransferID    string      `json:"transfer_id"`
	PlanType      string      `json:"plan_type"`
	TotalSize     int64       `json:"total_size"`
	FileCount     int         `json:"file_count"`
	CreatedAt     time.Time   `json:"created_at"`
	ExpiresAt     time.Time   `json:"expires_at"`
	DownloadCount int         `json:"download_count"`
	Files         []FileEntry `json:"files"`
}

// Download is an open content stream for a file being served. The caller
// must Close it.
type Download struct {
	Content io.ReadCloser
	Name    string
	Size    int64
}

// TransferService contains the business logic for the transfer lifecycle:
// atomic batch intake, retrieval with logical expiry checks, and explicit
// deletion.
type TransferService struct {
	repo   MetadataRepo
	store  storage.BlobStore
	policy *quota.Policy
	cfg    *config.Config
}

// NewTransferService creates a new transfer service.
func NewTransferService(repo MetadataRepo, store storage.BlobStore, policy *quota.Policy, cfg *config.Config) *TransferService {
	return &TransferService{
		repo:   repo,
		store:  store,
		policy: policy,
		cfg:    cfg,
	}
}

// CreateTransfer accepts an upload batch all-or-nothing:
// quota is checked before any byte is written, every file's blob is stored
// under a fresh server-generated key, and the metadata for the transfer and
// all its files is committed in a single transaction. If anything fails
// mid-batch, blobs already written are deleted best-effort and the transfer
// is never visible to readers.
func (s *TransferService) CreateTransfer(ctx context.Context, plan, senderEmail, recipientEmails string, batch []FileUpload) (*TransferReceipt, error) {
	if len(batch) == 0 {
		return nil, ErrEmptyBatch
	}

	// Admit on declared sizes; nothing has been written yet, so a
	// rejection requires no cleanup.
	var declared int64
	for _, up := range batch {
		declared += up.DeclaredSize
	}
	if err := s.policy.Admit(plan, declared); err != nil {
		return nil, err
	}

	transferID := uuid.NewString()
	now := time.Now().UTC()

	var (
		files       []database.File
		entries     []FileEntry
		writtenKeys []string
		totalSize   int64
	)
	for i, up := range batch {
		fileID := uuid.NewString()
		// The storage key is the file ID: unique across the system and
		// fully decoupled from the client-supplied display name.
		key := fileID

		n, err := s.store.Save(ctx, key, up.Content)
		if err != nil {
			s.discardBlobs(ctx, transferID, writtenKeys)
			return nil, fmt.Errorf("%w: %v", ErrStorageWrite, err)
		}
		writtenKeys = append(writtenKeys, key)
		totalSize += n

		name := sanitizeFilename(up.Name)
		files = append(files, database.File{
			ID:          fileID,
			TransferID:  transferID,
			DisplayName: name,
			StorageKey:  key,
			Size:        n, // actual persisted bytes, not the declared size
			Position:    i,
			UploadedAt:  now,
		})
		entries = append(entries, FileEntry{ID: fileID, Name: name, Size: n})
	}

	transfer := &database.Transfer{
		ID:              transferID,
		PlanType:        plan,
		TotalSize:       totalSize,
		FileCount:       len(files),
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.cfg.RetentionPeriod),
		DownloadCount:   0,
		SenderEmail:     optional(senderEmail),
		RecipientEmails: optional(recipientEmails),
		Files:           files,
	}

	if err := s.repo.CreateTransfer(ctx, transfer); err != nil {
		s.discardBlobs(ctx, transferID, writtenKeys)
		return nil, fmt.Errorf("failed to persist transfer: %w", err)
	}

	slog.Info("transfer created",
		"transfer_id", transferID,
		"plan_type", plan,
		"file_count", len(files),
		"total_size", totalSize,
		"expires_at", transfer.ExpiresAt,
	)

	return &TransferReceipt{
		TransferID:  transferID,
		Files:       entries,
		ExpiresAt:   transfer.ExpiresAt,
		DownloadURL: fmt.Sprintf("%s/download/%s", s.cfg.BaseURL, transferID),
	}, nil
}

// GetInfo returns a read-only snapshot of a transfer. Expiry is checked
// logically on every read; the sweeper may not have run yet.
func (s *TransferService) GetInfo(ctx context.Context, id string) (*TransferInfo, error) {
	transfer, err := s.lookupLive(ctx, id)
	if err != nil {
		return nil, err
	}

	entries := make([]FileEntry, 0, len(transfer.Files))
	for _, f := range transfer.Files {
		entries = append(entries, FileEntry{ID: f.ID, Name: f.DisplayName, Size: f.Size})
	}

	return &TransferInfo{
		TransferID:    transfer.ID,
		PlanType:      transfer.PlanType,
		TotalSize:     transfer.TotalSize,
		FileCount:     transfer.FileCount,
		CreatedAt:     transfer.CreatedAt,
		ExpiresAt:     transfer.ExpiresAt,
		DownloadCount: transfer.DownloadCount,
		Files:         entries,
	}, nil
}

// DownloadTransfer increments the download counter and returns the content
// stream of the transfer's first file. Multi-file transfers serve only the
// first file on a bare download.
func (s *TransferService) DownloadTransfer(ctx context.Context, id string) (*Download, error) {
	transfer, err := s.lookupLive(ctx, id)
	if err != nil {
		return nil, err
	}

	if len(transfer.Files) == 0 {
		return nil, ErrNoFiles
	}
	first := transfer.Files[0]

	content, err := s.store.Open(ctx, first.StorageKey)
	if err != nil {
		if errors.Is(err, storage.ErrBlobNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}

	// Counted only once the content stream is open, so a failed open is
	// never a counted download. The increment is a single atomic update in
	// the repository, so concurrent downloads never lose counts.
	if err := s.repo.IncrementDownloadCount(ctx, id); err != nil {
		content.Close()
		if errors.Is(err, database.ErrTransferNotFound) {
			// The sweeper won the race; treat like any other miss.
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to increment download count: %w", err)
	}

	return &Download{
		Content: content,
		Name:    first.DisplayName,
		Size:    first.Size,
	}, nil
}

// DeleteTransfer removes a transfer immediately: blobs first, then the file
// rows and transfer row. A blob that fails to delete is logged and left as
// an orphan rather than blocking the metadata removal.
func (s *TransferService) DeleteTransfer(ctx context.Context, id string) error {
	transfer, err := s.repo.GetTransfer(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrTransferNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get transfer: %w", err)
	}

	for _, f := range transfer.Files {
		if err := s.store.Delete(ctx, f.StorageKey); err != nil {
			slog.Error("failed to delete blob",
				"transfer_id", id,
				"storage_key", f.StorageKey,
				"error", err,
			)
		}
	}

	if err := s.repo.DeleteTransfer(ctx, id); err != nil {
		return fmt.Errorf("failed to delete transfer record: %w", err)
	}

	slog.Info("transfer deleted", "transfer_id", id, "file_count", transfer.FileCount)
	return nil
}

// Stats returns aggregate server statistics.
func (s *TransferService) Stats(ctx context.Context) (*database.Stats, error) {
	return s.repo.GetStats(ctx)
}

// lookupLive fetches a transfer and applies the logical expiry gate.
func (s *TransferService) lookupLive(ctx context.Context, id string) (*database.Transfer, error) {
	transfer, err := s.repo.GetTransfer(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrTransferNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get transfer: %w", err)
	}

	if time.Now().After(transfer.ExpiresAt) {
		return nil, ErrExpired
	}
	return transfer, nil
}

// discardBlobs removes blobs written for a failed batch. Failures are
// logged; an orphaned blob is a tolerated leak, not a correctness problem.
func (s *TransferService) discardBlobs(ctx context.Context, transferID string, keys []string) {
	for _, key := range keys {
		if err := s.store.Delete(ctx, key); err != nil {
			slog.Error("failed to clean up blob for aborted upload",
				"transfer_id", transferID,
				"storage_key", key,
				"error", err,
			)
		}
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// sanitizeFilename strips directory components and limits length. The
// result is only ever a display name; blobs are located by storage key.
func sanitizeFilename(name string) string {
	// Normalize Windows-style backslashes before calling filepath.Base,
	// which is platform-specific.
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)

	if len(name) > 255 {
		ext := filepath.Ext(name)
		name = name[:255-len(ext)] + ext
	}

	if name == "" || name == "." || name == ".." {
		name = "file"
	}

	return name
}
