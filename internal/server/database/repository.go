package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var (
	ErrTransferNotFound = errors.New("transfer not found")
)

// Repository provides CRUD operations for transfers and their files.
type Repository struct {
	db *DB
}

// NewRepository creates a new Repository.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// CreateTransfer inserts the transfer row and all of its file rows in a
// single transaction. The commit is the visibility barrier: readers never
// observe a transfer with a partial file set.
func (r *Repository) CreateTransfer(ctx context.Context, t *Transfer) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO transfers (
			id, plan_type, total_size, file_count,
			created_at, expires_at, download_count,
			sender_email, recipient_emails
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		t.ID,
		t.PlanType,
		t.TotalSize,
		t.FileCount,
		t.CreatedAt,
		t.ExpiresAt,
		t.DownloadCount,
		t.SenderEmail,
		t.RecipientEmails,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transfer: %w", err)
	}

	for _, f := range t.Files {
		_, err = tx.Exec(ctx, `
			INSERT INTO files (
				id, transfer_id, display_name, storage_key,
				size, position, uploaded_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
		`,
			f.ID,
			f.TransferID,
			f.DisplayName,
			f.StorageKey,
			f.Size,
			f.Position,
			f.UploadedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert file %s: %w", f.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transfer: %w", err)
	}
	return nil
}

// GetTransfer retrieves a transfer and its files, ordered by upload position.
func (r *Repository) GetTransfer(ctx context.Context, id string) (*Transfer, error) {
	t := &Transfer{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, plan_type, total_size, file_count,
			   created_at, expires_at, download_count,
			   sender_email, recipient_emails
		FROM transfers WHERE id = $1
	`, id).Scan(
		&t.ID,
		&t.PlanType,
		&t.TotalSize,
		&t.FileCount,
		&t.CreatedAt,
		&t.ExpiresAt,
		&t.DownloadCount,
		&t.SenderEmail,
		&t.RecipientEmails,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, fmt.Errorf("failed to get transfer: %w", err)
	}

	files, err := r.filesForTransfer(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	t.Files = files
	return t, nil
}

// IncrementDownloadCount atomically increments the download counter.
// Concurrent downloads go through a single UPDATE, so no update is lost.
func (r *Repository) IncrementDownloadCount(ctx context.Context, id string) error {
	tag, err := r.db.Pool.Exec(ctx,
		"UPDATE transfers SET download_count = download_count + 1 WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to increment download count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}

// DeleteTransfer removes the file rows and then the transfer row in one
// transaction. Blob deletion is the caller's responsibility and must happen
// before this call.
func (r *Repository) DeleteTransfer(ctx context.Context, id string) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM files WHERE transfer_id = $1", id); err != nil {
		return fmt.Errorf("failed to delete files: %w", err)
	}

	tag, err := tx.Exec(ctx, "DELETE FROM transfers WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete transfer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTransferNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// GetExpired returns all transfers whose expiration time has passed,
// with their files loaded so the caller can reclaim blob storage.
func (r *Repository) GetExpired(ctx context.Context) ([]*Transfer, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, plan_type, total_size, file_count,
			   created_at, expires_at, download_count,
			   sender_email, recipient_emails
		FROM transfers WHERE expires_at < NOW()
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired transfers: %w", err)
	}
	defer rows.Close()

	var transfers []*Transfer
	for rows.Next() {
		t := &Transfer{}
		if err := rows.Scan(
			&t.ID,
			&t.PlanType,
			&t.TotalSize,
			&t.FileCount,
			&t.CreatedAt,
			&t.ExpiresAt,
			&t.DownloadCount,
			&t.SenderEmail,
			&t.RecipientEmails,
		); err != nil {
			return nil, fmt.Errorf("failed to scan expired transfer: %w", err)
		}
		transfers = append(transfers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, t := range transfers {
		files, err := r.filesForTransfer(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		t.Files = files
	}
	return transfers, nil
}

// GetStats returns aggregate server statistics.
func (r *Repository) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := r.db.Pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE expires_at > NOW()),
			COALESCE(SUM(download_count), 0)
		FROM transfers
	`).Scan(
		&stats.TotalTransfers,
		&stats.ActiveTransfers,
		&stats.TotalDownloads,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get transfer stats: %w", err)
	}

	err = r.db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(f.size), 0)
		FROM files f
		JOIN transfers t ON t.id = f.transfer_id
		WHERE t.expires_at > NOW()
	`).Scan(&stats.StorageUsed)
	if err != nil {
		return nil, fmt.Errorf("failed to get storage stats: %w", err)
	}
	return stats, nil
}

func (r *Repository) filesForTransfer(ctx context.Context, transferID string) ([]File, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, transfer_id, display_name, storage_key,
			   size, position, uploaded_at
		FROM files WHERE transfer_id = $1
		ORDER BY position
	`, transferID)
	if err != nil {
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		f := File{}
		if err := rows.Scan(
			&f.ID,
			&f.TransferID,
			&f.DisplayName,
			&f.StorageKey,
			&f.Size,
			&f.Position,
			&f.UploadedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}
