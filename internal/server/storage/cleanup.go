package storage

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"flashtransfer/internal/server/database"
)

// maxConcurrentReclaims bounds how many expired transfers a single sweep
// cycle processes in parallel.
const maxConcurrentReclaims = 4

// ExpiredLister is the slice of the metadata repository the sweeper needs.
type ExpiredLister interface {
	GetExpired(ctx context.Context) ([]*database.Transfer, error)
	DeleteTransfer(ctx context.Context, id string) error
}

// CleanupService periodically reclaims expired transfers: blobs first, then
// metadata. A transfer whose blobs cannot all be deleted keeps its metadata
// and is retried on the next cycle.
type CleanupService struct {
	repo     ExpiredLister
	store    BlobStore
	interval time.Duration
	done     chan struct{}
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(repo ExpiredLister, store BlobStore, interval time.Duration) *CleanupService {
	return &CleanupService{
		repo:     repo,
		store:    store,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start begins the cleanup loop in a background goroutine.
func (cs *CleanupService) Start(ctx context.Context) {
	slog.Info("cleanup service started", "interval", cs.interval)

	go func() {
		ticker := time.NewTicker(cs.interval)
		defer ticker.Stop()

		// Run once immediately on start
		cs.RunCycle(ctx)

		for {
			select {
			case <-ticker.C:
				cs.RunCycle(ctx)
			case <-ctx.Done():
				slog.Info("cleanup service stopping")
				close(cs.done)
				return
			}
		}
	}()
}

// Wait blocks until the cleanup service has fully stopped.
func (cs *CleanupService) Wait() {
	<-cs.done
}

// RunCycle performs one sweep over all expired transfers. Each transfer is
// reclaimed independently, so one stuck deletion never blocks the rest.
func (cs *CleanupService) RunCycle(ctx context.Context) {
	expired, err := cs.repo.GetExpired(ctx)
	if err != nil {
		slog.Error("failed to list expired transfers", "error", err)
		return
	}

	if len(expired) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(maxConcurrentReclaims)

	results := make([]bool, len(expired))
	for i, t := range expired {
		i, t := i, t
		g.Go(func() error {
			results[i] = cs.reclaim(ctx, t)
			return nil
		})
	}
	g.Wait()

	var cleaned, failed int
	for _, ok := range results {
		if ok {
			cleaned++
		} else {
			failed++
		}
	}

	slog.Info("cleanup cycle complete",
		"cleaned", cleaned,
		"failed", failed,
		"total_expired", len(expired),
	)
}

// reclaim deletes one expired transfer's blobs and then its metadata.
// Metadata is removed only once every blob delete has succeeded, so a
// transfer row never silently outlives only part of its content.
func (cs *CleanupService) reclaim(ctx context.Context, t *database.Transfer) bool {
	blobsGone := true
	for _, f := range t.Files {
		if err := cs.store.Delete(ctx, f.StorageKey); err != nil {
			slog.Error("failed to delete blob",
				"transfer_id", t.ID,
				"storage_key", f.StorageKey,
				"error", err,
			)
			blobsGone = false
		}
	}
	if !blobsGone {
		// Retry the whole transfer next cycle.
		return false
	}

	if err := cs.repo.DeleteTransfer(ctx, t.ID); err != nil {
		slog.Error("failed to delete transfer metadata",
			"transfer_id", t.ID,
			"error", err,
		)
		return false
	}

	slog.Info("reclaimed expired transfer",
		"transfer_id", t.ID,
		"file_count", t.FileCount,
		"expired_at", t.ExpiresAt,
	)
	return true
}
