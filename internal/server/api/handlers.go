package api

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"

	"github.com/labstack/echo/v4"

	"flashtransfer/internal/server/quota"
	"flashtransfer/internal/server/service"
)

// Pinger reports backend connectivity for the health endpoint.
// *database.DB satisfies it.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// Handler contains the HTTP handlers for the Flash Transfer API.
type Handler struct {
	svc *service.TransferService
	db  Pinger
}

// NewHandler creates a new handler with the given dependencies.
func NewHandler(svc *service.TransferService, db Pinger) *Handler {
	return &Handler{svc: svc, db: db}
}

// HandleUpload handles POST /api/upload.
// Accepts a multipart form with repeated "files" parts, a "plan_type" field
// (defaults to "free") and optional "sender_email" / "recipient_emails".
func (h *Handler) HandleUpload(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "invalid multipart form",
		})
	}

	planType := c.FormValue("plan_type")
	if planType == "" {
		planType = "free"
	}
	senderEmail := c.FormValue("sender_email")
	recipientEmails := c.FormValue("recipient_emails")

	fileHeaders := form.File["files"]
	batch := make([]service.FileUpload, 0, len(fileHeaders))
	var opened []multipart.File
	defer func() {
		for _, f := range opened {
			f.Close()
		}
	}()

	for _, fh := range fileHeaders {
		src, err := fh.Open()
		if err != nil {
			return c.JSON(http.StatusInternalServerError, echo.Map{
				"error": "failed to read uploaded file",
			})
		}
		opened = append(opened, src)
		batch = append(batch, service.FileUpload{
			Name:         fh.Filename,
			Content:      src,
			DeclaredSize: fh.Size,
		})
	}

	receipt, err := h.svc.CreateTransfer(
		c.Request().Context(),
		planType,
		senderEmail,
		recipientEmails,
		batch,
	)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"success":      true,
		"transfer_id":  receipt.TransferID,
		"files":        receipt.Files,
		"expires_at":   receipt.ExpiresAt,
		"download_url": receipt.DownloadURL,
	})
}

// HandleTransferInfo handles GET /api/transfer/:id.
// Returns the transfer snapshot without serving any content.
func (h *Handler) HandleTransferInfo(c echo.Context) error {
	id := c.Param("id")

	info, err := h.svc.GetInfo(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, info)
}

// HandleDownload handles GET /download/:id.
// Streams the transfer's first file as an attachment under its display name.
func (h *Handler) HandleDownload(c echo.Context) error {
	id := c.Param("id")

	dl, err := h.svc.DownloadTransfer(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(c, err)
	}
	defer dl.Content.Close()

	// FormatMediaType emits the RFC 5987 filename* form for non-ASCII
	// display names instead of mangling them with escape sequences.
	c.Response().Header().Set(echo.HeaderContentDisposition,
		mime.FormatMediaType("attachment", map[string]string{"filename": dl.Name}))
	c.Response().Header().Set(echo.HeaderContentLength, fmt.Sprintf("%d", dl.Size))

	return c.Stream(http.StatusOK, echo.MIMEOctetStream, dl.Content)
}

// HandleDelete handles DELETE /api/transfer/:id.
// Removes a transfer's blobs and metadata immediately.
func (h *Handler) HandleDelete(c echo.Context) error {
	id := c.Param("id")

	if err := h.svc.DeleteTransfer(c.Request().Context(), id); err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"message": "transfer deleted",
	})
}

// HandleHealth handles GET /health.
// Returns the health status of the server, including database connectivity.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	dbStatus := "connected"

	if err := h.db.HealthCheck(c.Request().Context()); err != nil {
		status = "degraded"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":   status,
		"database": dbStatus,
	})
}

// HandleStats handles GET /api/stats.
// Returns aggregate server statistics.
func (h *Handler) HandleStats(c echo.Context) error {
	stats, err := h.svc.Stats(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "failed to retrieve stats",
		})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"total_transfers":    stats.TotalTransfers,
		"active_transfers":   stats.ActiveTransfers,
		"total_downloads":    stats.TotalDownloads,
		"storage_used_bytes": stats.StorageUsed,
		"storage_used_human": humanizeBytes(stats.StorageUsed),
	})
}

// mapServiceError translates service-layer errors into the HTTP contract.
// Read-path misses are expected outcomes, not server failures.
func mapServiceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, quota.ErrInvalidPlan):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "Invalid plan type"})
	case errors.Is(err, quota.ErrQuotaExceeded):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "File size exceeds plan limit"})
	case errors.Is(err, service.ErrEmptyBatch):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "No files provided"})
	case errors.Is(err, service.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "Transfer not found"})
	case errors.Is(err, service.ErrExpired):
		return c.JSON(http.StatusGone, echo.Map{"error": "Transfer has expired"})
	case errors.Is(err, service.ErrNoFiles):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "No files found"})
	default:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
}

// humanizeBytes formats a byte count into a human-readable string.
func humanizeBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
