package database

import "time"

// Transfer is a batch of files uploaded together. TotalSize and FileCount
// are fixed at creation; DownloadCount is the only field that changes
// afterwards.
type Transfer struct {
	ID              string
	PlanType        string
	TotalSize       int64
	FileCount       int
	CreatedAt       time.Time
	ExpiresAt       time.Time
	DownloadCount   int
	SenderEmail     *string // nil when not provided
	RecipientEmails *string
	Files           []File // ordered by upload position
}

// File is a single stored file belonging to a transfer. DisplayName is the
// client-supplied name and is never used to locate the blob; StorageKey is.
type File struct {
	ID          string
	TransferID  string
	DisplayName string
	StorageKey  string
	Size        int64
	Position    int
	UploadedAt  time.Time
}

// Stats holds aggregate server statistics.
type Stats struct {
	TotalTransfers  int64
	ActiveTransfers int64
	TotalDownloads  int64
	StorageUsed     int64
}
