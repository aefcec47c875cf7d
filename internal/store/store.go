package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStorage           = errors.New("storage failure")
)

// Status is the upload lifecycle state of a staged file.
type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusUploaded  Status = "uploaded"
)

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusUploading, StatusUploaded:
		return true
	}
	return false
}

// Predecessor returns the only state a record may leave to enter s.
// pending is entered from uploading through the batch rollback edge.
func (s Status) Predecessor() (Status, bool) {
	switch s {
	case StatusUploading:
		return StatusPending, true
	case StatusUploaded, StatusPending:
		return StatusUploading, true
	}
	return "", false
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to Status) bool {
	prev, ok := to.Predecessor()
	return ok && prev == from
}

// Category is the coarse file kind derived from the content type at insert.
type Category string

const (
	CategoryImage    Category = "image"
	CategoryVideo    Category = "video"
	CategoryAudio    Category = "audio"
	CategoryDocument Category = "document"
	CategoryArchive  Category = "archive"
	CategoryFile     Category = "file"
)

const pendingTx = "pending"

// TxRef is the remote transaction id of a staged file: either Pending or
// resolved to an opaque id. The zero value is Pending.
type TxRef struct {
	id string
}

// PendingTx is the unresolved transaction reference.
var PendingTx = TxRef{}

// ResolvedTx returns a reference to id. An empty id or the "pending"
// sentinel yields PendingTx.
func ResolvedTx(id string) TxRef {
	if id == "" || id == pendingTx {
		return PendingTx
	}
	return TxRef{id: id}
}

func (t TxRef) Pending() bool { return t.id == "" }

// ID returns the resolved id, or "" while pending.
func (t TxRef) ID() string { return t.id }

// String returns the stored form: the id, or "pending".
func (t TxRef) String() string {
	if t.Pending() {
		return pendingTx
	}
	return t.id
}

func (t TxRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TxRef) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*t = ResolvedTx(s)
	return nil
}

// StagedFile is a file held locally until it is stored permanently.
type StagedFile struct {
	ID                int64    `json:"id"`
	Name              string   `json:"name"`
	Category          Category `json:"type"`
	ContentType       string   `json:"contentType"`
	Payload           []byte   `json:"-"`
	Size              string   `json:"size"`
	ByteSize          int64    `json:"sizeInBytes"`
	CreatedDate       string   `json:"date"`
	CreatedTime       string   `json:"time"`
	Tx                TxRef    `json:"txHash"`
	PermanentlyStored bool     `json:"permanentlyStored"`
	UploadedBy        string   `json:"uploadedBy"`
	Status            Status   `json:"status"`

	// Handle is a transient display reference, never persisted.
	Handle string `json:"handle,omitempty"`
}

// Stats contains aggregate statistics about staged files.
type Stats struct {
	TotalFiles     int
	PendingFiles   int
	UploadingFiles int
	UploadedFiles  int
	TotalBytes     int64
	PendingBytes   int64
	UploadedBytes  int64
	OldestFile     time.Time
	NewestFile     time.Time
	ByCategory     map[Category]int
}

// Store defines the interface for staged file persistence.
type Store interface {
	Insert(ctx context.Context, f *StagedFile) (int64, error)
	Get(ctx context.Context, id int64) (*StagedFile, error)
	List(ctx context.Context) ([]*StagedFile, error)
	UpdateStatus(ctx context.Context, id int64, to Status, tx TxRef) error
	MarkBatchUploading(ctx context.Context) ([]int64, error)
	RollbackUploading(ctx context.Context) (int64, error)
	Delete(ctx context.Context, id int64) error
	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}
