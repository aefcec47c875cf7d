package staging

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"weavebox/internal/logging"
	"weavebox/internal/store"
)

const (
	DefaultContentType = "application/octet-stream"
	AnonymousIdentity  = "anonymous"
	DefaultName        = "untitled"
)

var (
	ErrEmptyPayload  = errors.New("empty payload")
	ErrUnknownHandle = errors.New("unknown display handle")
)

// Service is the file staging store. It owns the lifecycle of staged files
// and the transient display handles that reference them.
type Service struct {
	store   store.Store
	handles *handleTable
	now     func() time.Time

	// mu serializes mutating calls against the durable store.
	mu sync.Mutex
}

// NewService creates a staging service backed by st.
func NewService(st store.Store) *Service {
	return &Service{
		store:   st,
		handles: newHandleTable(),
		now:     time.Now,
	}
}

// SetClock replaces the wall clock used for timestamps and handle idling.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Insert stages data as a new pending file and returns the stored record
// with a display handle attached.
func (s *Service) Insert(ctx context.Context, data []byte, contentType, name, identity string) (*store.StagedFile, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}
	if strings.TrimSpace(contentType) == "" {
		contentType = DefaultContentType
	}
	if strings.TrimSpace(identity) == "" {
		identity = AnonymousIdentity
	}
	if strings.TrimSpace(name) == "" {
		name = DefaultName
	}

	now := s.now()
	f := &store.StagedFile{
		Name:              name,
		Category:          CategoryOf(contentType),
		ContentType:       contentType,
		Payload:           data,
		Size:              humanize.IBytes(uint64(len(data))),
		ByteSize:          int64(len(data)),
		CreatedDate:       now.Format("2006-01-02"),
		CreatedTime:       now.Format("15:04:05"),
		Tx:                store.PendingTx,
		PermanentlyStored: true,
		UploadedBy:        identity,
		Status:            store.StatusPending,
	}

	s.mu.Lock()
	id, err := s.store.Insert(ctx, f)
	s.mu.Unlock()
	if err != nil {
		logging.Store.Printf("insert %q failed: %v", name, err)
		return nil, err
	}

	f.ID = id
	f.Handle = s.handles.attach(id, now)
	logging.Store.Printf("staged file %d (%s, %s)", id, name, f.Size)
	return f, nil
}

// ListAll returns every staged file, newest first, attaching a display
// handle to each record that does not have one yet.
func (s *Service) ListAll(ctx context.Context) ([]*store.StagedFile, error) {
	files, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for _, f := range files {
		f.Handle = s.handles.attach(f.ID, now)
	}
	return files, nil
}

// Get returns one staged file without attaching a display handle.
func (s *Service) Get(ctx context.Context, id int64) (*store.StagedFile, error) {
	return s.store.Get(ctx, id)
}

// UpdateStatus moves a file along the lifecycle. tx must be resolved when
// moving to uploaded and pending otherwise.
func (s *Service) UpdateStatus(ctx context.Context, id int64, status store.Status, tx store.TxRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.UpdateStatus(ctx, id, status, tx)
}

// Delete releases the display handle of id and removes the record.
func (s *Service) Delete(ctx context.Context, id int64) error {
	s.handles.release(id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	logging.Store.Printf("deleted staged file %d", id)
	return nil
}

// Release drops the display handle of id. The durable record is untouched.
func (s *Service) Release(id int64) bool {
	return s.handles.release(id)
}

// Open resolves a display handle to its record, payload included.
func (s *Service) Open(ctx context.Context, token string) (*store.StagedFile, error) {
	id, ok := s.handles.resolve(token, s.now())
	if !ok {
		return nil, ErrUnknownHandle
	}
	f, err := s.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		s.handles.release(id)
	}
	if err != nil {
		return nil, err
	}
	f.Handle = token
	return f, nil
}

// SweepHandles releases display handles not used within maxIdle.
func (s *Service) SweepHandles(maxIdle time.Duration) int {
	return s.handles.sweep(s.now().Add(-maxIdle))
}

// HandleCount returns the number of live display handles.
func (s *Service) HandleCount() int {
	return s.handles.len()
}

// BeginBatch flips every pending file to uploading and returns their ids.
func (s *Service) BeginBatch(ctx context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.MarkBatchUploading(ctx)
}

// RollbackBatch returns every uploading file to pending as a group.
func (s *Service) RollbackBatch(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.store.RollbackUploading(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Store.Printf("reverted %d uploading files to pending", n)
	}
	return n, nil
}

// Stats returns aggregate statistics about staged files.
func (s *Service) Stats(ctx context.Context) (*store.Stats, error) {
	return s.store.GetStats(ctx)
}
