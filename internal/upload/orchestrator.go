package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"weavebox/internal/logging"
	"weavebox/internal/store"
	"weavebox/internal/transport"
	"weavebox/internal/wallet"
)

// FreeUploadLimit is the size up to which uploads are free and no cost
// estimate is requested.
const FreeUploadLimit = 100 * 1024

// ErrRunInProgress is returned when a run is started while another is active.
var ErrRunInProgress = errors.New("upload run already in progress")

// Stager is the part of the staging store the orchestrator drives.
type Stager interface {
	BeginBatch(ctx context.Context) ([]int64, error)
	RollbackBatch(ctx context.Context) (int64, error)
	Get(ctx context.Context, id int64) (*store.StagedFile, error)
	UpdateStatus(ctx context.Context, id int64, status store.Status, tx store.TxRef) error
}

// Result describes what happened to one staged file during a run.
type Result struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Tx    string `json:"txHash,omitempty"`
	Cost  string `json:"cost,omitempty"`
	Error string `json:"error,omitempty"`
}

// Report summarizes one orchestration run.
type Report struct {
	RunID    string    `json:"runId"`
	Wallet   string    `json:"wallet"`
	Uploaded []Result  `json:"uploaded"`
	Skipped  []Result  `json:"skipped"`
	Failed   []Result  `json:"failed"`
	Reverted int64     `json:"reverted"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
}

// Orchestrator pushes every pending staged file through the transport.
type Orchestrator struct {
	staging   Stager
	transport transport.Transport
	wallet    wallet.Connector

	// run is held for the whole of a run; concurrent runs are refused.
	run    sync.Mutex
	active atomic.Bool
}

// NewOrchestrator creates an orchestrator over the given collaborators.
func NewOrchestrator(st Stager, tr transport.Transport, w wallet.Connector) *Orchestrator {
	return &Orchestrator{staging: st, transport: tr, wallet: w}
}

// Running reports whether a run is active.
func (o *Orchestrator) Running() bool {
	return o.active.Load()
}

// Run uploads every pending file once. A single file's failure does not
// abort the batch; when the run ends, files still uploading are reverted to
// pending together so a later run picks them up.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	if !o.run.TryLock() {
		return nil, ErrRunInProgress
	}
	o.active.Store(true)
	defer func() {
		o.active.Store(false)
		o.run.Unlock()
	}()

	report := &Report{
		RunID:    uuid.NewString(),
		Uploaded: []Result{},
		Skipped:  []Result{},
		Failed:   []Result{},
		Started:  time.Now(),
	}

	ids, err := o.staging.BeginBatch(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		// Revert even if the caller has gone away.
		n, err := o.staging.RollbackBatch(context.WithoutCancel(ctx))
		if err != nil {
			logging.Internal.Printf("run %s: rollback failed: %v", report.RunID, err)
		}
		report.Reverted = n
		report.Finished = time.Now()
	}()

	if len(ids) == 0 {
		logging.Internal.Printf("run %s: nothing to upload", report.RunID)
		return report, nil
	}

	address, err := o.resolveWallet(ctx)
	if err != nil {
		logging.Internal.Printf("run %s: wallet unavailable, reverting %d files: %v", report.RunID, len(ids), err)
		return report, fmt.Errorf("resolve wallet: %w", err)
	}
	report.Wallet = address

	logging.Internal.Printf("run %s: uploading %d files for %s", report.RunID, len(ids), address)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			logging.Internal.Printf("run %s: cancelled before file %d", report.RunID, id)
			return report, err
		}

		f, err := o.staging.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue // deleted since the batch began
		}
		if err != nil {
			return report, err
		}

		if !f.Tx.Pending() {
			report.Skipped = append(report.Skipped, Result{ID: f.ID, Name: f.Name, Tx: f.Tx.ID()})
			continue
		}

		res, err := o.uploadOne(ctx, f, address)
		if err != nil {
			if errors.Is(err, store.ErrStorage) || errors.Is(err, store.ErrInvalidTransition) {
				return report, err
			}
			res.Error = err.Error()
			report.Failed = append(report.Failed, res)
			logging.Internal.Printf("run %s: file %d (%s) failed: %v", report.RunID, f.ID, f.Name, err)
			continue
		}
		report.Uploaded = append(report.Uploaded, res)
	}

	logging.Internal.Printf("run %s: %d uploaded, %d skipped, %d failed",
		report.RunID, len(report.Uploaded), len(report.Skipped), len(report.Failed))
	return report, nil
}

func (o *Orchestrator) resolveWallet(ctx context.Context) (string, error) {
	address, err := o.wallet.ActiveAddress(ctx)
	if err == nil && address != "" {
		return address, nil
	}
	return o.wallet.Connect(ctx, wallet.UploadPermissions)
}

func (o *Orchestrator) uploadOne(ctx context.Context, f *store.StagedFile, address string) (Result, error) {
	res := Result{ID: f.ID, Name: f.Name}

	if f.ByteSize > FreeUploadLimit {
		cost, err := o.transport.EstimateCost(ctx, f.ByteSize)
		if err != nil {
			logging.Internal.Printf("cost estimate for %s failed: %v", f.Name, err)
		} else {
			res.Cost = cost.Winc
			logging.Internal.Printf("%s (%s) will cost %s winc", f.Name, humanize.IBytes(uint64(f.ByteSize)), cost.Winc)
		}
	}

	meta := transport.FileMeta{Name: f.Name, ContentType: f.ContentType}
	tags := transport.BuildTags(address, meta)
	txID, err := o.transport.UploadFile(ctx, f.Payload, meta, tags)
	if err != nil {
		return res, err
	}

	// The bytes are stored remotely; the result must be recorded even if
	// the caller has gone away, or the next run would upload them again.
	if err := o.staging.UpdateStatus(context.WithoutCancel(ctx), f.ID, store.StatusUploaded, store.ResolvedTx(txID)); err != nil {
		logging.Internal.Printf("file %s uploaded as %s but could not be recorded: %v", f.Name, txID, err)
		return res, err
	}
	res.Tx = txID
	return res, nil
}
