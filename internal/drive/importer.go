package drive

import (
	"context"
	"errors"

	"weavebox/internal/logging"
	"weavebox/internal/staging"
	"weavebox/internal/store"
)

// Downloader fetches one remote file.
type Downloader interface {
	DownloadFile(ctx context.Context, id string) (*Download, error)
}

// Inserter stages downloaded bytes.
type Inserter interface {
	Insert(ctx context.Context, data []byte, contentType, name, identity string) (*store.StagedFile, error)
}

// ImportResult describes the outcome for one remote file.
type ImportResult struct {
	DriveID string            `json:"driveId"`
	File    *store.StagedFile `json:"file,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// ImportReport summarizes an import request.
type ImportReport struct {
	Imported []ImportResult `json:"imported"`
	Failed   []ImportResult `json:"failed"`
}

// Importer copies Drive files into the staging store.
type Importer struct {
	source  Downloader
	staging Inserter
}

// NewImporter creates an importer.
func NewImporter(source Downloader, st Inserter) *Importer {
	return &Importer{source: source, staging: st}
}

// Import downloads each id and stages it under identity. Per-file fetch
// failures are reported and skipped. Once authorization has expired the
// remaining files are marked failed and an error wrapping ErrAuthExpired is
// returned. Empty files are reported as failed; storage failures are
// returned immediately.
func (im *Importer) Import(ctx context.Context, ids []string, identity string) (*ImportReport, error) {
	report := &ImportReport{Imported: []ImportResult{}, Failed: []ImportResult{}}

	for i, id := range ids {
		dl, err := im.source.DownloadFile(ctx, id)
		if err != nil {
			logging.Drive.Printf("import %s failed: %v", id, err)
			report.Failed = append(report.Failed, ImportResult{DriveID: id, Error: err.Error()})
			if errors.Is(err, ErrAuthExpired) || ctx.Err() != nil {
				for _, rest := range ids[i+1:] {
					report.Failed = append(report.Failed, ImportResult{DriveID: rest, Error: err.Error()})
				}
				return report, err
			}
			continue
		}

		f, err := im.staging.Insert(ctx, dl.Data, dl.ContentType, dl.Name, identity)
		if errors.Is(err, staging.ErrEmptyPayload) {
			report.Failed = append(report.Failed, ImportResult{DriveID: id, Error: err.Error()})
			continue
		}
		if err != nil {
			return report, err
		}
		report.Imported = append(report.Imported, ImportResult{DriveID: id, File: f})
	}

	logging.Drive.Printf("imported %d of %d files", len(report.Imported), len(ids))
	return report, nil
}
