package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
)

var (
	ErrInvalidID = errors.New("invalid transaction id")
	ErrNotStored = errors.New("transaction not stored")
)

// validIDPattern matches only hex ids (no path traversal possible)
var validIDPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)

// Dir implements Transport on the local filesystem, for development.
// The transaction id is the SHA-256 of the payload, so re-uploading the
// same bytes is a no-op.
type Dir struct {
	basePath string
}

type dirManifest struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int    `json:"size"`
	Tags        []Tag  `json:"tags"`
}

// NewDir creates a directory transport rooted at basePath.
func NewDir(basePath string) (*Dir, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, err
	}
	return &Dir{basePath: basePath}, nil
}

func (d *Dir) path(id string) string {
	return filepath.Join(d.basePath, id)
}

func (d *Dir) EstimateCost(ctx context.Context, n int64) (Cost, error) {
	return Cost{Bytes: n, Winc: "0"}, nil
}

func (d *Dir) UploadFile(ctx context.Context, payload []byte, meta FileMeta, tags []Tag) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrTransport, err)
	}

	sum := sha256.Sum256(payload)
	id := hex.EncodeToString(sum[:])

	if err := writeFileAtomic(d.path(id), payload); err != nil {
		return "", fmt.Errorf("%w: write %s: %w", ErrTransport, id, err)
	}

	manifest, err := json.Marshal(dirManifest{
		Name:        meta.Name,
		ContentType: meta.ContentType,
		Size:        len(payload),
		Tags:        tags,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if err := writeFileAtomic(d.path(id)+".json", manifest); err != nil {
		return "", fmt.Errorf("%w: write manifest %s: %w", ErrTransport, id, err)
	}
	return id, nil
}

// Load returns the stored payload for id and the metadata it was uploaded with.
func (d *Dir) Load(id string) ([]byte, FileMeta, error) {
	if !validIDPattern.MatchString(id) {
		return nil, FileMeta{}, ErrInvalidID
	}
	data, err := os.ReadFile(d.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, FileMeta{}, ErrNotStored
	}
	if err != nil {
		return nil, FileMeta{}, err
	}

	var m dirManifest
	raw, err := os.ReadFile(d.path(id) + ".json")
	if err != nil {
		return nil, FileMeta{}, err
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, FileMeta{}, fmt.Errorf("manifest %s: %w", id, err)
	}
	return data, FileMeta{Name: m.Name, ContentType: m.ContentType}, nil
}

func writeFileAtomic(dst string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
