package transport

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirUploadFile(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDir(dir)
	require.NoError(t, err)

	meta := FileMeta{Name: "a.bin", ContentType: "application/octet-stream"}
	id, err := d.UploadFile(context.Background(), []byte("payload"), meta, BuildTags("w", meta))
	require.NoError(t, err)
	assert.Len(t, id, 64)

	data, stored, err := d.Load(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
	assert.Equal(t, meta, stored)

	raw, err := os.ReadFile(filepath.Join(dir, id+".json"))
	require.NoError(t, err)
	var m dirManifest
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "a.bin", m.Name)
	assert.Equal(t, FormatVersion, TagValue(m.Tags, "Version"))
}

func TestDirContentAddressed(t *testing.T) {
	d, err := NewDir(t.TempDir())
	require.NoError(t, err)

	first, err := d.UploadFile(context.Background(), []byte("same"), FileMeta{Name: "1"}, nil)
	require.NoError(t, err)
	second, err := d.UploadFile(context.Background(), []byte("same"), FileMeta{Name: "2"}, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDirLoadRejectsTraversal(t *testing.T) {
	d, err := NewDir(t.TempDir())
	require.NoError(t, err)

	for _, id := range []string{"", "../etc/passwd", "abc", "ZZ"} {
		_, _, err := d.Load(id)
		assert.ErrorIs(t, err, ErrInvalidID, "id %q", id)
	}

	_, _, err = d.Load(strings.Repeat("ab", 32))
	assert.ErrorIs(t, err, ErrNotStored)
}

func TestDirCancelled(t *testing.T) {
	d, err := NewDir(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.UploadFile(ctx, []byte("x"), FileMeta{Name: "x"}, nil)
	assert.ErrorIs(t, err, ErrTransport)
}
