package sidecar

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imgcat/internal/diag"
	wfs "imgcat/plugins/writer/filesystem"
)

func TestBuildIndexRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := wfs.New(&wfs.Options{OutputDir: dir})
	require.NoError(t, err)
	written := sample()
	_, err = Save(context.Background(), w, written, Format{Indent: 2, EnsureASCII: true})
	require.NoError(t, err)

	ix, err := BuildIndex(dir, nil)
	require.NoError(t, err)
	got, ok := ix.ByFilename[written.Filename]
	require.True(t, ok)
	assert.Equal(t, written, got.Sidecar)
	assert.Equal(t, filepath.Join(dir, "cat.json"), got.Path)
}

func TestBuildIndexSkipsMalformedAndLogs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte(`{"filename": "x`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ok.json"), []byte(`{"filename":"renamed.webp","tags":["a"]}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nofile.json"), []byte(`{"tags":[]}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "image.webp"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "dir.json"), 0o755))

	var logs bytes.Buffer
	ix, err := BuildIndex(dir, diag.NewLoggerTo(&logs, "t", "info"))
	require.NoError(t, err)
	assert.Equal(t, 1, ix.Skipped)
	assert.Equal(t, 2, ix.Len())
	assert.Len(t, ix.ByFilename, 1)
	assert.Contains(t, logs.String(), "malformed sidecar skipped")
	assert.Contains(t, logs.String(), `"file_id":"broken.json"`)

	// 图片名与 sidecar stem 不一致时按 filename 命中
	e, ok := ix.Owned(dir, "renamed.webp")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "ok.json"), e.Path)
	// 按 stem 回退：声明的 renamed.webp 不在目录中
	e, ok = ix.Owned(dir, "ok.png")
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, e.Sidecar.Tags)
	_, ok = ix.Owned(dir, "missing.png")
	assert.False(t, ok)
}

func TestBuildIndexMissingDir(t *testing.T) {
	ix, err := BuildIndex(filepath.Join(t.TempDir(), "nope"), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, ix.Len())
	var nilIx *Index
	_, ok := nilIx.Owned(".", "a")
	assert.False(t, ok)
}

func TestIndexOwnedRejectsForeignStem(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.webp"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte(`{"filename":"a.webp","tags":["mine"]}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.json"), []byte(`{"tags":["b"]}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.json"), []byte(`{"filename":"../c.webp"}`), 0o644))
	ix, err := BuildIndex(dir, nil)
	require.NoError(t, err)

	e, ok := ix.Owned(dir, "a.webp")
	require.True(t, ok)
	assert.Equal(t, []string{"mine"}, e.Sidecar.Tags)
	// 同 stem 但 sidecar 属于仍存在的 a.webp
	_, ok = ix.Owned(dir, "a.png")
	assert.False(t, ok)
	// filename 为空：按 stem 采用
	_, ok = ix.Owned(dir, "b.jpg")
	assert.True(t, ok)
	// filename 不是裸文件名：视为他人
	_, ok = ix.Owned(dir, "c.png")
	assert.False(t, ok)
}

func TestIndexReplaceRetargetsEntry(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.jpg"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "old.json"), []byte(`{"filename":"a.jpg","tags":["t"]}`), 0o644))
	ix, err := BuildIndex(dir, nil)
	require.NoError(t, err)
	old, ok := ix.Owned(dir, "a.jpg")
	require.True(t, ok)

	sc := old.Sidecar
	sc.Filename = "a.webp"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.webp"), []byte("x"), 0o644))
	ix.Replace(old, filepath.Join(dir, "a.json"), sc)

	assert.NotContains(t, ix.ByFilename, "a.jpg")
	assert.NotContains(t, ix.ByStem, "old")
	e, ok := ix.Owned(dir, "a.webp")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "a.json"), e.Path)
	// 新 sidecar 已归 a.webp，同 stem 的其他图片不再认领
	_, ok = ix.Owned(dir, "a.png")
	assert.False(t, ok)
	assert.Equal(t, 1, ix.Len())

	var nilIx *Index
	nilIx.Replace(old, "x", sc)
}

func TestBuildIndexDoesNotMutate(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.json")
	orig := []byte(`{"tags":["z"],"filename":"a.webp"}`)
	require.NoError(t, os.WriteFile(p, orig, 0o644))
	_, err := BuildIndex(dir, nil)
	require.NoError(t, err)
	after, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, orig, after)
}
