package filesystem

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"imgcat/pkg/contract"
)

// TestWriteAtomic 原子写入
func TestWriteAtomic(t *testing.T) {
    dir := t.TempDir()
    a := true
    w, err := New(&Options{OutputDir: dir, Atomic: &a})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = w.Write(context.Background(), "out.txt", bytes.NewBufferString("data"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	if err != nil || string(b) != "data" {
		t.Fatalf("unexpected file %v %q", err, string(b))
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Fatalf("tmp file not cleaned: %s", e.Name())
		}
	}
}

// 当目标已存在时，Atomic 写应替换为新内容（跨平台）。
func TestWriteAtomicReplaceExisting(t *testing.T) {
    dir := t.TempDir()
    a := true
    w, err := New(&Options{OutputDir: dir, Atomic: &a})
    if err != nil {
        t.Fatalf("new: %v", err)
    }
    if err := w.Write(context.Background(), "out.txt", bytes.NewBufferString("v1")); err != nil {
        t.Fatalf("write v1: %v", err)
    }
    if err := w.Write(context.Background(), "out.txt", bytes.NewBufferString("v2")); err != nil {
        t.Fatalf("write v2: %v", err)
    }
    b, err := os.ReadFile(filepath.Join(dir, "out.txt"))
    if err != nil {
        t.Fatalf("read: %v", err)
    }
    if string(b) != "v2" {
        t.Fatalf("expect replaced content v2, got %q", string(b))
    }
    // 不应残留临时文件
    entries, _ := os.ReadDir(dir)
    for _, e := range entries {
        if strings.HasPrefix(e.Name(), ".tmp-") {
            t.Fatalf("tmp file not cleaned: %s", e.Name())
        }
    }
}

// TestWritePathInvalid 仅接受单段文件名
func TestWritePathInvalid(t *testing.T) {
    dir := t.TempDir()
    w, _ := New(&Options{OutputDir: dir})
    for _, id := range []string{"../bad", "sub/out.json", "a\\b.json", "", ".", ".."} {
        if err := w.Write(context.Background(), contract.ArtifactID(id), bytes.NewBufferString("x")); !errors.Is(err, contract.ErrPathInvalid) {
            t.Fatalf("id %q expect path invalid, got %v", id, err)
        }
    }
}

// TestWriteNonAtomic 非原子写入（覆盖）
func TestWriteNonAtomic(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	a := false
	w, _ := New(&Options{OutputDir: dir, Atomic: &a})
	for _, v := range []string{"long value", "v"} {
		if err := w.Write(context.Background(), "out.json", bytes.NewBufferString(v)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	b, err := os.ReadFile(filepath.Join(dir, "out.json"))
	if err != nil || string(b) != "v" {
		t.Fatalf("expect truncated overwrite, got %q %v", b, err)
	}
}

// TestMove 移动本地文件到输出目录，且不覆盖已有文件
func TestMove(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	src := filepath.Join(in, "cat.jpg")
	if err := os.WriteFile(src, []byte("jpeg"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	w, _ := New(&Options{OutputDir: out})
	if err := w.Move(context.Background(), src, "cat.jpg"); err != nil {
		t.Fatalf("move: %v", err)
	}
	if _, err := os.Stat(src); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("source should be gone: %v", err)
	}
	if b, _ := os.ReadFile(filepath.Join(out, "cat.jpg")); string(b) != "jpeg" {
		t.Fatalf("moved content mismatch: %q", b)
	}

	other := filepath.Join(in, "other.jpg")
	_ = os.WriteFile(other, []byte("x"), 0o644)
	if err := w.Move(context.Background(), other, "cat.jpg"); !errors.Is(err, os.ErrExist) {
		t.Fatalf("expect ErrExist, got %v", err)
	}
	if _, err := os.Stat(other); err != nil {
		t.Fatalf("source must survive refused move: %v", err)
	}
}

// TestRemove 删除工件；不存在时不报错
func TestRemove(t *testing.T) {
	dir := t.TempDir()
	w, _ := New(&Options{OutputDir: dir})
	if err := w.Write(context.Background(), "a.json", strings.NewReader("{}")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Remove(context.Background(), "a.json"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := w.Remove(context.Background(), "a.json"); err != nil {
		t.Fatalf("remove missing: %v", err)
	}
	if err := w.Remove(context.Background(), "../a.json"); !errors.Is(err, contract.ErrPathInvalid) {
		t.Fatalf("expect path invalid: %v", err)
	}
}

// TestWriteCtxCancel 上下文取消
func TestWriteCtxCancel(t *testing.T) {
	dir := t.TempDir()
	w, _ := New(&Options{OutputDir: dir})
	r := strings.NewReader("data")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Write(ctx, "a.txt", r); err == nil {
		t.Fatalf("expect ctx error")
	}
	if err := w.Move(ctx, "x", "a.txt"); err == nil {
		t.Fatalf("expect ctx error on move")
	}
}

// TestNewInvalid 参数缺失
func TestNewInvalid(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatalf("expect error for nil opts")
	}
	if _, err := New(&Options{}); err == nil {
		t.Fatalf("expect error for empty output dir")
	}
}


type errReader struct{}

func (errReader) Read(p []byte) (int, error) { return 0, errors.New("boom") }

// TestWriteAtomicCopyError 原子写入时拷贝失败
func TestWriteAtomicCopyError(t *testing.T) {
    dir := t.TempDir()
    a := true
    w, _ := New(&Options{OutputDir: dir, Atomic: &a})
	err := w.Write(context.Background(), "a.txt", errReader{})
	if err == nil {
		t.Fatalf("expect copy error")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("temp files left %v", entries)
	}
}

// TestReaderWithCtxCancel reader 在读取前取消
func TestReaderWithCtxCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := readerWithCtx(ctx, strings.NewReader("data"))
	cancel()
	buf := make([]byte, 1)
	if _, err := r.Read(buf); err == nil {
		t.Fatalf("expect ctx error")
	}
}
