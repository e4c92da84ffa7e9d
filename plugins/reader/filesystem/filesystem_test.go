package filesystem

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"imgcat/pkg/contract"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

// TestListFiltersAndSorts 仅列出受支持扩展名，按名称排序
func TestListFiltersAndSorts(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"b.PNG", "a.jpg", "notes.txt", "c.webp"} {
		os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o644)
	}
	os.Mkdir(filepath.Join(dir, "sub.png"), 0o755)
	r := New(nil)
	got, err := r.List(context.Background(), dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var names []string
	for _, s := range got {
		names = append(names, s.Name)
		if s.Path != filepath.Join(dir, s.Name) || s.ID != contract.NormalizeFileID(s.Path) {
			t.Fatalf("source mismatch %+v", s)
		}
	}
	want := []string{"a.jpg", "b.PNG", "c.webp"}
	if len(names) != len(want) {
		t.Fatalf("names %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names %v, want %v", names, want)
		}
	}
}

// TestListCustomFormats 自定义扩展名（省略点/大写）
func TestListCustomFormats(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.jpg"), []byte("x"), 0o644)
	os.WriteFile(filepath.Join(dir, "b.tiff"), []byte("x"), 0o644)
	r := New(&Options{Formats: []string{"TIFF"}})
	got, _ := r.List(context.Background(), dir)
	if len(got) != 1 || got[0].Name != "b.tiff" {
		t.Fatalf("got %+v", got)
	}
}

// TestListMissingDir 目录不存在返回错误
func TestListMissingDir(t *testing.T) {
	r := New(nil)
	if _, err := r.List(context.Background(), filepath.Join(t.TempDir(), "nope")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expect not exist, got %v", err)
	}
}

// TestListCtxCancel 上下文取消
func TestListCtxCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(nil).List(ctx, t.TempDir()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expect canceled, got %v", err)
	}
}

// TestLoadDetectsMIME 按内容探测 MIME（扩展名不可信）
func TestLoadDetectsMIME(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "lying.jpg")
	os.WriteFile(p, pngBytes(t), 0o644)
	img, err := New(nil).Load(context.Background(), contract.Source{Path: p, Name: "lying.jpg"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if img.MIME != "image/png" || len(img.Data) == 0 || img.Name != "lying.jpg" {
		t.Fatalf("unexpected image %q %d", img.MIME, len(img.Data))
	}
}

// TestDetectMIMEFallback 内容无法识别时按扩展名回退
func TestDetectMIMEFallback(t *testing.T) {
	cases := map[string]string{"a.gif": "image/gif", "a.BMP": "image/bmp", "a.xyz": "image/jpeg"}
	for name, want := range cases {
		if got := DetectMIME([]byte("garbage"), name); got != want {
			t.Fatalf("%s: got %s want %s", name, got, want)
		}
	}
}

// TestLoadMaxBytes 超过上限返回 ErrInvalidInput
func TestLoadMaxBytes(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "big.png")
	os.WriteFile(p, make([]byte, 100), 0o644)
	_, err := New(&Options{MaxBytes: 10}).Load(context.Background(), contract.Source{Path: p, Name: "big.png"})
	if !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("expect invalid input, got %v", err)
	}
}
