package filesystem

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"imgcat/pkg/contract"
)

// DefaultFormats 为默认受支持的扩展名（小写，含点）。
var DefaultFormats = []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp"}

// Options 为 FileSystem Reader 的可选配置（最小必要）。
type Options struct {
	// Formats: 受支持的扩展名（大小写不敏感，可省略前导点）。为空时使用 DefaultFormats。
	Formats []string `json:"formats"`
	// MaxBytes: 单文件读取上限（字节）；<=0 表示不限制。
	MaxBytes int64 `json:"max_bytes"`
}

// FileSystem 实现基于本地目录的 Reader（只扫描 root 一层，不递归）。
type FileSystem struct {
	formats  map[string]struct{}
	maxBytes int64
}

// New 创建 FileSystem Reader。
func New(opts *Options) *FileSystem {
	var list []string
	var maxBytes int64
	if opts != nil {
		list = opts.Formats
		maxBytes = opts.MaxBytes
	}
	if len(list) == 0 {
		list = DefaultFormats
	}
	fm := make(map[string]struct{}, len(list))
	for _, f := range list {
		if k := NormalizeExt(f); k != "" {
			fm[k] = struct{}{}
		}
	}
	return &FileSystem{formats: fm, maxBytes: maxBytes}
}

// NormalizeExt 统一扩展名为小写并带前导点；空串返回空。
func NormalizeExt(ext string) string {
	e := strings.ToLower(strings.TrimSpace(ext))
	if e == "" {
		return ""
	}
	if !strings.HasPrefix(e, ".") {
		e = "." + e
	}
	return e
}

// Supported 判断文件名扩展是否受支持（大小写不敏感）。
func (r *FileSystem) Supported(name string) bool {
	_, ok := r.formats[strings.ToLower(filepath.Ext(name))]
	return ok
}

// List 按文件名字典序列出 root 下受支持的常规文件。
// 指向常规文件的符号链接视为文件；目录与非常规文件忽略。
func (r *FileSystem) List(ctx context.Context, root string) ([]contract.Source, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	// 稳定顺序：字典序
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	out := make([]contract.Source, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !r.Supported(e.Name()) {
			continue
		}
		p := filepath.Join(root, e.Name())
		if e.Type()&os.ModeSymlink != 0 {
			t, err := os.Stat(p)
			if err != nil || !t.Mode().IsRegular() {
				// 失效链接或指向目录：忽略
				continue
			}
		} else if !e.Type().IsRegular() {
			continue
		}
		out = append(out, contract.Source{ID: contract.NormalizeFileID(p), Path: p, Name: e.Name()})
	}
	return out, nil
}

// Load 读取文件字节并探测 MIME（按内容；无法识别为图片时按扩展名回退）。
func (r *FileSystem) Load(ctx context.Context, src contract.Source) (contract.Image, error) {
	select {
	case <-ctx.Done():
		return contract.Image{}, ctx.Err()
	default:
	}
	if r.maxBytes > 0 {
		info, err := os.Stat(src.Path)
		if err != nil {
			return contract.Image{}, err
		}
		if info.Size() > r.maxBytes {
			return contract.Image{}, fmt.Errorf("%s: %d bytes exceeds limit %d: %w", src.Name, info.Size(), r.maxBytes, contract.ErrInvalidInput)
		}
	}
	data, err := os.ReadFile(src.Path)
	if err != nil {
		return contract.Image{}, err
	}
	return contract.Image{Source: src, MIME: DetectMIME(data, src.Name), Data: data}, nil
}

// extMIME 为内容探测失败时的扩展名回退表。
var extMIME = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
}

// DetectMIME 返回图片 MIME；都无法确定时默认 image/jpeg。
func DetectMIME(data []byte, name string) string {
	if mt := mimetype.Detect(data); strings.HasPrefix(mt.String(), "image/") {
		// 去掉参数部分（如 charset）
		s := mt.String()
		if i := strings.IndexByte(s, ';'); i >= 0 {
			s = s[:i]
		}
		return s
	}
	if m, ok := extMIME[strings.ToLower(filepath.Ext(name))]; ok {
		return m
	}
	return "image/jpeg"
}

var _ contract.Reader = (*FileSystem)(nil)
