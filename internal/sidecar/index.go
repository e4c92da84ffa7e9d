package sidecar

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"imgcat/internal/diag"
	"imgcat/internal/naming"
)

// Entry 为索引中的一条 sidecar 记录。
type Entry struct {
	Path    string // sidecar 文件完整路径
	Sidecar Sidecar
}

// Index 为输出目录中 sidecar 的只读查找表。
//   - ByFilename: sidecar 声明的 filename → 记录（filename 为空的不收录）
//   - ByStem:     sidecar 文件自身的 stem → 记录
//
// 两张表都需要：重命名后图片名可能已与 sidecar 的 stem 不一致。
type Index struct {
	ByFilename map[string]Entry
	ByStem     map[string]Entry
	Skipped    int
}

// Owned 返回确属 imageFilename 的 sidecar。按 filename 命中直接采用；
// 按 stem 命中时，仅当其 filename 为空、等于 imageFilename，或所指文件已不在 dir 中才采用，
// 否则该 sidecar 属于同 stem 的另一张图片。
func (ix *Index) Owned(dir, imageFilename string) (Entry, bool) {
	if ix == nil {
		return Entry{}, false
	}
	if e, ok := ix.ByFilename[imageFilename]; ok {
		return e, true
	}
	e, ok := ix.ByStem[naming.Stem(imageFilename)]
	if !ok {
		return Entry{}, false
	}
	fn := e.Sidecar.Filename
	if fn == "" || fn == imageFilename {
		return e, true
	}
	if fn != filepath.Base(fn) {
		return Entry{}, false
	}
	if _, err := os.Lstat(filepath.Join(dir, fn)); errors.Is(err, fs.ErrNotExist) {
		return e, true
	}
	return Entry{}, false
}

// Replace 以改写后的 sidecar 取代 old；仅清除仍指向 old.Path 的旧键。
func (ix *Index) Replace(old Entry, newPath string, s Sidecar) {
	if ix == nil {
		return
	}
	if e, ok := ix.ByFilename[old.Sidecar.Filename]; ok && e.Path == old.Path {
		delete(ix.ByFilename, old.Sidecar.Filename)
	}
	oldStem := naming.Stem(filepath.Base(old.Path))
	if e, ok := ix.ByStem[oldStem]; ok && e.Path == old.Path {
		delete(ix.ByStem, oldStem)
	}
	entry := Entry{Path: newPath, Sidecar: s}
	if s.Filename != "" {
		ix.ByFilename[s.Filename] = entry
	}
	ix.ByStem[naming.Stem(filepath.Base(newPath))] = entry
}

// Len 返回按 stem 收录的 sidecar 数。
func (ix *Index) Len() int {
	if ix == nil {
		return 0
	}
	return len(ix.ByStem)
}

// BuildIndex 扫描 dir 下全部 *.json 并解析为 Sidecar。
// 无法读取或格式损坏的文件被跳过并记录告警（目录可能残留中断运行的半成品）。
// 目录不存在时返回空索引。从不修改文件。
func BuildIndex(dir string, logger *diag.Logger) (*Index, error) {
	ix := &Index{ByFilename: map[string]Entry{}, ByStem: map[string]Entry{}}
	ents, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ix, nil
		}
		return nil, err
	}
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.EqualFold(filepath.Ext(name), naming.SidecarExt) {
			continue
		}
		p := filepath.Join(dir, name)
		data, err := os.ReadFile(p)
		if err != nil {
			ix.Skipped++
			logger.Warn("sidecar", "unreadable sidecar skipped: "+err.Error(), name, nil)
			continue
		}
		s, err := Unmarshal(data)
		if err != nil {
			ix.Skipped++
			logger.Warn("sidecar", "malformed sidecar skipped: "+err.Error(), name, nil)
			continue
		}
		entry := Entry{Path: p, Sidecar: s}
		if s.Filename != "" {
			ix.ByFilename[s.Filename] = entry
		}
		ix.ByStem[naming.Stem(name)] = entry
	}
	return ix, nil
}
