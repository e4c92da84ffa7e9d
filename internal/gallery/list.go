package gallery

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"imgcat/internal/diag"
	"imgcat/internal/naming"
	"imgcat/internal/sidecar"
)

// PageSize 为每页图片数。
const PageSize = 10

// ErrOutputMissing 表示输出目录不存在（接口仍返回 200 + 空列表）。
var ErrOutputMissing = errors.New("output folder not found")

// outputMissingMsg 为响应体 error 字段的固定文案。
const outputMissingMsg = "Output folder not found"

// Page 为 /api/images 的响应体。
type Page struct {
	Images        []json.RawMessage `json:"images"`
	Page          int               `json:"page"`
	TotalImages   int               `json:"total_images"`
	TotalPages    int               `json:"total_pages"`
	ImagesPerPage int               `json:"images_per_page"`
	Error         string            `json:"error,omitempty"`
}

type item struct {
	filename string
	body     json.RawMessage
}

// List 扫描 dir 中的 sidecar，按 filename 排序后返回第 page 页。
// 图片缺失、缺少 filename、JSON 无效的 sidecar 被排除并记录告警。
// page < 1 视为 1；超过总页数（>0）时取最后一页。
func List(dir string, page int, logger *diag.Logger) (Page, error) {
	out := Page{Images: []json.RawMessage{}, Page: page, ImagesPerPage: PageSize}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		logger.Warn("gallery", "output folder not found", dir, nil)
		out.Error = outputMissingMsg
		return out, ErrOutputMissing
	}
	files, err := filepath.Glob(filepath.Join(dir, "*"+naming.SidecarExt))
	if err != nil {
		return out, err
	}
	sort.Strings(files)

	items := make([]item, 0, len(files))
	for _, p := range files {
		base := filepath.Base(p)
		b, err := os.ReadFile(p)
		if err != nil {
			logger.Warn("gallery", "unreadable sidecar: "+err.Error(), base, nil)
			continue
		}
		sc, err := sidecar.Unmarshal(b)
		if err != nil {
			logger.Warn("gallery", "invalid sidecar: "+err.Error(), base, nil)
			continue
		}
		if strings.TrimSpace(sc.Filename) == "" {
			logger.Warn("gallery", "no filename in metadata", base, nil)
			continue
		}
		// filename 只能指向同目录文件
		if filepath.Base(sc.Filename) != sc.Filename || strings.ContainsAny(sc.Filename, `/\`) {
			logger.Warn("gallery", "filename escapes output folder", base, map[string]string{"filename": sc.Filename})
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, sc.Filename)); err != nil {
			logger.Warn("gallery", "image not found", base, map[string]string{"filename": sc.Filename})
			continue
		}
		body, err := sc.Marshal(sidecar.Format{})
		if err != nil {
			logger.Warn("gallery", "encode sidecar: "+err.Error(), base, nil)
			continue
		}
		items = append(items, item{filename: sc.Filename, body: body})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].filename < items[j].filename })

	out.TotalImages = len(items)
	out.TotalPages = (len(items) + PageSize - 1) / PageSize
	if page < 1 {
		page = 1
	} else if out.TotalPages > 0 && page > out.TotalPages {
		page = out.TotalPages
	}
	out.Page = page
	start := (page - 1) * PageSize
	if start < len(items) {
		end := start + PageSize
		if end > len(items) {
			end = len(items)
		}
		for _, it := range items[start:end] {
			out.Images = append(out.Images, it.body)
		}
	}
	diag.SetGalleryImages(out.TotalImages)
	return out, nil
}
