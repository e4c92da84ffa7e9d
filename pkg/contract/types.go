package contract

import (
	"path"
	"strings"
)

// FileID: 逻辑文件标识（通常为相对路径，需规范化，跨平台一致）。
type FileID string

// NormalizeFileID 统一为正斜杠并清理 . 与 ..；不改变相对/绝对语义。
func NormalizeFileID(p string) FileID {
	return FileID(path.Clean(strings.ReplaceAll(p, `\`, "/")))
}

// Source: 输入目录中的一个待处理图片（尚未读取内容）。
// 约束：Path 为可直接打开的本地路径；Name 为文件名（含扩展名）。
type Source struct {
	ID   FileID
	Path string
	Name string
}

// Image: 送往标注客户端的最小载荷。
// 约束：Data 为原始字节，不做重编码；MIME 由 Reader 探测。
type Image struct {
	Source
	MIME string
	Data []byte
}

// Annotation: AI 标注结果（结构化）。
// 约束：
//  1. 四个必需字段缺失时以零值回填（[]、""、{}），不视为失败；
//  2. Extra 保存模型额外返回的键，持久化时原样保留。
type Annotation struct {
	Tags            []string
	RawText         string
	StructuredData  map[string]any
	ProfileMentions []string
	Extra           map[string]any
}

// Normalize 回填缺失字段为空值（nil → 空切片/空映射），返回自身便于链式使用。
func (a *Annotation) Normalize() *Annotation {
	if a.Tags == nil {
		a.Tags = []string{}
	}
	if a.StructuredData == nil {
		a.StructuredData = map[string]any{}
	}
	if a.ProfileMentions == nil {
		a.ProfileMentions = []string{}
	}
	return a
}
