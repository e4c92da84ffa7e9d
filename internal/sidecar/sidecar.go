// Package sidecar 定义与图片一一配对的元数据文件（<stem>.json）的格式、读写与索引。
package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"imgcat/internal/naming"
	"imgcat/pkg/contract"
)

// 固定键（按持久化顺序）。
const (
	KeyFilename        = "filename"
	KeyTags            = "tags"
	KeyRawText         = "raw_text"
	KeyStructuredData  = "structured_data"
	KeyProfileMentions = "profile_mentions"
)

// Sidecar = filename（指向同目录下配对图片）+ Annotation。
type Sidecar struct {
	Filename string
	contract.Annotation
}

// New 组装 sidecar；Annotation 的缺失字段被回填。
func New(filename string, a contract.Annotation) Sidecar {
	a.Normalize()
	return Sidecar{Filename: filename, Annotation: a}
}

// Format 控制序列化外观。
type Format struct {
	// Indent: 缩进空格数；<=0 为紧凑单行。
	Indent int
	// EnsureASCII: 将所有非 ASCII 字符转义为 \uXXXX。
	EnsureASCII bool
}

// DefaultFormat: 缩进 2，保留非 ASCII 字符。
func DefaultFormat() Format { return Format{Indent: 2} }

// FileName 返回图片文件名对应的 sidecar 文件名。
func FileName(imageFilename string) string { return naming.Stem(imageFilename) + naming.SidecarExt }

// Marshal 以稳定键序输出：filename, tags, raw_text, structured_data, profile_mentions，随后为按键名排序的额外字段。
func (s Sidecar) Marshal(f Format) ([]byte, error) {
	s.Annotation.Normalize()
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	put := func(k string, v any) error {
		b, err := encodeValue(v)
		if err != nil {
			return fmt.Errorf("sidecar: encode %s: %w", k, err)
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		kb, _ := encodeValue(k)
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(b)
		return nil
	}
	fixed := []struct {
		k string
		v any
	}{
		{KeyFilename, s.Filename},
		{KeyTags, s.Tags},
		{KeyRawText, s.RawText},
		{KeyStructuredData, s.StructuredData},
		{KeyProfileMentions, s.ProfileMentions},
	}
	for _, kv := range fixed {
		if err := put(kv.k, kv.v); err != nil {
			return nil, err
		}
	}
	for _, k := range sortedKeys(s.Extra) {
		if isFixedKey(k) {
			continue
		}
		if err := put(k, s.Extra[k]); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')

	out := buf.Bytes()
	if f.Indent > 0 {
		var ind bytes.Buffer
		if err := json.Indent(&ind, out, "", strings.Repeat(" ", f.Indent)); err != nil {
			return nil, err
		}
		out = ind.Bytes()
	}
	if f.EnsureASCII {
		out = escapeNonASCII(out)
	}
	return out, nil
}

// Unmarshal 解析 sidecar；必需字段缺失时回填，类型错误视为损坏。
func Unmarshal(data []byte) (Sidecar, error) {
	obj, err := decodeObject(data)
	if err != nil {
		return Sidecar{}, err
	}
	var s Sidecar
	if raw, ok := obj[KeyFilename]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &s.Filename); err != nil {
			return Sidecar{}, fmt.Errorf("%w: filename: %v", contract.ErrResponseInvalid, err)
		}
	}
	delete(obj, KeyFilename)
	a, err := annotationFrom(obj)
	if err != nil {
		return Sidecar{}, err
	}
	s.Annotation = a
	return s, nil
}

// ParseAnnotation 解析模型返回的 JSON 对象为 Annotation。
// 模型自带的 filename 键被丢弃：filename 只由编排层写入。
func ParseAnnotation(data []byte) (contract.Annotation, error) {
	obj, err := decodeObject(data)
	if err != nil {
		return contract.Annotation{}, err
	}
	delete(obj, KeyFilename)
	return annotationFrom(obj)
}

// Save 将 sidecar 写为 <stem>.json，返回写入的工件标识。
func Save(ctx context.Context, w contract.Writer, s Sidecar, f Format) (contract.ArtifactID, error) {
	if strings.TrimSpace(s.Filename) == "" {
		return "", fmt.Errorf("sidecar: empty filename")
	}
	b, err := s.Marshal(f)
	if err != nil {
		return "", err
	}
	id := contract.ArtifactID(FileName(s.Filename))
	if err := w.Write(ctx, id, bytes.NewReader(b)); err != nil {
		return id, err
	}
	return id, nil
}

func decodeObject(data []byte) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("%w: %v", contract.ErrResponseInvalid, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: not a JSON object", contract.ErrResponseInvalid)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after object", contract.ErrResponseInvalid)
	}
	return obj, nil
}

func annotationFrom(obj map[string]json.RawMessage) (contract.Annotation, error) {
	var a contract.Annotation
	fields := []struct {
		key string
		dst any
	}{
		{KeyTags, &a.Tags},
		{KeyRawText, &a.RawText},
		{KeyStructuredData, &a.StructuredData},
		{KeyProfileMentions, &a.ProfileMentions},
	}
	for _, f := range fields {
		raw, ok := obj[f.key]
		delete(obj, f.key)
		if !ok || isNull(raw) {
			continue
		}
		if err := decodeNumbers(raw, f.dst); err != nil {
			return contract.Annotation{}, fmt.Errorf("%w: %s: %v", contract.ErrResponseInvalid, f.key, err)
		}
	}
	for k, raw := range obj {
		var v any
		if err := decodeNumbers(raw, &v); err != nil {
			return contract.Annotation{}, fmt.Errorf("%w: %s: %v", contract.ErrResponseInvalid, k, err)
		}
		if a.Extra == nil {
			a.Extra = make(map[string]any, len(obj))
		}
		a.Extra[k] = v
	}
	a.Normalize()
	return a, nil
}

// decodeNumbers 以 json.Number 保留数字原文，避免 float64 往返失真。
func decodeNumbers(raw json.RawMessage, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(dst)
}

func encodeValue(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func isNull(raw json.RawMessage) bool { return bytes.Equal(bytes.TrimSpace(raw), []byte("null")) }

func isFixedKey(k string) bool {
	switch k {
	case KeyFilename, KeyTags, KeyRawText, KeyStructuredData, KeyProfileMentions:
		return true
	}
	return false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// escapeNonASCII 将非 ASCII 字符转义为 \uXXXX（BMP 外使用代理对）。
// 输入为合法 JSON，非 ASCII 字节只会出现在字符串字面量内。
func escapeNonASCII(b []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(b))
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r < utf8.RuneSelf {
			out.WriteByte(b[0])
			b = b[1:]
			continue
		}
		if r1, r2 := utf16.EncodeRune(r); r1 != utf8.RuneError {
			fmt.Fprintf(&out, `\u%04x\u%04x`, r1, r2)
		} else {
			fmt.Fprintf(&out, `\u%04x`, r)
		}
		b = b[size:]
	}
	return out.Bytes()
}
