package annotationjson

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"imgcat/pkg/contract"
)

// TestStripFences 测试围栏去除
func TestStripFences(t *testing.T) {
	cases := map[string]string{
		"```json\n{\"a\":1}\n```": `{"a":1}`,
		"```\n{\"a\":1}```":       `{"a":1}`,
		"  {\"a\":1}  ":           `{"a":1}`,
		"{\"a\":\"```\"}":         "{\"a\":\"```\"}",
	}
	for in, want := range cases {
		if got := StripFences(in); got != want {
			t.Fatalf("StripFences(%q) = %q, want %q", in, got, want)
		}
	}
}

// TestDecodeBackfill 测试缺失字段回填
func TestDecodeBackfill(t *testing.T) {
	d, _ := New(nil)
	a, err := d.Decode(context.Background(), contract.Raw{Text: "```json\n{\"tags\":[\"cat\"],\"filename\":\"evil.png\",\"mood\":\"calm\"}\n```"})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(a.Tags) != 1 || a.Tags[0] != "cat" {
		t.Fatalf("tags %v", a.Tags)
	}
	if a.StructuredData == nil || a.ProfileMentions == nil || a.RawText != "" {
		t.Fatalf("expect backfilled defaults, got %+v", a)
	}
	if _, ok := a.Extra["filename"]; ok {
		t.Fatalf("model filename must be dropped")
	}
	if a.Extra["mood"] != "calm" {
		t.Fatalf("extra not carried: %v", a.Extra)
	}
}

// TestDecodeInvalid 测试非法响应
func TestDecodeInvalid(t *testing.T) {
	d, _ := New(nil)
	for _, in := range []string{"", "not json", "[1,2]", `{"tags":"x"}`} {
		if _, err := d.Decode(context.Background(), contract.Raw{Text: in}); !errors.Is(err, contract.ErrResponseInvalid) {
			t.Fatalf("input %q: expect ErrResponseInvalid, got %v", in, err)
		}
	}
}

// TestDecodeExtractObject 测试宽松截取
func TestDecodeExtractObject(t *testing.T) {
	text := contract.Raw{Text: "Here you go: {\"tags\":[\"dog\"]} hope it helps"}
	strict, _ := New(nil)
	if _, err := strict.Decode(context.Background(), text); err == nil {
		t.Fatalf("strict decoder should fail")
	}
	loose, _ := New(json.RawMessage(`{"extract_object":true}`))
	a, err := loose.Decode(context.Background(), text)
	if err != nil || len(a.Tags) != 1 {
		t.Fatalf("loose decode: %+v %v", a, err)
	}
}

// TestDecodeCanceled 测试取消
func TestDecodeCanceled(t *testing.T) {
	d, _ := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Decode(ctx, contract.Raw{Text: "{}"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expect canceled, got %v", err)
	}
}
