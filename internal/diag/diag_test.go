package diag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"imgcat/pkg/contract"
)

// UT-DIAG-01: 日志轮转写入
func TestRotatingFile(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 30)
	defer w.Close()
	if err := w.WriteLine([]byte("first line that is very long")); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	if err := w.WriteLine([]byte("second")); err != nil {
		t.Fatalf("第二次写入失败: %v", err)
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("读取目录失败: %v", err)
	}
	if len(files) < 2 {
		t.Fatalf("应存在轮转文件, got %d", len(files))
	}
}

func TestRotatingFileRotateFiles(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 10)
	defer w.Close()
	for i := 0; i < 5; i++ {
		if err := w.WriteLine([]byte("xxxxxxxxxxxxxxxxxx")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	hasCurrent, hasRotated := false, false
	for _, e := range ents {
		if e.Name() == currentLogName {
			hasCurrent = true
		}
		if strings.HasPrefix(e.Name(), "imgcat-") && strings.HasSuffix(e.Name(), ".log") && e.Name() != currentLogName {
			hasRotated = true
		}
	}
	if !hasCurrent || !hasRotated {
		t.Fatalf("expect both current and rotated files, got current=%v rotated=%v", hasCurrent, hasRotated)
	}
}

// 触发默认 maxBytes 分支与 rotate 在 f==nil 分支
func TestRotatingFileDefaultsAndRotateNoOpen(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 0)
	if w.maxBytes != 10*1024*1024 {
		t.Fatalf("default maxBytes: %d", w.maxBytes)
	}
	if err := w.WriteLine([]byte("a")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = w.Close()
	if err := w.rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	_ = w.Close()
}

// 历史文件超出保留数时删除最旧的
func TestRotatingFilePrunesBackups(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 10).WithBackups(2)
	defer w.Close()
	for i := 0; i < 8; i++ {
		if err := w.WriteLine([]byte("xxxxxxxxxxxxxxxxxx")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	rotated := 0
	for _, e := range ents {
		if e.Name() != currentLogName {
			rotated++
		}
	}
	if rotated != 2 {
		t.Fatalf("保留 2 个历史文件, got %d", rotated)
	}
}

// UT-DIAG-02: 指标计数与 /metrics 暴露
func TestMetricsExposed(t *testing.T) {
	IncOp("ingest", "annotate", "success")
	IncError("ingest", CodeAnnotation)
	ObserveDuration("ingest", "compress", 120)
	IncImage("persisted")
	IncRetry()
	SetGalleryImages(3)

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, name := range []string{"imgcat_op_total", "imgcat_error_total", "imgcat_images_total", "imgcat_annotation_retries_total", "imgcat_gallery_images 3"} {
		if !strings.Contains(body, name) {
			t.Fatalf("metrics missing %s", name)
		}
	}
}

type upstreamErr struct{ status int }

func (e upstreamErr) Error() string           { return fmt.Sprintf("upstream %d", e.status) }
func (e upstreamErr) UpstreamStatus() int     { return e.status }
func (e upstreamErr) UpstreamMessage() string { return "x" }

// UT-DIAG-03: 错误分类
func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{contract.ErrResponseInvalid, CodeProtocol},
		{context.Canceled, CodeCancel},
		{&fs.PathError{Op: "open", Path: "/", Err: errors.New("x")}, CodeIO},
		{&net.DNSError{Err: "x"}, CodeNetwork},
		{contract.ErrRateLimited, CodeBudget},
		{fmt.Errorf("wrap: %w", contract.ErrConfiguration), CodeConfig},
		{fmt.Errorf("%w: %w", contract.ErrCompressionFailed, &fs.PathError{Op: "open", Path: "a", Err: fs.ErrNotExist}), CodeCompression},
		{fmt.Errorf("%w: disk full", contract.ErrPersistFailed), CodePersist},
		{fmt.Errorf("%w: %w", contract.ErrAnnotationFailed, upstreamErr{status: 503}), CodeUpstream},
		{fmt.Errorf("%w: boom", contract.ErrAnnotationFailed), CodeAnnotation},
		{contract.ErrPathInvalid, CodeInvariant},
		{errors.New("other"), CodeUnknown},
		{nil, CodeUnknown},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Fatalf("Classify(%v) = %s, want %s", c.err, got, c.want)
		}
	}
}

// UT-DIAG-04: Logger 结构化输出
func TestLoggerJSONFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo(&buf, "run-1", "info")
	timer := l.StartWith("ingest", "annotate", "cat.jpg")
	timer.Finish("ok", 1)
	l.ErrorWithKV("annotator", string(CodeUpstream), "boom", timer.Since(), "cat.jpg", map[string]string{"http_status": "500"})
	l.Warn("sidecar", "skip malformed", "bad.json", nil)
	l.DebugStart("ingest", "filtered", "x", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expect 4 lines (debug filtered), got %d: %q", len(lines), buf.String())
	}
	var ev map[string]any
	if err := json.Unmarshal([]byte(lines[2]), &ev); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if ev["run_id"] != "run-1" || ev["comp"] != "annotator" || ev["level"] != "error" || ev["file_id"] != "cat.jpg" {
		t.Fatalf("unexpected fields: %v", ev)
	}
	kv, _ := ev["kv"].(map[string]any)
	if kv["http_status"] != "500" {
		t.Fatalf("kv missing: %v", ev)
	}
	if _, ok := ev["ts"]; !ok {
		t.Fatalf("ts missing: %v", ev)
	}
}

// Logger 写入轮转文件
func TestLoggerWithSink(t *testing.T) {
	dir := t.TempDir()
	l := NewLogger("corr", "info", dir)
	timer := l.Start("comp", "msg")
	timer.Finish("ok", 1)
	l.Error("comp", "code", "msg", nil)
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, currentLogName))
	if err != nil {
		t.Fatalf("log file not found: %v", err)
	}
	if strings.Count(string(b), "\n") != 3 {
		t.Fatalf("expect 3 lines: %q", b)
	}
}

// nil Logger 为 no-op
func TestLoggerNilSafe(t *testing.T) {
	var l *Logger
	l.Start("c", "m").Finish("x", 0)
	l.Warn("c", "m", "", nil)
	l.Error("c", "code", "m", nil)
	l.Info("c", "m", nil)
	if l.RunID() != "" || l.Close() != nil {
		t.Fatalf("nil logger should be inert")
	}
	var tnil *Timer
	tnil.Finish("x", 0)
	(&Timer{}).Finish("x", 0)
}

func TestLevels(t *testing.T) {
	if Warn.String() != "warn" {
		t.Fatalf("warn string")
	}
	var unknown Level = 12345
	if unknown.String() != "info" {
		t.Fatalf("default string")
	}
	if parseLevel("WARNING") != Warn || parseLevel("") != Info || parseLevel("debug") != Debug {
		t.Fatalf("parseLevel")
	}
}

// UT-DIAG-05: 终端（非 TTY）关键节点输出
func TestTerminalNonTTYFlow(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	if term.isTTY {
		t.Fatalf("expect non-tty")
	}
	term.RunStart(2, "gemini")
	term.ImageStart(1, 2, "photos/cat.jpg")
	term.ImageStage("annotate") // 非 TTY：不输出进度
	term.ImageDone("cat.webp", []string{"cat", "pet", "indoor"}, 2, 1, 2_000_000, 300_000)
	term.ImageStart(2, 2, "dog.png")
	term.ImageFail("annotation failed: 503\n{\"error\":1}")
	term.RunFinish(true, 1, 1)

	out := sb.String()
	if strings.Contains(out, "\r") {
		t.Fatalf("non-tty should not contain carriage returns: %q", out)
	}
	for _, want := range []string{
		"[run] 图片=2 | annotator=gemini",
		"[1/2] cat.jpg",
		"[done] cat.jpg → cat.webp + cat.json | 2.0 MB → 300 kB",
		"  tags: cat, pet...",
		"  profile_mentions: 1",
		"[fail] dog.png | annotation failed: 503 |",
		"| 1 张图片处理失败，仍留在输入目录",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
}

// UT-DIAG-06: 终端（TTY）进度节流与清尾
func TestTerminalTTYProgressThrottleAndClear(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	term.isTTY = true
	term.RunStart(3, "mock")
	term.ImageStart(1, 3, "/a/b/c/longfilename.png")

	term.ImageStage("annotate")
	first := sb.String()
	if !strings.Contains(first, "\r[") {
		t.Fatalf("first progress should be inline with CR: %q", first)
	}
	term.ImageStage("compress")
	if sb.String() != first {
		t.Fatalf("second progress should be throttled")
	}
	time.Sleep(120 * time.Millisecond)
	term.ImageStage("compress")
	third := sb.String()
	if len(third) <= len(first) {
		t.Fatalf("third progress should append output")
	}
	term.ImageFail("boom")
	final := sb.String()
	idx := strings.LastIndex(final, "[fail]")
	if idx < 0 {
		t.Fatalf("finish should include fail line: %q", final)
	}
	seg := final[:idx]
	cr := strings.LastIndex(seg, "\r")
	if cr < 0 || !strings.Contains(seg[cr+1:], " ") {
		t.Fatalf("clear tail should write spaces after CR: %q", seg)
	}
}

type flakyWriter struct{ fail bool }

func (w *flakyWriter) Write(p []byte) (int, error) {
	if w.fail {
		w.fail = false
		return 0, fmt.Errorf("boom")
	}
	return len(p), nil
}

// UT-DIAG-07: 写失败降级为禁用态
func TestTerminalDisableOnWriteError(t *testing.T) {
	fw := &flakyWriter{fail: true}
	term := NewTerminal(fw, true)
	term.RunStart(1, "x")
	if term.enabled {
		t.Fatalf("terminal should be disabled after write error")
	}
	term.ImageStart(1, 1, "a")
	term.ImageStage("annotate")
	term.ImageDone("a.webp", nil, 5, 0, 0, 0)
	term.Halt(3, 0, 1)
	term.RunFinish(true, 0, 0)
}

func TestTerminalHaltAndRetry(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	term.ImageStart(4, 5, "x.jpg")
	term.ImageRetry(2, time.Minute, "timeout")
	term.Halt(3, 1, 5)
	out := sb.String()
	if !strings.Contains(out, "[retry] x.jpg | 第 2 次失败: timeout | 60.0s 后重试") {
		t.Fatalf("retry line: %q", out)
	}
	if !strings.Contains(out, "[halt] 连续失败 3 次，停止处理 | 已处理 1/5") {
		t.Fatalf("halt line: %q", out)
	}
}

func TestTerminalNilReceiverNoop(t *testing.T) {
	var tn *Terminal
	tn.RunStart(1, "x")
	tn.ImageStart(1, 1, "a")
	tn.ImageStage("s")
	tn.ImageRetry(1, 0, "")
	tn.ImageDone("a", nil, 0, 0, 0, 0)
	tn.ImageFail("x")
	tn.Notice("skip", "x")
	tn.Halt(1, 0, 1)
	tn.RunFinish(true, 0, 0)
}

func TestNewTerminalCIEnv(t *testing.T) {
	t.Setenv("CI", "true")
	term := NewTerminal(os.Stderr, true)
	if term.isTTY {
		t.Fatalf("CI env should force non-tty")
	}
}

// 工具函数
func TestHelpers(t *testing.T) {
	if PreviewTags([]string{"a", "b", "c"}, 5) != "a, b, c" {
		t.Fatalf("preview no truncate")
	}
	if PreviewTags([]string{"a", "b", "c"}, 2) != "a, b..." {
		t.Fatalf("preview truncate")
	}
	if PreviewTags(nil, 5) != "" {
		t.Fatalf("preview empty")
	}
	if shortenBase("x", 0) != "" {
		t.Fatalf("shortenBase max<=0 should be empty")
	}
	if got := shortenBase("/x/y/这是一个很长的文件名用于截断测试abcdefghijk.png", 10); visLen(got) != 10 {
		t.Fatalf("shortenBase width: %q", got)
	}
	if safe("a\nb\rc") != "a b c" {
		t.Fatalf("safe replace failed")
	}
	if shortReason("bad request {\"error\":\"x\"}\nmore") != "bad request" {
		t.Fatalf("shortReason")
	}
	if formatDur(0) != "0ms" || formatDur(1500*time.Millisecond) != "1.5s" {
		t.Fatalf("formatDur")
	}
	if NowUTC() == "" {
		t.Fatalf("NowUTC")
	}
}
