package diag

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
)

// Terminal: 终端信息提示（非日志）。
// - 输出到提供的 io.Writer（默认建议 stderr）。
// - TTY: 阶段进度单行 \r 覆盖；非 TTY: 关键节点分行打印。
// - 并发安全；写失败后进入禁用态为 no-op。
type Terminal struct {
	w       io.Writer
	enabled bool
	isTTY   bool

	// 运行期最小状态
	annotator  string
	total      int
	imagesDone int
	runStart   time.Time

	// 当前图片
	curName  string
	curIdx   int
	curStart time.Time

	// 输出控制
	lastLen   int
	lastFlush time.Time

	mu sync.Mutex
}

// NewTerminal 构造终端提示器。
// enabled=false 时总是 no-op。
func NewTerminal(w io.Writer, enabled bool) *Terminal {
	if w == nil {
		w = os.Stderr
	}
	t := &Terminal{w: w, enabled: enabled}
	// CI 环境视为非 TTY
	if os.Getenv("CI") != "" {
		t.isTTY = false
	} else if f, ok := w.(*os.File); ok {
		t.isTTY = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return t
}

// RunStart: 记录运行上下文（待处理总数、标注客户端）。
func (t *Terminal) RunStart(total int, annotator string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.total = total
	t.annotator = annotator
	t.imagesDone = 0
	t.runStart = time.Now()
	t.println(fmt.Sprintf("[run] 图片=%d | annotator=%s", total, safe(annotator)))
}

// ImageStart: 标记当前图片。
func (t *Terminal) ImageStart(idx, total int, name string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.curName = shortenBase(name, 48)
	t.curIdx = idx
	t.total = total
	t.curStart = time.Now()
	if !t.isTTY {
		t.println(fmt.Sprintf("[%d/%d] %s", idx, total, t.curName))
	}
}

// ImageStage: 阶段进度（annotate/compress/persist；仅 TTY，≥100ms 节流）。
func (t *Terminal) ImageStage(stage string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled || !t.isTTY {
		return
	}
	now := time.Now()
	if now.Sub(t.lastFlush) < 100*time.Millisecond {
		return
	}
	t.lastFlush = now
	line := fmt.Sprintf("[%d/%d] %s | %s | 用时 %s", t.curIdx, t.total, t.curName, safe(stage), formatSince(t.curStart))
	t.printInline(line)
}

// ImageRetry: 标注失败后等待重试。
func (t *Terminal) ImageRetry(attempt int, delay time.Duration, reason string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.clearInline()
	t.println(fmt.Sprintf("[retry] %s | 第 %d 次失败: %s | %s 后重试", t.curName, attempt, shortReason(reason), formatDur(delay)))
}

// ImageDone: 单张图片成功（输出名、标签预览、提及数、体积变化）。
func (t *Terminal) ImageDone(output string, tags []string, preview, mentions int, bytesIn, bytesOut int64) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.imagesDone++
	t.clearInline()
	size := ""
	if bytesIn > 0 && bytesOut > 0 {
		size = fmt.Sprintf(" | %s → %s", humanize.Bytes(uint64(bytesIn)), humanize.Bytes(uint64(bytesOut)))
	}
	stem := strings.TrimSuffix(output, filepath.Ext(output))
	t.println(fmt.Sprintf("[done] %s → %s + %s.json%s | 用时 %s", t.curName, safe(output), safe(stem), size, formatSince(t.curStart)))
	t.println(fmt.Sprintf("  tags: %s", PreviewTags(tags, preview)))
	t.println(fmt.Sprintf("  profile_mentions: %d", mentions))
}

// ImageFail: 单张图片失败（已按策略放弃或回滚）。
func (t *Terminal) ImageFail(reason string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.clearInline()
	t.println(fmt.Sprintf("[fail] %s | %s | 用时 %s", t.curName, shortReason(reason), formatSince(t.curStart)))
}

// Notice: 单行提示（压缩回退、跳过、重命名等）。
func (t *Terminal) Notice(tag, msg string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.clearInline()
	t.println(fmt.Sprintf("[%s] %s", safe(tag), safe(msg)))
}

// Halt: 连续失败达到阈值，运行中止。
func (t *Terminal) Halt(consecutive, processed, total int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.clearInline()
	t.println(fmt.Sprintf("[halt] 连续失败 %d 次，停止处理 | 已处理 %d/%d", consecutive, processed, total))
}

// RunFinish: 结束总览（成功数、仍留在输入目录的图片数）。
func (t *Terminal) RunFinish(ok bool, succeeded, remaining int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	tag := "ok"
	if !ok {
		tag = "fail"
	}
	t.clearInline()
	line := fmt.Sprintf("[%s] 处理完成 | 成功 %d | 总用时 %s", tag, succeeded, formatSince(t.runStart))
	if remaining > 0 {
		line += fmt.Sprintf(" | %d 张图片处理失败，仍留在输入目录", remaining)
	}
	t.println(line)
}

// PreviewTags 返回前 n 个标签，截断时追加 "..."。
func PreviewTags(tags []string, n int) string {
	if n < 0 {
		n = 0
	}
	if len(tags) <= n {
		return strings.Join(tags, ", ")
	}
	return strings.Join(tags[:n], ", ") + "..."
}

// 内部输出工具
func (t *Terminal) println(s string) {
	if t == nil || !t.enabled {
		return
	}
	if _, err := io.WriteString(t.w, s+"\n"); err != nil {
		t.enabled = false
	}
	t.lastLen = 0
}

func (t *Terminal) clearInline() {
	if t.isTTY && t.lastLen > 0 {
		t.printInline("")
	}
}

func (t *Terminal) printInline(s string) {
	if t == nil || !t.enabled {
		return
	}
	// 若新行比旧短，填充空格覆盖
	pad := 0
	if l := visLen(s); t.lastLen > l {
		pad = t.lastLen - l
	}
	var b strings.Builder
	b.WriteByte('\r')
	b.WriteString(s)
	if pad > 0 {
		b.WriteString(strings.Repeat(" ", pad))
	}
	if _, err := io.WriteString(t.w, b.String()); err != nil {
		t.enabled = false
		return
	}
	t.lastLen = visLen(s)
}

// shortenBase: 取基名并按可见宽度截断（尾部省略号）。
func shortenBase(s string, max int) string {
	if max <= 0 {
		return ""
	}
	base := filepath.Base(strings.TrimSpace(s))
	if base == "" {
		return ""
	}
	if visLen(base) <= max {
		return base
	}
	cut := max - 1
	if cut < 1 {
		cut = 1
	}
	rs := []rune(base)
	if len(rs) <= cut {
		return string(rs)
	}
	return string(rs[:cut]) + "…"
}

// shortReason: 仅保留错误首行，并去掉内嵌 JSON 片段。
func shortReason(s string) string {
	s, _, _ = strings.Cut(s, "\n")
	if i := strings.Index(s, "{"); i > 0 {
		s = s[:i]
	}
	return safe(strings.TrimSpace(s))
}

func visLen(s string) int { return len([]rune(s)) }

func safe(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return s
}

func formatSince(t0 time.Time) string {
	if t0.IsZero() {
		return formatDur(0)
	}
	return formatDur(time.Since(t0))
}

func formatDur(d time.Duration) string {
	if d < time.Second {
		ms := d.Milliseconds()
		if ms <= 0 {
			ms = 0
		}
		return fmt.Sprintf("%dms", ms)
	}
	s := float64(d.Milliseconds()) / 1000.0
	return fmt.Sprintf("%.1fs", s)
}
