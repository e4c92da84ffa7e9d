package diag

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	currentLogName    = "imgcat-current.log"
	rotatedPrefix     = "imgcat-"
	defaultMaxBytes   = 10 * 1024 * 1024
	defaultMaxBackups = 5
)

// RotatingFile 是按大小轮转的日志文件，供 slog Handler 作为 io.Writer 使用。
// 当前文件名固定为 imgcat-current.log；写入将超出 maxBytes 时改名为
// imgcat-<UTC 时间戳>.log 并新建当前文件，仅保留最近 maxBackups 个历史文件。
type RotatingFile struct {
	dir        string
	maxBytes   int64
	maxBackups int

	mu   sync.Mutex
	f    *os.File
	size int64
}

// NewRotatingFile: maxBytes<=0 取 10 MiB；备份数默认 5。
func NewRotatingFile(dir string, maxBytes int64) *RotatingFile {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &RotatingFile{dir: dir, maxBytes: maxBytes, maxBackups: defaultMaxBackups}
}

// WithBackups 设置历史文件保留数；n<=0 表示不清理。
func (w *RotatingFile) WithBackups(n int) *RotatingFile {
	w.mu.Lock()
	w.maxBackups = n
	w.mu.Unlock()
	return w
}

// Write 写入一条完整记录；超限时先轮转（空文件不轮转，单条超长记录照常写入）。
func (w *RotatingFile) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.open(); err != nil {
		return 0, err
	}
	if w.size > 0 && w.size+int64(len(p)) > w.maxBytes {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

// WriteLine 追加换行后写入。
func (w *RotatingFile) WriteLine(b []byte) error {
	_, err := w.Write(append(append(make([]byte, 0, len(b)+1), b...), '\n'))
	return err
}

func (w *RotatingFile) open() error {
	if w.f != nil {
		return nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(w.dir, currentLogName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.f, w.size = f, 0
	if st, err := f.Stat(); err == nil {
		w.size = st.Size()
	}
	return nil
}

func (w *RotatingFile) rotate() error {
	if w.f == nil {
		return w.open()
	}
	cur := w.f.Name()
	_ = w.f.Close()
	w.f = nil
	// 纳秒时间戳：同一秒内多次轮转不互相覆盖
	ts := time.Now().UTC().Format("20060102-150405.000000000")
	if err := os.Rename(cur, filepath.Join(w.dir, rotatedPrefix+ts+".log")); err != nil {
		return fmt.Errorf("rotate log: %w", err)
	}
	w.prune()
	return w.open()
}

// prune 删除超出保留数的最旧历史文件；失败忽略。
func (w *RotatingFile) prune() {
	if w.maxBackups <= 0 {
		return
	}
	ents, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	var old []string
	for _, e := range ents {
		n := e.Name()
		if n != currentLogName && strings.HasPrefix(n, rotatedPrefix) && strings.HasSuffix(n, ".log") {
			old = append(old, n)
		}
	}
	if len(old) <= w.maxBackups {
		return
	}
	// 时间戳定长，字典序即时间序
	sort.Strings(old)
	for _, n := range old[:len(old)-w.maxBackups] {
		_ = os.Remove(filepath.Join(w.dir, n))
	}
}

// Close 关闭当前文件；之后再次写入会重新打开。
func (w *RotatingFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
