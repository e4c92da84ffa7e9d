// Package watch 监听输入目录，新文件落地并静默一段时间后触发一次处理。
package watch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"

	"imgcat/internal/diag"
	"imgcat/pkg/contract"
)

// DefaultDebounce 为默认静默窗口。
const DefaultDebounce = 2 * time.Second

// Options 控制监听行为。
type Options struct {
	Debounce time.Duration          // 最后一个事件后的静默时间
	Match    func(name string) bool // nil 表示所有文件
	Ready    func()                 // 监听建立后回调（可选）
	Initial  bool                   // 监听建立后先触发一次；其错误直接返回
}

// Trigger 执行一次处理；返回 ErrConfiguration 时监听终止。
type Trigger func(ctx context.Context) error

// Run 监听 dir，直到 ctx 取消。事件在 Debounce 窗口内合并，触发串行执行。
// Initial 的首次触发发生在监听建立之后，期间落地的文件会再触发一次。
// 仅关注 Create/Write：处理过程中把文件移出输入目录产生的 Remove/Rename 不会再次触发。
func Run(ctx context.Context, dir string, opts Options, fire Trigger, logger *diag.Logger) error {
	if fire == nil {
		return fmt.Errorf("%w: watch: nil trigger", contract.ErrConfiguration)
	}
	d := opts.Debounce
	if d <= 0 {
		d = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("%w: watch %s: %w", contract.ErrConfiguration, dir, err)
	}
	logger.Info("watch", "watching", map[string]string{"dir": dir, "debounce": d.String()})
	if opts.Ready != nil {
		opts.Ready()
	}
	if opts.Initial {
		if err := fire(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}

	var due <-chan time.Time
	pending := 0
	for {
		select {
		case <-ctx.Done():
			logger.Info("watch", "stopped", nil)
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if opts.Match != nil && !opts.Match(ev.Name) {
				continue
			}
			pending++
			due = time.After(d)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch", "watcher error: "+err.Error(), "", nil)
		case <-due:
			due = nil
			logger.Info("watch", "changes settled", map[string]string{"events": strconv.Itoa(pending)})
			pending = 0
			if err := fire(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if errors.Is(err, contract.ErrConfiguration) {
					return err
				}
				logger.Warn("watch", "run failed: "+err.Error(), "", map[string]string{"code": string(diag.Classify(err))})
			}
		}
	}
}
