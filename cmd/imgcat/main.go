package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"imgcat/internal/gallery"
	"imgcat/internal/ingest"
	"imgcat/internal/watch"
	"imgcat/pkg/contract"
)

// 可替换的运行入口（测试注入）。
var (
	ingestRun    = ingest.Run
	reconcileRun = ingest.Reconcile
	galleryServe = gallery.Serve
	watchRun     = watch.Run
)

// version 由构建时 -ldflags "-X main.version=..." 注入。
var version = "dev"

// 退出码。
const (
	exitOK     = 0
	exitFail   = 1 // 运行期错误
	exitHalted = 2 // 连续失败达到阈值而停止
	exitConfig = 3 // 配置/装配错误
)

// exitError 携带期望的退出码。
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// execute 解析并执行子命令，返回退出码。
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil && ee.code != exitHalted && !errors.Is(ee.err, context.Canceled) {
			fmt.Fprintf(stderr, "错误: %v\n", ee.err)
		}
		return ee.code
	}
	if errors.Is(err, context.Canceled) {
		return exitFail
	}
	fmt.Fprintf(stderr, "错误: %v\n", err)
	if errors.Is(err, contract.ErrConfiguration) {
		return exitConfig
	}
	return exitFail
}
