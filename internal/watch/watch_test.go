package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imgcat/pkg/contract"
)

func start(t *testing.T, dir string, opts Options, fire Trigger) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	opts.Ready = func() { close(ready) }
	done := make(chan error, 1)
	go func() { done <- Run(ctx, dir, opts, fire, nil) }()
	select {
	case <-ready:
	case err := <-done:
		cancel()
		t.Fatalf("watch exited early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("watch not ready")
	}
	return cancel, done
}

func TestUT_WCH_01_DebouncesBurst(t *testing.T) {
	dir := t.TempDir()
	var calls atomic.Int32
	fired := make(chan struct{}, 8)
	cancel, done := start(t, dir, Options{
		Debounce: 150 * time.Millisecond,
		Match:    func(n string) bool { return strings.HasSuffix(n, ".jpg") },
	}, func(ctx context.Context) error {
		calls.Add(1)
		fired <- struct{}{}
		return nil
	})
	defer cancel()

	for _, n := range []string{"a.jpg", "b.jpg", "c.jpg"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o644))
	}
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("trigger not fired")
	}
	// 窗口内不应有第二次触发
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "unmatched files are ignored")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestUT_WCH_05_InitialRunSeesFilesLandingDuringIt(t *testing.T) {
	dir := t.TempDir()
	var calls atomic.Int32
	fired := make(chan struct{}, 8)
	cancel, done := start(t, dir, Options{Debounce: 100 * time.Millisecond, Initial: true}, func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			// 首次运行期间落地的新文件
			if err := os.WriteFile(filepath.Join(dir, "late.jpg"), []byte("x"), 0o644); err != nil {
				return err
			}
		}
		fired <- struct{}{}
		return nil
	})
	defer cancel()

	for i := 0; i < 2; i++ {
		select {
		case <-fired:
		case <-time.After(5 * time.Second):
			t.Fatalf("trigger %d not fired", i+1)
		}
	}
	assert.Equal(t, int32(2), calls.Load())
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestUT_WCH_06_InitialErrorReturned(t *testing.T) {
	boom := errors.New("halted")
	err := Run(context.Background(), t.TempDir(), Options{Initial: true}, func(context.Context) error { return boom }, nil)
	assert.ErrorIs(t, err, boom)
}

func TestUT_WCH_02_ConfigErrorStops(t *testing.T) {
	dir := t.TempDir()
	cancel, done := start(t, dir, Options{Debounce: 50 * time.Millisecond}, func(ctx context.Context) error {
		return contract.ErrConfiguration
	})
	defer cancel()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.png"), []byte("x"), 0o644))
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, contract.ErrConfiguration))
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop on configuration error")
	}
}

func TestUT_WCH_03_OtherErrorsKeepWatching(t *testing.T) {
	dir := t.TempDir()
	var calls atomic.Int32
	fired := make(chan struct{}, 8)
	cancel, done := start(t, dir, Options{Debounce: 50 * time.Millisecond}, func(ctx context.Context) error {
		calls.Add(1)
		fired <- struct{}{}
		return contract.ErrAnnotationFailed
	})
	defer cancel()
	for i, n := range []string{"a.png", "b.png"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o644))
		select {
		case <-fired:
		case <-time.After(5 * time.Second):
			t.Fatalf("trigger %d not fired", i)
		}
	}
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
	cancel()
	assert.NoError(t, <-done)
}

func TestUT_WCH_04_MissingDir(t *testing.T) {
	err := Run(context.Background(), filepath.Join(t.TempDir(), "nope"), Options{}, func(context.Context) error { return nil }, nil)
	assert.ErrorIs(t, err, contract.ErrConfiguration)
	assert.ErrorIs(t, Run(context.Background(), t.TempDir(), Options{}, nil, nil), contract.ErrConfiguration)
}
