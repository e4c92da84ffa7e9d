package rate

import (
	"context"
	"sync"
	"time"

	xrate "golang.org/x/time/rate"
)

// LimitKey: 限流分组键（provider + key 指纹）。
type LimitKey string

// Limits: 每分组的限额配置。0 表示不启用。
type Limits struct {
	RPM int // requests per minute
}

// Gate: 限流闸门（并发安全）。
type Gate interface {
	// Wait: 阻塞直到额度可用或 ctx 取消。
	Wait(ctx context.Context, key LimitKey) error
	// Try: 非阻塞尝试；不足时返回 false。
	Try(key LimitKey) bool
}

// NewGate: 从静态配置构造闸门；clk 为空则使用 time.Now。
// 每个分组一个令牌桶：容量 RPM，速率 RPM/60 每秒，初始满桶。
func NewGate(m map[LimitKey]Limits, clk func() time.Time) Gate {
	if clk == nil {
		clk = time.Now
	}
	g := &gate{clk: clk, m: make(map[LimitKey]*xrate.Limiter, len(m))}
	for k, lim := range m {
		if lim.RPM > 0 {
			g.m[k] = newLimiter(lim.RPM)
		}
	}
	return g
}

func newLimiter(rpm int) *xrate.Limiter {
	return xrate.NewLimiter(xrate.Limit(float64(rpm)/60.0), rpm)
}

type gate struct {
	mu  sync.Mutex
	clk func() time.Time
	m   map[LimitKey]*xrate.Limiter
}

// get 返回分组限流器；未配置的 key 视为不限额（nil）。
func (g *gate) get(key LimitKey) *xrate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.m[key]
}

func (g *gate) Try(key LimitKey) bool {
	l := g.get(key)
	if l == nil {
		return true
	}
	return l.AllowN(g.clk(), 1)
}

func (g *gate) Wait(ctx context.Context, key LimitKey) error {
	// 快速取消
	if err := ctx.Err(); err != nil {
		return err
	}
	l := g.get(key)
	if l == nil {
		return nil
	}
	now := g.clk()
	r := l.ReserveN(now, 1)
	if !r.OK() {
		return ctx.Err()
	}
	d := r.DelayFrom(now)
	if d <= 0 {
		return nil
	}
	if err := sleepCtx(ctx, d); err != nil {
		// 归还未使用的额度
		r.CancelAt(g.clk())
		return err
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
