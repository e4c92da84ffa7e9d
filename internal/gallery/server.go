package gallery

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzhttp"
	"golang.org/x/sync/errgroup"

	"imgcat/internal/diag"
)

// Options 为画廊服务配置。
type Options struct {
	Addr        string // 监听地址，默认 :8000
	OutputDir   string // sidecar 与图片所在目录
	FrontendDir string // 可选：含 index.html 的前端目录
}

// NewHandler 构建画廊 HTTP 处理器（gin 路由 + gzip）。
func NewHandler(opts Options, logger *diag.Logger) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), cors(), accessLog(logger))

	r.GET("/api/images", func(c *gin.Context) {
		page := 1
		if s := c.Query("page"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page: " + s})
				return
			}
			page = n
		}
		p, err := List(opts.OutputDir, page, logger)
		if err != nil && !errors.Is(err, ErrOutputMissing) {
			logger.Error("gallery", string(diag.Classify(err)), "list failed: "+err.Error(), nil)
			c.JSON(http.StatusInternalServerError, gin.H{
				"images": []any{}, "page": page, "total_images": 0, "total_pages": 0, "error": err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, p)
	})
	r.StaticFS("/output", gin.Dir(opts.OutputDir, false))
	r.GET("/favicon.ico", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(diag.MetricsHandler()))
	if opts.FrontendDir != "" {
		index := filepath.Join(opts.FrontendDir, "index.html")
		r.GET("/", func(c *gin.Context) {
			if _, err := os.Stat(index); err != nil {
				c.String(http.StatusNotFound, "frontend not found")
				return
			}
			c.File(index)
		})
		r.StaticFS("/frontend", gin.Dir(opts.FrontendDir, false))
	}
	return gzhttp.GzipHandler(r)
}

// cors 为所有响应附加 CORS 头；OPTIONS 预检直接返回 204。
func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func accessLog(logger *diag.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		t0 := time.Now()
		c.Next()
		status := c.Writer.Status()
		result := "success"
		if status >= 400 {
			result = "error"
		}
		diag.IncOp("gallery", "request", result)
		diag.ObserveDuration("gallery", "request", time.Since(t0).Milliseconds())
		logger.DebugStart("gallery", c.Request.Method+" "+c.Request.URL.Path, "", map[string]string{
			"status": strconv.Itoa(status),
		})
	}
}

// Serve 在 opts.Addr 上提供服务，直到 ctx 取消后优雅关闭。
// ready 非空时在监听建立后回传实际地址。
func Serve(ctx context.Context, opts Options, logger *diag.Logger, ready func(addr string)) error {
	addr := opts.Addr
	if addr == "" {
		addr = ":8000"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: NewHandler(opts, logger), ReadHeaderTimeout: 10 * time.Second}
	logger.Info("gallery", "listening", map[string]string{"addr": ln.Addr().String(), "output": opts.OutputDir})
	if ready != nil {
		ready(ln.Addr().String())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	err = g.Wait()
	logger.Info("gallery", "stopped", nil)
	return err
}
