package diag

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry 为进程级指标注册表（不使用全局默认注册表，便于测试隔离）。
var Registry = prometheus.NewRegistry()

var (
	opTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "imgcat_op_total",
		Help: "Operations by component, stage and result.",
	}, []string{"comp", "stage", "result"})

	errorTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "imgcat_error_total",
		Help: "Errors by component and classification code.",
	}, []string{"comp", "code"})

	opDuration = promauto.With(Registry).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "imgcat_op_duration_seconds",
		Help:    "Stage duration in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"comp", "stage"})

	imagesTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "imgcat_images_total",
		Help: "Images by final outcome (persisted, failed, fallback).",
	}, []string{"outcome"})

	retriesTotal = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "imgcat_annotation_retries_total",
		Help: "Annotation retries under the retry-forever policy.",
	})

	galleryImages = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Name: "imgcat_gallery_images",
		Help: "Images listed by the last gallery scan.",
	})
)

func init() {
	Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// IncOp 累加操作计数（result=success|error）。
func IncOp(comp, stage, result string) { opTotal.WithLabelValues(comp, stage, result).Inc() }

// IncError 按分类累加错误计数。
func IncError(comp string, code Code) { errorTotal.WithLabelValues(comp, string(code)).Inc() }

// ObserveDuration 记录阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	opDuration.WithLabelValues(comp, stage).Observe(float64(durMS) / 1000.0)
}

// IncImage 记录单张图片的最终结果。
func IncImage(outcome string) { imagesTotal.WithLabelValues(outcome).Inc() }

// IncRetry 记录一次标注重试。
func IncRetry() { retriesTotal.Inc() }

// SetGalleryImages 记录最近一次图库扫描的条目数。
func SetGalleryImages(n int) { galleryImages.Set(float64(n)) }

// MetricsHandler 返回 /metrics 处理器。
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
