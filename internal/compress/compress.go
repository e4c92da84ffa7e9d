// Package compress 将单张输入图片转为有损 WebP：必要时展平为不透明 RGB，等比缩小（不放大），
// 按需保留 EXIF，并通过命名分配写出唯一一个新文件。输入文件不删除，由调用方负责。
package compress

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"time"

	"github.com/dsoprea/go-exif/v3"
	exifcommon "github.com/dsoprea/go-exif/v3/common"
	"github.com/gen2brain/webp"
	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"imgcat/internal/diag"
	"imgcat/internal/naming"
	"imgcat/pkg/contract"
	wfs "imgcat/plugins/writer/filesystem"
)

// CompressionFailure 携带原始输入路径与底层原因；errors.Is(err, contract.ErrCompressionFailed) 成立。
type CompressionFailure struct {
	Input string
	Err   error
}

func (e *CompressionFailure) Error() string {
	return fmt.Sprintf("compress %s: %v", e.Input, e.Err)
}

func (e *CompressionFailure) Unwrap() []error { return []error{contract.ErrCompressionFailed, e.Err} }

// Result 描述一次成功压缩。
type Result struct {
	Filename     string // 输出文件名（含 .webp）
	Stem         string
	SourceWidth  int
	SourceHeight int
	Width        int
	Height       int
	BytesIn      int64
	BytesOut     int64
	Flattened    bool // 发生了透明/调色板 → 不透明 RGB 的有损转换
	ExifKept     bool
}

// EncodeFunc 将图片按给定质量与方法编码为有损 WebP。
type EncodeFunc func(w io.Writer, img image.Image, quality, method int) error

// Compressor 按固定设置执行压缩；实例无内部状态，可跨运行复用。
type Compressor struct {
	settings Settings
	logger   *diag.Logger
	encode   EncodeFunc
	writer   contract.Writer
}

// New 创建压缩器；设置会被规范化，输出格式被强制改写时记录告警。
func New(s Settings, logger *diag.Logger) *Compressor {
	ns, overridden := s.Normalize()
	if overridden {
		logger.Warn("compress", "unsupported output_format, forcing webp", "", map[string]string{"requested": s.OutputFormat})
	}
	return &Compressor{settings: ns, logger: logger, encode: encodeWebP}
}

// WithEncoder 替换编码实现（测试注入）。
func (c *Compressor) WithEncoder(fn EncodeFunc) *Compressor {
	if fn != nil {
		c.encode = fn
	}
	return c
}

// WithWriter 指定输出写入器；其根目录须与 Compress 的 outDir 一致。
// 未指定时每次调用按 outDir 新建文件系统写入器。
func (c *Compressor) WithWriter(w contract.Writer) *Compressor {
	c.writer = w
	return c
}

// Settings 返回规范化后的设置。
func (c *Compressor) Settings() Settings { return c.settings }

// Compress 将 inputPath 编码为 outDir 下 <唯一基名>.webp，返回输出信息。
// ignore 中的文件名在分配时视为不存在（就地重编码时传入自身的旧文件）。
func (c *Compressor) Compress(ctx context.Context, inputPath, outDir, desired string, reserved naming.ReservedSet, ignore ...string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	t0 := time.Now()
	fail := func(err error) (Result, error) {
		return Result{}, &CompressionFailure{Input: inputPath, Err: err}
	}

	data, err := os.ReadFile(inputPath)
	if err != nil {
		return fail(err)
	}
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fail(fmt.Errorf("decode: %w", err))
	}
	b := src.Bounds()
	res := Result{SourceWidth: b.Dx(), SourceHeight: b.Dy(), BytesIn: int64(len(data))}

	rgb, flattened := toOpaqueRGB(src)
	res.Flattened = flattened
	var img image.Image = rgb
	if c.settings.Bounded() {
		img = resize.Thumbnail(uint(c.settings.MaxWidth), uint(c.settings.MaxHeight), img, resize.Lanczos3)
	}
	ob := img.Bounds()
	res.Width, res.Height = ob.Dx(), ob.Dy()

	var buf bytes.Buffer
	if err := c.encode(&buf, img, c.settings.Quality, EncodeMethod); err != nil {
		return fail(fmt.Errorf("encode: %w", err))
	}
	out := buf.Bytes()
	if !c.settings.StripMetadata {
		raw, err := extractExif(data)
		if err != nil {
			c.logger.Warn("compress", "exif unreadable: "+err.Error(), inputPath, nil)
		}
		if len(raw) > 0 {
			muxed, err := embedExif(out, raw, res.Width, res.Height)
			if err != nil {
				c.logger.Warn("compress", "exif not embedded: "+err.Error(), inputPath, nil)
			} else {
				out = muxed
				res.ExifKept = true
			}
		}
	}

	stem, err := naming.AllocateExcept(outDir, desired, OutputExt, reserved, ignore...)
	if err != nil {
		return fail(err)
	}
	res.Stem = stem
	res.Filename = stem + OutputExt

	w := c.writer
	if w == nil {
		fw, err := wfs.New(&wfs.Options{OutputDir: outDir})
		if err != nil {
			return fail(err)
		}
		w = fw
	}
	if err := w.Write(ctx, contract.ArtifactID(res.Filename), bytes.NewReader(out)); err != nil {
		return fail(fmt.Errorf("write: %w", err))
	}
	res.BytesOut = int64(len(out))

	c.logger.DebugStart("compress", "encoded", inputPath, map[string]string{
		"format": format,
		"output": res.Filename,
		"size":   fmt.Sprintf("%dx%d->%dx%d", res.SourceWidth, res.SourceHeight, res.Width, res.Height),
	})
	diag.ObserveDuration("compress", "encode", time.Since(t0).Milliseconds())
	return res, nil
}

// toOpaqueRGB 将任意图片转为不透明 RGBA 缓冲。
// 调色板与带 alpha 的图片直接丢弃透明度（保留各像素的原始颜色分量），不可逆。
func toOpaqueRGB(src image.Image) (*image.RGBA, bool) {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	if !needsFlatten(src) {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
		return dst, false
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(src.At(x, y)).(color.NRGBA)
			dst.SetRGBA(x-b.Min.X, y-b.Min.Y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff})
		}
	}
	return dst, true
}

// needsFlatten: 调色板图片，或带 alpha 通道且存在非不透明像素的图片。
func needsFlatten(img image.Image) bool {
	if _, ok := img.(*image.Paletted); ok {
		return true
	}
	switch img.ColorModel() {
	case color.NRGBAModel, color.NRGBA64Model, color.RGBAModel, color.RGBA64Model, color.AlphaModel, color.Alpha16Model:
		if o, ok := img.(interface{ Opaque() bool }); ok {
			return !o.Opaque()
		}
		return true
	}
	return false
}

// extractExif 返回源文件中的 EXIF（TIFF 头起始，按 IFD 链重新编码为紧凑块）；无 EXIF 或无法解析时返回 nil。
func extractExif(data []byte) ([]byte, error) {
	raw, err := exif.SearchAndExtractExif(data)
	if err != nil {
		if errors.Is(err, exif.ErrNoExif) {
			return nil, nil
		}
		return nil, err
	}
	im, err := exifcommon.NewIfdMappingWithStandard()
	if err != nil {
		return nil, err
	}
	_, index, err := exif.Collect(im, exif.NewTagIndex(), raw)
	if err != nil {
		return nil, err
	}
	ib := exif.NewIfdBuilderFromExistingChain(index.RootIfd)
	return exif.NewIfdByteEncoder().EncodeToExif(ib)
}

func encodeWebP(w io.Writer, img image.Image, quality, method int) error {
	return webp.Encode(w, img, webp.Options{Quality: quality, Method: method, Lossless: false})
}
