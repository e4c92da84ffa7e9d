package compress

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// WebP 容器（RIFF）最小改写：把简单格式（单个 VP8/VP8L 块）升级为扩展格式（VP8X），
// 并在图像数据之后追加 EXIF 块。已是 VP8X 时仅置位 EXIF 标志并替换已有 EXIF 块。
const (
	vp8xFlagExif  = 0x08
	vp8xFlagAlpha = 0x10
)

type riffChunk struct {
	fourCC  string
	payload []byte
}

func parseWebP(data []byte) ([]riffChunk, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WEBP" {
		return nil, fmt.Errorf("not a webp container")
	}
	size := int(binary.LittleEndian.Uint32(data[4:8]))
	if size+8 > len(data) || size < 4 {
		return nil, fmt.Errorf("riff size %d out of range", size)
	}
	body := data[12 : 8+size]
	var chunks []riffChunk
	for len(body) > 0 {
		if len(body) < 8 {
			return nil, fmt.Errorf("truncated chunk header")
		}
		cc := string(body[0:4])
		n := int(binary.LittleEndian.Uint32(body[4:8]))
		if 8+n > len(body) {
			return nil, fmt.Errorf("chunk %q truncated", cc)
		}
		chunks = append(chunks, riffChunk{fourCC: cc, payload: body[8 : 8+n]})
		adv := 8 + n + n&1
		if adv > len(body) {
			adv = len(body)
		}
		body = body[adv:]
	}
	return chunks, nil
}

func writeWebP(chunks []riffChunk) []byte {
	var body bytes.Buffer
	body.WriteString("WEBP")
	for _, c := range chunks {
		body.WriteString(c.fourCC)
		_ = binary.Write(&body, binary.LittleEndian, uint32(len(c.payload)))
		body.Write(c.payload)
		if len(c.payload)&1 == 1 {
			body.WriteByte(0)
		}
	}
	var out bytes.Buffer
	out.WriteString("RIFF")
	_ = binary.Write(&out, binary.LittleEndian, uint32(body.Len()))
	out.Write(body.Bytes())
	return out.Bytes()
}

// embedExif 返回带 EXIF 块的新 WebP 字节；width/height 为画布尺寸。
func embedExif(data, exifRaw []byte, width, height int) ([]byte, error) {
	if width <= 0 || height <= 0 || width > 1<<24 || height > 1<<24 {
		return nil, fmt.Errorf("canvas %dx%d out of range", width, height)
	}
	chunks, err := parseWebP(data)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("empty webp")
	}
	if chunks[0].fourCC == "VP8X" {
		if len(chunks[0].payload) < 10 {
			return nil, fmt.Errorf("short VP8X chunk")
		}
		hdr := append([]byte(nil), chunks[0].payload...)
		hdr[0] |= vp8xFlagExif
		out := []riffChunk{{fourCC: "VP8X", payload: hdr}}
		for _, c := range chunks[1:] {
			if c.fourCC != "EXIF" {
				out = append(out, c)
			}
		}
		out = append(out, riffChunk{fourCC: "EXIF", payload: exifRaw})
		return writeWebP(out), nil
	}

	var flags byte = vp8xFlagExif
	if chunks[0].fourCC == "VP8L" {
		// 无损位流自带 alpha 标志；保持 VP8X 声明一致
		if len(chunks[0].payload) >= 5 && chunks[0].payload[4]&0x10 != 0 {
			flags |= vp8xFlagAlpha
		}
	} else if chunks[0].fourCC != "VP8 " {
		return nil, fmt.Errorf("unexpected first chunk %q", chunks[0].fourCC)
	}
	hdr := make([]byte, 10)
	hdr[0] = flags
	putUint24(hdr[4:7], uint32(width-1))
	putUint24(hdr[7:10], uint32(height-1))
	out := []riffChunk{{fourCC: "VP8X", payload: hdr}, chunks[0], {fourCC: "EXIF", payload: exifRaw}}
	return writeWebP(out), nil
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}
