package contract

import "context"

// Raw: 标注客户端返回的原始文本载荷。
// 约束：原样返回，不做清洗/截断/归一化（代码围栏剥离属于 Decoder 职责）。
type Raw struct {
	Text string
}

// Annotator: 以单张图片 + 固定指令为单位调用外部模型，返回原始文本 Raw。
// 单次调用、同步返回；应尊重 ctx 取消/超时并及时释放资源。
// 任何传输/协议错误都属于标注失败，由编排层的失败策略处理。
type Annotator interface {
	Annotate(ctx context.Context, img Image, instruction string) (Raw, error)
}

// Decoder: 将 Raw 解码为 Annotation；字段回填/围栏剥离由实现负责。
type Decoder interface {
	Decode(ctx context.Context, raw Raw) (Annotation, error)
}
