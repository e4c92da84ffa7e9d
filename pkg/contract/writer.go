package contract

import (
	"context"
	"io"
)

// ArtifactID: 输出目录内的工件标识（相对输出根的文件名）。
type ArtifactID = FileID

// Writer: 将工件以流式方式持久化到输出目录。
// 约束：
//  1. 同一 ArtifactID 单写者；
//  2. 流式写入，按字节透传，不读取/修改业务内容；
//  3. ctx 取消/超时需尽快返回；
//  4. 错误直接上抛（不做重试/回退）。
type Writer interface {
	Write(ctx context.Context, id ArtifactID, r io.Reader) error
}

// Mover: 可选扩展。将本地文件移动为输出工件（压缩失败回退/未启用压缩时使用）。
type Mover interface {
	Move(ctx context.Context, src string, id ArtifactID) error
}

// Remover: 可选扩展。删除输出工件（用于持久化失败时回滚孤立的 sidecar）。
type Remover interface {
	Remove(ctx context.Context, id ArtifactID) error
}
