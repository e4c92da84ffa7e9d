package contract

import "context"

// Reader: 输入源抽象（本地目录）。
// 约束：
// 1) List 仅列出受支持格式的文件，按文件名稳定排序；
// 2) Load 读取字节并探测 MIME，不做解码；
// 3) 不在内部起并发。
type Reader interface {
	List(ctx context.Context, root string) ([]Source, error)
	Load(ctx context.Context, src Source) (Image, error)
}
