// Package naming 为输出目录分配不冲突的基名（stem），保证图片与 sidecar 成对且永不覆盖。
//
// 单写者假设：唯一性基于目录扫描 + 本次运行的保留集，两个进程并发写同一输出目录时不受保护。
package naming

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// SidecarExt 为 sidecar 的固定扩展名。
const SidecarExt = ".json"

// ReservedSet: 单次运行内已占用的基名集合。
// 由一次流水线运行独占；非并发安全。
type ReservedSet map[string]struct{}

// NewReservedSet 创建空保留集。
func NewReservedSet() ReservedSet { return make(ReservedSet) }

// Add 记录已占用的基名。
func (r ReservedSet) Add(stem string) { r[stem] = struct{}{} }

// Has 判断基名是否已占用（nil 集合视为空）。
func (r ReservedSet) Has(stem string) bool {
	if r == nil {
		return false
	}
	_, ok := r[stem]
	return ok
}

// Len 返回已占用数量。
func (r ReservedSet) Len() int { return len(r) }

// Allocate 返回 dir 内可用的唯一基名：
// 候选名不在 reserved 中，且 dir 下不存在 候选名+ext 与 候选名+".json"。
// 依次尝试 desired、"desired (1)"、"desired (2)"…，无上界。
func Allocate(dir, desired, ext string, reserved ReservedSet) (string, error) {
	return AllocateExcept(dir, desired, ext, reserved)
}

// AllocateExcept 同 Allocate，但将 ignore 中列出的文件名视为不存在。
// 用于就地重编码：图片自身的旧文件与其 sidecar 即将被替换，不应把新名挤到带序号的候选。
func AllocateExcept(dir, desired, ext string, reserved ReservedSet, ignore ...string) (string, error) {
	if strings.TrimSpace(desired) == "" {
		return "", fmt.Errorf("allocate: empty base name")
	}
	if strings.ContainsAny(desired, `/\`) {
		return "", fmt.Errorf("allocate: base name %q contains a path separator", desired)
	}
	skip := make(map[string]struct{}, len(ignore))
	for _, n := range ignore {
		skip[n] = struct{}{}
	}
	candidate := desired
	for counter := 1; ; counter++ {
		ok, err := available(dir, candidate, ext, reserved, skip)
		if err != nil {
			return "", err
		}
		if ok {
			return candidate, nil
		}
		candidate = Suffixed(desired, counter)
	}
}

// Suffixed 返回带序号的候选名："base (k)"。
func Suffixed(base string, k int) string { return fmt.Sprintf("%s (%d)", base, k) }

func available(dir, candidate, ext string, reserved ReservedSet, skip map[string]struct{}) (bool, error) {
	if reserved.Has(candidate) {
		return false, nil
	}
	for _, name := range []string{candidate + ext, candidate + SidecarExt} {
		if _, ok := skip[name]; ok {
			continue
		}
		exists, err := fileExists(filepath.Join(dir, name))
		if err != nil {
			return false, err
		}
		if exists {
			return false, nil
		}
	}
	return true, nil
}

func fileExists(p string) (bool, error) {
	_, err := os.Lstat(p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("allocate: stat %s: %w", p, err)
}

// Stem 返回去掉扩展名的文件名。
func Stem(name string) string {
	base := filepath.Base(name)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
