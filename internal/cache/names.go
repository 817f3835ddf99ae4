package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	bodySuffix = ".body"
	metaSuffix = ".meta.json"
)

// validatePartitionName 拒绝可能逃逸存储根目录的分区名。
func validatePartitionName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidPartition, name)
	}
	return nil
}

// entryID 将任意 URL key 映射为文件名安全的定长标识。
func entryID(key string) string {
	sum := sha1.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}
