package cache

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Driver 名称与配置文件中的 StorageDriver 保持一致。
const (
	DriverFS      = "fs"
	DriverLevelDB = "leveldb"
	DriverSQLite  = "sqlite"
)

// NewStorage 按驱动名构建缓存后端。sqlite 驱动下 path 若是目录则在其中创建 cache.db。
func NewStorage(driver, path string) (Storage, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverFS:
		return NewFileStorage(path)
	case DriverLevelDB:
		return NewLevelDBStorage(path)
	case DriverSQLite:
		if filepath.Ext(path) == "" {
			path = filepath.Join(path, "cache.db")
		}
		return NewSQLiteStorage(path)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}
