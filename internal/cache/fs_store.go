package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	entrySuffix    = ".entry"
	activeFileName = ".active"
)

// NewFileStorage 以 basePath 为根目录构建磁盘缓存，布局为 <basePath>/<bucket>/<sha256(key)>.entry。
func NewFileStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStorage{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStorage 通过 entryLock 串行化同一条目的写入，不同条目之间互不阻塞。
type fileStorage struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fileBucket struct {
	storage *fileStorage
	name    string
	dir     string
}

func (s *fileStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.bucketDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", name, err)
	}
	return &fileBucket{storage: s, name: name, dir: dir}, nil
}

func (s *fileStorage) Get(ctx context.Context, name string) (Bucket, error) {
	ok, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBucketNotFound
	}
	dir, _ := s.bucketDir(name)
	return &fileBucket{storage: s, name: name, dir: dir}, nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.bucketDir(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	ok, err := s.Has(ctx, name)
	if err != nil || !ok {
		return false, err
	}
	dir, _ := s.bucketDir(name)
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStorage) ActiveVersion(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	raw, err := os.ReadFile(filepath.Join(s.basePath, activeFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

func (s *fileStorage) SetActiveVersion(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkBucketName(name); err != nil {
		return err
	}
	tempName, err := writeTemp(s.basePath, []byte(name))
	if err != nil {
		return err
	}
	if err := os.Rename(tempName, filepath.Join(s.basePath, activeFileName)); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (s *fileStorage) Close() error {
	return nil
}

func (s *fileStorage) bucketDir(name string) (string, error) {
	if err := checkBucketName(name); err != nil {
		return "", err
	}
	dir := filepath.Join(s.basePath, name)
	if filepath.Dir(dir) != s.basePath {
		return "", errors.New("invalid cache path")
	}
	return dir, nil
}

func (b *fileBucket) Name() string {
	return b.name
}

func (b *fileBucket) Match(ctx context.Context, key RequestKey) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(b.entryPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return nil, fmt.Errorf("decode entry %s: %w", key, err)
	}
	if rec.Key != key {
		return nil, ErrNotFound
	}
	return rec.response(), nil
}

func (b *fileBucket) Put(ctx context.Context, key RequestKey, resp Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := encodeRecord(newRecord(key, resp))
	if err != nil {
		return err
	}

	unlock := b.storage.lockEntry(b.lockKey(key))
	defer unlock()

	if err := b.ensureExists(); err != nil {
		return err
	}
	tempName, err := writeTemp(b.dir, payload)
	if err != nil {
		return bucketGone(err)
	}
	if err := os.Rename(tempName, b.entryPath(key)); err != nil {
		os.Remove(tempName)
		return bucketGone(err)
	}
	return nil
}

// PutAll 先把整批条目写入临时文件，全部成功后再逐个 rename 生效。
// rename 阶段失败时按原内容回滚已生效的条目：原先存在的恢复旧内容，原先不存在的删除。
func (b *fileBucket) PutAll(ctx context.Context, items []Item) error {
	if err := b.ensureExists(); err != nil {
		return err
	}

	temps := make([]string, 0, len(items))
	cleanup := func() {
		for _, name := range temps {
			os.Remove(name)
		}
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			cleanup()
			return err
		}
		payload, err := encodeRecord(newRecord(item.Key, item.Response))
		if err != nil {
			cleanup()
			return err
		}
		tempName, err := writeTemp(b.dir, payload)
		if err != nil {
			cleanup()
			return bucketGone(err)
		}
		temps = append(temps, tempName)
	}

	applied := make([]appliedEntry, 0, len(items))
	for i, item := range items {
		target := b.entryPath(item.Key)
		unlock := b.storage.lockEntry(b.lockKey(item.Key))
		previous, readErr := os.ReadFile(target)
		if readErr != nil && !errors.Is(readErr, fs.ErrNotExist) {
			unlock()
			cleanup()
			b.rollback(applied)
			return readErr
		}
		err := os.Rename(temps[i], target)
		unlock()
		if err != nil {
			cleanup()
			b.rollback(applied)
			return bucketGone(err)
		}
		applied = append(applied, appliedEntry{key: item.Key, previous: previous, existed: readErr == nil})
	}
	return nil
}

// appliedEntry 记录 PutAll 已生效条目的原内容，用于回滚。
type appliedEntry struct {
	key      RequestKey
	previous []byte
	existed  bool
}

func (b *fileBucket) rollback(applied []appliedEntry) {
	for i := len(applied) - 1; i >= 0; i-- {
		entry := applied[i]
		target := b.entryPath(entry.key)
		unlock := b.storage.lockEntry(b.lockKey(entry.key))
		if !entry.existed {
			os.Remove(target)
			unlock()
			continue
		}
		if tempName, err := writeTemp(b.dir, entry.previous); err == nil {
			if err := os.Rename(tempName, target); err != nil {
				os.Remove(tempName)
			}
		}
		unlock()
	}
}

// ensureExists 要求桶目录仍然存在：已被 Delete 的桶不会因迟到的写入重新出现。
func (b *fileBucket) ensureExists() error {
	info, err := os.Stat(b.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrBucketNotFound
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return ErrBucketNotFound
	}
	return nil
}

// bucketGone 把写入途中目录被删除导致的错误归一为 ErrBucketNotFound。
func bucketGone(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %w", ErrBucketNotFound, err)
	}
	return err
}

func (b *fileBucket) Keys(ctx context.Context) ([]RequestKey, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrBucketNotFound
		}
		return nil, err
	}
	keys := make([]RequestKey, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), entrySuffix) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(b.dir, entry.Name()))
		if err != nil {
			continue
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			continue
		}
		keys = append(keys, rec.Key)
	}
	return keys, nil
}

func (b *fileBucket) entryPath(key RequestKey) string {
	sum := sha256.Sum256([]byte(key.String()))
	return filepath.Join(b.dir, hex.EncodeToString(sum[:])+entrySuffix)
}

func (b *fileBucket) lockKey(key RequestKey) string {
	return b.name + "::" + key.String()
}

func (s *fileStorage) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func writeTemp(dir string, payload []byte) (string, error) {
	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return "", err
	}
	tempName := tempFile.Name()
	_, err = tempFile.Write(payload)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return "", err
	}
	return tempName, nil
}
