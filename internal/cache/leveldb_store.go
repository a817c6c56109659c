package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB 键空间：
//
//	b:<bucket>               桶存在标记
//	e:<bucket>\x00<key>      gob 编码的条目
//	m:active                 激活版本
const (
	levelBucketPrefix = "b:"
	levelEntryPrefix  = "e:"
	levelActiveKey    = "m:active"
)

type levelStorage struct {
	db *leveldb.DB
}

type levelBucket struct {
	db   *leveldb.DB
	name string
}

// NewLevelDBStorage 打开（或创建）path 下的 LevelDB 数据库作为缓存后端。
func NewLevelDBStorage(path string) (Storage, error) {
	if path == "" {
		return nil, errors.New("storage path required")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &levelStorage{db: db}, nil
}

func (s *levelStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkBucketName(name); err != nil {
		return nil, err
	}
	if err := s.db.Put(bucketMarker(name), nil, nil); err != nil {
		return nil, err
	}
	return &levelBucket{db: s.db, name: name}, nil
}

func (s *levelStorage) Get(ctx context.Context, name string) (Bucket, error) {
	ok, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBucketNotFound
	}
	return &levelBucket{db: s.db, name: name}, nil
}

func (s *levelStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := checkBucketName(name); err != nil {
		return false, err
	}
	return s.db.Has(bucketMarker(name), nil)
}

func (s *levelStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	it := s.db.NewIterator(util.BytesPrefix([]byte(levelBucketPrefix)), nil)
	defer it.Release()

	var names []string
	for it.Next() {
		names = append(names, string(bytes.TrimPrefix(it.Key(), []byte(levelBucketPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *levelStorage) Delete(ctx context.Context, name string) (bool, error) {
	ok, err := s.Has(ctx, name)
	if err != nil || !ok {
		return false, err
	}

	batch := new(leveldb.Batch)
	it := s.db.NewIterator(util.BytesPrefix(entryPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	batch.Delete(bucketMarker(name))
	if err := s.db.Write(batch, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (s *levelStorage) ActiveVersion(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	raw, err := s.db.Get([]byte(levelActiveKey), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (s *levelStorage) SetActiveVersion(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkBucketName(name); err != nil {
		return err
	}
	return s.db.Put([]byte(levelActiveKey), []byte(name), nil)
}

func (s *levelStorage) Close() error {
	return s.db.Close()
}

func (b *levelBucket) Name() string {
	return b.name
}

func (b *levelBucket) Match(ctx context.Context, key RequestKey) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := b.db.Get(entryKey(b.name, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return nil, fmt.Errorf("decode entry %s: %w", key, err)
	}
	return rec.response(), nil
}

func (b *levelBucket) Put(ctx context.Context, key RequestKey, resp Response) error {
	return b.PutAll(ctx, []Item{{Key: key, Response: resp}})
}

// PutAll 依赖 leveldb.Batch 的原子写入，整批要么全部可见要么全部不可见。
// 桶存在性检查与写入处于同一事务，事务期间 Delete 的批量写入会被阻塞，
// 已删除的桶不会被迟到的写入重新创建。
func (b *levelBucket) PutAll(ctx context.Context, items []Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	for _, item := range items {
		payload, err := encodeRecord(newRecord(item.Key, item.Response))
		if err != nil {
			return err
		}
		batch.Put(entryKey(b.name, item.Key), payload)
	}

	tr, err := b.db.OpenTransaction()
	if err != nil {
		return err
	}
	ok, err := tr.Has(bucketMarker(b.name), nil)
	if err != nil {
		tr.Discard()
		return err
	}
	if !ok {
		tr.Discard()
		return ErrBucketNotFound
	}
	if err := tr.Write(batch, nil); err != nil {
		tr.Discard()
		return err
	}
	return tr.Commit()
}

func (b *levelBucket) Keys(ctx context.Context) ([]RequestKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	it := b.db.NewIterator(util.BytesPrefix(entryPrefix(b.name)), nil)
	defer it.Release()

	var keys []RequestKey
	for it.Next() {
		rec, err := decodeRecord(it.Value())
		if err != nil {
			continue
		}
		keys = append(keys, rec.Key)
	}
	return keys, it.Error()
}

func bucketMarker(name string) []byte {
	return []byte(levelBucketPrefix + name)
}

func entryPrefix(name string) []byte {
	return []byte(levelEntryPrefix + name + "\x00")
}

func entryKey(name string, key RequestKey) []byte {
	return append(entryPrefix(name), key.String()...)
}
