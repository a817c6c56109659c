package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Storage 管理同一后端上的全部缓存桶，语义对齐浏览器的 CacheStorage。
type Storage interface {
	// Open 返回指定名称的缓存桶，不存在时创建。
	Open(ctx context.Context, name string) (Bucket, error)

	// Get 返回已存在的缓存桶；不存在时返回 ErrBucketNotFound，不会创建。
	Get(ctx context.Context, name string) (Bucket, error)

	// Has 判断缓存桶是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Keys 返回按名称排序的全部缓存桶名称。
	Keys(ctx context.Context) ([]string, error)

	// Delete 删除缓存桶及其全部条目，返回桶在删除前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// ActiveVersion 返回最近一次激活成功的缓存版本，从未激活时返回空串。
	ActiveVersion(ctx context.Context) (string, error)

	// SetActiveVersion 记录激活成功的缓存版本，进程重启后依然可见。
	SetActiveVersion(ctx context.Context, name string) error

	Close() error
}

// Bucket 是一个命名缓存桶，键为请求标识，值为存储的响应。
type Bucket interface {
	Name() string

	// Match 精确匹配请求标识，未命中返回 ErrNotFound。
	Match(ctx context.Context, key RequestKey) (*Response, error)

	// Put 覆盖写入单个条目，并发写同一键时后写者胜出。
	// 桶已被 Storage.Delete 删除时返回 ErrBucketNotFound，不会重新创建桶。
	Put(ctx context.Context, key RequestKey, resp Response) error

	// PutAll 以全有或全无的方式写入一批条目，任一失败时不留下本批次的任何条目。
	// 与 Put 相同，只写入仍然存在的桶。
	PutAll(ctx context.Context, items []Item) error

	// Keys 返回桶内全部请求标识。
	Keys(ctx context.Context) ([]RequestKey, error)
}

// RequestKey 唯一定位一个缓存条目（方法 + 绝对 URL）。
type RequestKey struct {
	Method string
	URL    string
}

// NewRequestKey 规范化方法名，空方法视为 GET。
func NewRequestKey(method, url string) RequestKey {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return RequestKey{Method: method, URL: url}
}

func (k RequestKey) String() string {
	return k.Method + " " + k.URL
}

// Response 是一次网络响应的完整副本。
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Clone 返回与原响应互不共享内存的副本，调用方与存储各持一份。
func (r Response) Clone() Response {
	return Response{
		Status:   r.Status,
		Header:   r.Header.Clone(),
		Body:     bytes.Clone(r.Body),
		StoredAt: r.StoredAt,
	}
}

// Item 是 PutAll 的单个写入项。
type Item struct {
	Key      RequestKey
	Response Response
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrBucketNotFound 表示缓存桶不存在。
	ErrBucketNotFound = errors.New("cache bucket not found")
	// ErrNotStorable 表示响应不允许写入缓存（例如 206 或 Vary: *）。
	ErrNotStorable = errors.New("response is not storable")
)

// Storable 判断响应能否写入缓存：部分内容响应与 Vary: * 会被拒绝。
func Storable(resp Response) error {
	if resp.Status == http.StatusPartialContent {
		return ErrNotStorable
	}
	for _, value := range resp.Header.Values("Vary") {
		for _, field := range strings.Split(value, ",") {
			if strings.TrimSpace(field) == "*" {
				return ErrNotStorable
			}
		}
	}
	return nil
}

// Match 在所有缓存桶中查找请求标识：优先 preferred 桶，其余按名称顺序，返回命中的桶名。
func Match(ctx context.Context, storage Storage, key RequestKey, preferred string) (*Response, string, error) {
	names, err := storage.Keys(ctx)
	if err != nil {
		return nil, "", err
	}

	ordered := make([]string, 0, len(names))
	if preferred != "" {
		ordered = append(ordered, preferred)
	}
	for _, name := range names {
		if name != preferred {
			ordered = append(ordered, name)
		}
	}

	for _, name := range ordered {
		bucket, err := storage.Get(ctx, name)
		if errors.Is(err, ErrBucketNotFound) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		resp, err := bucket.Match(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		return resp, name, nil
	}
	return nil, "", ErrNotFound
}

// record 是后端持久化的条目格式，携带请求标识以便 Keys 枚举。
type record struct {
	Key      RequestKey
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

func newRecord(key RequestKey, resp Response) record {
	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	return record{
		Key:      key,
		Status:   resp.Status,
		Header:   resp.Header,
		Body:     resp.Body,
		StoredAt: storedAt,
	}
}

func (r record) response() *Response {
	header := r.Header
	if header == nil {
		header = http.Header{}
	}
	return &Response{
		Status:   r.Status,
		Header:   header,
		Body:     r.Body,
		StoredAt: r.StoredAt,
	}
}

func encodeRecord(rec record) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRecord(b []byte) (record, error) {
	var rec record
	err := gob.NewDecoder(bytes.NewReader(b)).Decode(&rec)
	return rec, err
}

func checkBucketName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("bucket name required")
	}
	if strings.ContainsAny(name, "/\\\x00") || strings.HasPrefix(name, ".") {
		return errors.New("invalid bucket name")
	}
	return nil
}
