package cache

import (
	"context"
	"sync"
)

// ErrorFunc 接收后台写入失败的条目与错误，仅用于记录日志。
type ErrorFunc func(bucket string, key RequestKey, err error)

// Writer 以独立 goroutine 执行写缓存操作，调用方无需等待写入完成；
// 写入失败只交给 onError，不会回流到请求处理路径。
type Writer struct {
	mu       sync.Mutex
	next     uint64
	inflight map[uint64]chan struct{}
	onError  ErrorFunc
}

// NewWriter 构造后台写入器，onError 可为空。
func NewWriter(onError ErrorFunc) *Writer {
	return &Writer{
		inflight: make(map[uint64]chan struct{}),
		onError:  onError,
	}
}

// PutAsync 复制响应后在后台写入 bucket。写入使用独立的 context，
// 不引用请求上下文，请求结束后仍会完成。
func (w *Writer) PutAsync(bucket Bucket, key RequestKey, resp Response) {
	if bucket == nil {
		return
	}
	clone := resp.Clone()

	w.mu.Lock()
	id := w.next
	w.next++
	done := make(chan struct{})
	w.inflight[id] = done
	w.mu.Unlock()

	go func() {
		defer w.finish(id, done)
		err := Storable(clone)
		if err == nil {
			err = bucket.Put(context.Background(), key, clone)
		}
		if err != nil && w.onError != nil {
			w.onError(bucket.Name(), key, err)
		}
	}()
}

func (w *Writer) finish(id uint64, done chan struct{}) {
	w.mu.Lock()
	delete(w.inflight, id)
	w.mu.Unlock()
	close(done)
}

// Flush 阻塞直到调用前已提交的后台写入全部结束；之后提交的写入不在等待范围内，
// 因此在请求持续到达时调用也会返回。用于激活切换、优雅退出与测试。
func (w *Writer) Flush() {
	w.mu.Lock()
	pending := make([]chan struct{}, 0, len(w.inflight))
	for _, done := range w.inflight {
		pending = append(pending, done)
	}
	w.mu.Unlock()

	for _, done := range pending {
		<-done
	}
}
