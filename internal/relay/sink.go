package relay

import (
	"context"
	"errors"
	"io"
	"sync"

	"camrelay/internal/models"
)

var (
	// ErrSinkBusy is returned when a sink cannot accept a write immediately.
	ErrSinkBusy = errors.New("sink queue full")

	// ErrSinkClosed is returned when writing to a closed sink.
	ErrSinkClosed = errors.New("sink closed")
)

// Sink 观看端连接，Write 不得阻塞
type Sink interface {
	io.WriteCloser

	// Done 在连接关闭 (任一方向) 后关闭
	Done() <-chan struct{}
}

// FrameWriter 可选接口：需要原始 JPEG 而非 multipart 分片的视频观看端
type FrameWriter interface {
	WriteFrame(frame *models.Frame) error
}

// QueueSink 带有限队列的 Sink，由独立 goroutine 调用 Drain 写出
type QueueSink struct {
	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

// NewQueueSink 创建深度为 depth 的队列 Sink
func NewQueueSink(depth int) *QueueSink {
	if depth < 1 {
		depth = 1
	}
	return &QueueSink{
		queue: make(chan []byte, depth),
		done:  make(chan struct{}),
	}
}

// Write 入队，队列满立即返回 ErrSinkBusy
func (s *QueueSink) Write(p []byte) (int, error) {
	select {
	case <-s.done:
		return 0, ErrSinkClosed
	default:
	}

	select {
	case s.queue <- p:
		return len(p), nil
	default:
		return 0, ErrSinkBusy
	}
}

// Close 关闭 Sink，可重复调用
func (s *QueueSink) Close() error {
	s.once.Do(func() {
		close(s.done)
	})
	return nil
}

// Done 关闭通知
func (s *QueueSink) Done() <-chan struct{} {
	return s.done
}

// Drain 持续把队列内容交给 deliver，直到 Sink 关闭、ctx 取消或 deliver 出错。
// 返回时 Sink 已关闭。
func (s *QueueSink) Drain(ctx context.Context, deliver func([]byte) error) error {
	defer s.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case p := <-s.queue:
			if err := deliver(p); err != nil {
				return err
			}
		}
	}
}
