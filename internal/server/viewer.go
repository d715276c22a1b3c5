package server

import (
	"context"
	"errors"
	"sync"

	"github.com/kataras/iris/v12"
	"github.com/kataras/iris/v12/websocket"
	"github.com/kataras/neffos"

	"camrelay/internal/logger"
	"camrelay/internal/models"
	"camrelay/internal/relay"
)

// websocket 观看端命名空间与事件
const (
	ViewerNamespace = "live"
	EventWatch      = "watch"
	EventWatching   = "watching"
	EventFrame      = "frame"
	EventAudio      = "audio"
)

var (
	errUnknownStream = errors.New("stream must be video or audio")
	errMissingDevice = errors.New("device_id required")
)

// watchRequest watch 事件负载
type watchRequest struct {
	DeviceID string `json:"device_id"`
	Stream   string `json:"stream"` // video, audio
}

// viewerSink 把队列内容以二进制事件发给 neffos 连接。
// 视频端实现 relay.FrameWriter，收到的是原始 JPEG 而不是 multipart 分片。
type viewerSink struct {
	*relay.QueueSink
}

func (s viewerSink) WriteFrame(frame *models.Frame) error {
	_, err := s.Write(frame.Payload)
	return err
}

// viewerSession 单个 websocket 连接上的订阅
type viewerSession struct {
	mu    sync.Mutex
	sinks map[string]*relay.QueueSink // stream → sink
}

// Viewers websocket 观看端处理器
type Viewers struct {
	registry *relay.Registry
	depth    int

	mu       sync.RWMutex
	sessions map[*neffos.Conn]*viewerSession
}

// NewViewers 创建 websocket 观看端处理器
func NewViewers(registry *relay.Registry, queueDepth int) *Viewers {
	return &Viewers{
		registry: registry,
		depth:    queueDepth,
		sessions: make(map[*neffos.Conn]*viewerSession),
	}
}

// OnConnect 连接建立
func (v *Viewers) OnConnect(c *neffos.NSConn, msg neffos.Message) error {
	v.mu.Lock()
	v.sessions[c.Conn] = &viewerSession{sinks: make(map[string]*relay.QueueSink)}
	v.mu.Unlock()

	logger.Debug("ws viewer connected", "conn", c.Conn.ID())
	return nil
}

// OnDisconnect 连接断开，关闭全部订阅
func (v *Viewers) OnDisconnect(c *neffos.NSConn, msg neffos.Message) error {
	v.mu.Lock()
	session := v.sessions[c.Conn]
	delete(v.sessions, c.Conn)
	v.mu.Unlock()

	if session != nil {
		session.mu.Lock()
		for _, sink := range session.sinks {
			sink.Close()
		}
		session.sinks = nil
		session.mu.Unlock()
	}
	logger.Debug("ws viewer disconnected", "conn", c.Conn.ID())
	return nil
}

// OnWatch 订阅设备的一路流，同一路重复订阅时替换旧订阅
func (v *Viewers) OnWatch(c *neffos.NSConn, msg neffos.Message) error {
	var req watchRequest
	if err := msg.Unmarshal(&req); err != nil {
		return err
	}
	if req.DeviceID == "" {
		return errMissingDevice
	}

	var event string
	switch req.Stream {
	case "video", "":
		req.Stream, event = "video", EventFrame
	case "audio":
		event = EventAudio
	default:
		return errUnknownStream
	}

	v.mu.RLock()
	session := v.sessions[c.Conn]
	v.mu.RUnlock()
	if session == nil {
		return nil
	}

	sink := relay.NewQueueSink(v.depth)
	session.mu.Lock()
	if session.sinks == nil {
		session.mu.Unlock()
		return nil
	}
	if old := session.sinks[req.Stream]; old != nil {
		old.Close()
	}
	session.sinks[req.Stream] = sink
	session.mu.Unlock()

	go v.pump(c, sink, event)

	c.Emit(EventWatching, msg.Body)

	if req.Stream == "video" {
		v.registry.SubscribeVideo(req.DeviceID, viewerSink{sink})
	} else {
		v.registry.SubscribeAudio(req.DeviceID, sink)
	}

	logger.Debug("ws viewer watching", "conn", c.Conn.ID(), "device_id", req.DeviceID, "stream", req.Stream)
	return nil
}

// pump 把队列内容发送为二进制事件
func (v *Viewers) pump(c *neffos.NSConn, sink *relay.QueueSink, event string) {
	err := sink.Drain(context.Background(), func(p []byte) error {
		if !c.EmitBinary(event, p) {
			return relay.ErrSinkClosed
		}
		return nil
	})
	if err != nil {
		logger.Debug("ws viewer emit failed", "conn", c.Conn.ID(), "error", err)
	}
}

// Count 当前 websocket 连接数
func (v *Viewers) Count() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.sessions)
}

// RegisterEvents 注册 WebSocket 事件
func (v *Viewers) RegisterEvents() websocket.Namespaces {
	return websocket.Namespaces{
		ViewerNamespace: websocket.Events{
			websocket.OnNamespaceConnected:  v.OnConnect,
			websocket.OnNamespaceDisconnect: v.OnDisconnect,
			EventWatch:                      v.OnWatch,
		},
	}
}

// Handler iris 路由处理函数
func (v *Viewers) Handler() iris.Handler {
	ws := websocket.New(websocket.DefaultGorillaUpgrader, v.RegisterEvents())
	return websocket.Handler(ws)
}
