// Package gateway accepts persistent websocket connections from devices,
// authenticates them and demultiplexes their binary frames into the relay.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"camrelay/internal/logger"
	"camrelay/internal/models"
	"camrelay/internal/relay"
)

const (
	authTimeout    = 10 * time.Second
	writeWait      = 5 * time.Second
	maxMessageSize = 4 << 20
)

// 设备侧可见的认证错误文本
const (
	msgFirstMustBeAuth = "First message must be auth"
	msgMissingFields   = "Missing device_id or token"
	msgInvalidDevice   = "Invalid device credentials"
	msgDisabledDevice  = "Device is disabled"
	msgAuthUnavailable = "Authentication unavailable"
)

// ErrAuthFailed 认证失败
var ErrAuthFailed = errors.New("device authentication failed")

type connState int

const (
	stateUnauthenticated connState = iota
	stateAuthenticated
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateUnauthenticated:
		return "unauthenticated"
	case stateAuthenticated:
		return "authenticated"
	default:
		return "closed"
	}
}

// deviceConn 单个设备 socket 的临时状态
type deviceConn struct {
	id       string
	ws       *websocket.Conn
	log      *slog.Logger
	mu       sync.Mutex // 保护写操作和 state
	deviceID string
	state    connState
}

func (c *deviceConn) sendJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateClosed {
		return websocket.ErrCloseSent
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

// reject 发送错误消息后关闭连接
func (c *deviceConn) reject(message string) {
	c.sendJSON(newError(message))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message),
		time.Now().Add(writeWait))
	c.state = stateClosed
	c.ws.Close()
}

// Gateway 设备 socket 接入
type Gateway struct {
	registry *relay.Registry
	verifier Verifier
	notifier Notifier
	upgrader websocket.Upgrader
	now      func() time.Time // 仅用于 pong 时间戳，socket 截止时间用墙钟

	mu    sync.RWMutex
	conns map[string]*deviceConn // 已认证设备 → 当前连接
}

// New 创建设备接入网关，notifier 可为 nil
func New(registry *relay.Registry, verifier Verifier, notifier Notifier) *Gateway {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Gateway{
		registry: registry,
		verifier: verifier,
		notifier: notifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		now:   time.Now,
		conns: make(map[string]*deviceConn),
	}
}

// ServeHTTP 升级为 websocket 并处理设备连接直到断开
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("device socket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(maxMessageSize)

	id := uuid.NewString()
	conn := &deviceConn{
		id:  id,
		ws:  ws,
		log: logger.With("conn", id, "remote", r.RemoteAddr),
	}
	conn.log.Debug("device socket opened")
	defer g.closeConn(conn)

	if err := g.authenticate(r.Context(), conn); err != nil {
		conn.log.Warn("device auth rejected", "error", err)
		return
	}

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				conn.log.Warn("device socket error", "error", err)
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			g.handleBinary(conn, data)
		case websocket.TextMessage:
			g.handleControl(conn, data)
		}
	}
}

// authenticate 首条消息必须是 auth，失败时连接已关闭
func (g *Gateway) authenticate(ctx context.Context, conn *deviceConn) error {
	conn.ws.SetReadDeadline(time.Now().Add(authTimeout))
	messageType, data, err := conn.ws.ReadMessage()
	if err != nil {
		return err
	}
	conn.ws.SetReadDeadline(time.Time{})

	if messageType != websocket.TextMessage {
		conn.reject(msgFirstMustBeAuth)
		return ErrAuthFailed
	}
	msg, err := DecodeControl(data)
	if err != nil {
		conn.reject(msgFirstMustBeAuth)
		return errors.Join(ErrAuthFailed, err)
	}
	auth, ok := msg.(*AuthMessage)
	if !ok {
		conn.reject(msgFirstMustBeAuth)
		return ErrAuthFailed
	}
	if auth.DeviceID == "" || auth.Token == "" {
		conn.reject(msgMissingFields)
		return ErrAuthFailed
	}

	result, err := g.verifier.VerifyDevice(ctx, auth.DeviceID, auth.Token)
	switch {
	case err != nil:
		conn.reject(msgAuthUnavailable)
		return errors.Join(ErrAuthFailed, err)
	case !result.Valid:
		conn.reject(msgInvalidDevice)
		return ErrAuthFailed
	case result.Disabled:
		conn.reject(msgDisabledDevice)
		return ErrAuthFailed
	}

	g.register(conn, auth.DeviceID)
	if err := conn.sendJSON(newAuthSuccess(auth.DeviceID)); err != nil {
		return err
	}
	conn.log.Info("device authenticated")
	g.notifier.DeviceOnline(auth.DeviceID)
	return nil
}

// register 登记连接，同一设备的旧连接被关闭
func (g *Gateway) register(conn *deviceConn, deviceID string) {
	conn.mu.Lock()
	conn.deviceID = deviceID
	conn.state = stateAuthenticated
	conn.mu.Unlock()
	conn.log = conn.log.With("device_id", deviceID)

	g.mu.Lock()
	old := g.conns[deviceID]
	g.conns[deviceID] = conn
	g.mu.Unlock()

	if old != nil {
		old.log.Info("device socket replaced by newer connection")
		old.ws.Close()
	}
}

// closeConn 移除连接登记，不清理已缓冲的数据
func (g *Gateway) closeConn(conn *deviceConn) {
	conn.mu.Lock()
	wasAuthenticated := conn.state == stateAuthenticated
	conn.state = stateClosed
	deviceID := conn.deviceID
	conn.mu.Unlock()
	conn.ws.Close()

	if !wasAuthenticated {
		return
	}

	g.mu.Lock()
	current := g.conns[deviceID] == conn
	if current {
		delete(g.conns, deviceID)
	}
	g.mu.Unlock()

	if current {
		g.notifier.DeviceOffline(deviceID)
	}
	conn.log.Info("device socket closed")
}

// ==================== 消息处理 ====================

func (g *Gateway) handleBinary(conn *deviceConn, data []byte) {
	frame, err := DecodeBinaryFrame(data)
	if err != nil {
		if errors.Is(err, ErrUnknownFrameType) {
			conn.log.Warn("unknown frame type dropped", "type", frame.Type, "size", len(data))
		} else {
			conn.log.Warn("malformed frame dropped", "error", err)
		}
		return
	}

	switch frame.Type {
	case FrameTypeCamera:
		g.registry.IngestFrame(conn.deviceID, frame.Payload, frame.SourceID)
	case FrameTypeAudio:
		g.registry.IngestAudio(conn.deviceID, frame.Payload, frame.SourceID)
	}
}

func (g *Gateway) handleControl(conn *deviceConn, data []byte) {
	msg, err := DecodeControl(data)
	if err != nil {
		if errors.Is(err, ErrUnknownControl) {
			conn.log.Warn("unknown control message ignored", "error", err)
		} else {
			conn.log.Warn("malformed control message dropped", "error", err)
		}
		return
	}

	switch msg.(type) {
	case *PingMessage:
		conn.sendJSON(newPong(g.now().UnixMilli()))
	case *StatsRequest:
		stats, ok := g.registry.StatsFor(conn.deviceID)
		if !ok {
			stats = models.ChannelStats{DeviceID: conn.deviceID}
		}
		conn.sendJSON(newStats(stats))
	case *AuthMessage:
		conn.log.Debug("repeated auth ignored")
	}
}

// ==================== 下行 ====================

// SendToDevice 向已认证设备发送 JSON 消息
func (g *Gateway) SendToDevice(deviceID string, message any) bool {
	g.mu.RLock()
	conn, ok := g.conns[deviceID]
	g.mu.RUnlock()
	if !ok {
		return false
	}

	if err := conn.sendJSON(message); err != nil {
		conn.log.Warn("send to device failed", "error", err)
		return false
	}
	return true
}

// IsConnected 设备是否持有已认证连接
func (g *Gateway) IsConnected(deviceID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.conns[deviceID]
	return ok
}

// ConnectedDevices 已连接设备数
func (g *Gateway) ConnectedDevices() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// Close 关闭所有设备连接
func (g *Gateway) Close() {
	g.mu.RLock()
	conns := make([]*deviceConn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.RUnlock()

	for _, c := range conns {
		c.ws.Close()
	}
}
