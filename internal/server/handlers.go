// Package server exposes the relay over HTTP: ingestion uploads, MJPEG/PCM
// viewer streams, websocket viewers and the device socket endpoint.
package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/kataras/iris/v12"

	"camrelay/internal/config"
	"camrelay/internal/logger"
	"camrelay/internal/relay"
)

// DeviceLink 设备 socket 接入端，由 gateway.Gateway 实现
type DeviceLink interface {
	http.Handler
	SendToDevice(deviceID string, message any) bool
	IsConnected(deviceID string) bool
	ConnectedDevices() int
}

// Handlers API 处理器
type Handlers struct {
	registry *relay.Registry
	devices  DeviceLink
	cfg      *config.Config
	viewers  *Viewers
}

// NewHandlers 创建处理器
func NewHandlers(registry *relay.Registry, devices DeviceLink, cfg *config.Config) *Handlers {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Handlers{
		registry: registry,
		devices:  devices,
		cfg:      cfg,
		viewers:  NewViewers(registry, cfg.Buffer.SinkQueue),
	}
}

// Viewers websocket 观看端管理
func (h *Handlers) Viewers() *Viewers {
	return h.viewers
}

// deviceSummary 设备列表条目
type deviceSummary struct {
	DeviceID    string `json:"deviceId"`
	VideoActive bool   `json:"videoActive"`
	AudioActive bool   `json:"audioActive"`
	Connected   bool   `json:"connected"`
	Clients     int    `json:"clients"`
}

func (h *Handlers) summarize(ch *relay.Channel) deviceSummary {
	timeout := h.cfg.LivenessTimeout()
	return deviceSummary{
		DeviceID:    ch.DeviceID(),
		VideoActive: ch.IsVideoActive(timeout),
		AudioActive: ch.IsAudioActive(timeout),
		Connected:   h.devices.IsConnected(ch.DeviceID()),
		Clients:     ch.ClientCount(),
	}
}

func notFound(ctx iris.Context, message string) {
	ctx.StatusCode(iris.StatusNotFound)
	ctx.JSON(iris.Map{"error": message})
}

func badRequest(ctx iris.Context, message string) {
	ctx.StatusCode(iris.StatusBadRequest)
	ctx.JSON(iris.Map{"error": message})
}

// uint16Param 解析可选的 uint16 查询参数，缺省为 0
func uint16Param(ctx iris.Context, name string) (uint16, bool) {
	s := ctx.URLParam(name)
	if s == "" {
		return 0, true
	}
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, false
	}
	return uint16(v), true
}

// int64Param 解析可选的 int64 查询参数
func int64Param(ctx iris.Context, name string, def int64) (int64, bool) {
	s := ctx.URLParam(name)
	if s == "" {
		return def, true
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ==================== 接收 ====================

// IngestFrame 上传一帧 JPEG
// POST /api/v1/devices/{id}/frames?frame_id=N
func (h *Handlers) IngestFrame(ctx iris.Context) {
	deviceID := ctx.Params().Get("id")
	frameID, ok := uint16Param(ctx, "frame_id")
	if !ok {
		badRequest(ctx, "frame_id must be 0-65535")
		return
	}

	body, err := ctx.GetBody()
	if err != nil {
		logger.Warn("read frame body failed", "device_id", deviceID, "error", err)
		badRequest(ctx, "unreadable body")
		return
	}
	if len(body) == 0 {
		badRequest(ctx, "empty payload")
		return
	}

	frame := h.registry.IngestFrame(deviceID, body, frameID)
	ctx.JSON(frame.Info())
}

// IngestAudio 上传一段 PCM
// POST /api/v1/devices/{id}/audio?seq=N
func (h *Handlers) IngestAudio(ctx iris.Context) {
	deviceID := ctx.Params().Get("id")
	seq, ok := uint16Param(ctx, "seq")
	if !ok {
		badRequest(ctx, "seq must be 0-65535")
		return
	}

	body, err := ctx.GetBody()
	if err != nil {
		logger.Warn("read audio body failed", "device_id", deviceID, "error", err)
		badRequest(ctx, "unreadable body")
		return
	}
	if len(body) == 0 {
		badRequest(ctx, "empty payload")
		return
	}

	chunk := h.registry.IngestAudio(deviceID, body, seq)
	ctx.JSON(iris.Map{
		"sequenceId":   chunk.SequenceID,
		"sizeBytes":    chunk.SizeBytes,
		"capturedAtMs": chunk.CapturedAtMs,
	})
}

// ==================== 查询 ====================

// GetLatestFrame 最新一帧 JPEG
// GET /api/v1/devices/{id}/latest
func (h *Handlers) GetLatestFrame(ctx iris.Context) {
	ch, ok := h.registry.Get(ctx.Params().Get("id"))
	if !ok {
		notFound(ctx, "device not found")
		return
	}
	frame := ch.LatestFrame()
	if frame == nil {
		notFound(ctx, "no frame buffered")
		return
	}

	ctx.Header("Content-Type", "image/jpeg")
	ctx.Header("Cache-Control", "no-cache")
	ctx.Header("X-Device-ID", frame.DeviceID)
	ctx.Header("X-Sequence-ID", strconv.FormatUint(frame.SequenceID, 10))
	ctx.Write(frame.Payload)
}

// GetDeviceStats 单设备统计
// GET /api/v1/devices/{id}/stats
func (h *Handlers) GetDeviceStats(ctx iris.Context) {
	stats, ok := h.registry.StatsFor(ctx.Params().Get("id"))
	if !ok {
		notFound(ctx, "device not found")
		return
	}
	ctx.JSON(stats)
}

// GetDeviceStatus 在线状态
// GET /api/v1/devices/{id}/status
func (h *Handlers) GetDeviceStatus(ctx iris.Context) {
	deviceID := ctx.Params().Get("id")
	ch, ok := h.registry.Get(deviceID)
	if !ok {
		if !h.devices.IsConnected(deviceID) {
			notFound(ctx, "device not found")
			return
		}
		ctx.JSON(deviceSummary{DeviceID: deviceID, Connected: true})
		return
	}
	ctx.JSON(h.summarize(ch))
}

// GetSyncFrame 按音频时间戳查找最近的视频帧，ts 缺省取最新音频块
// GET /api/v1/devices/{id}/sync?ts=<ms>&tolerance=<ms>
func (h *Handlers) GetSyncFrame(ctx iris.Context) {
	ch, ok := h.registry.Get(ctx.Params().Get("id"))
	if !ok {
		notFound(ctx, "device not found")
		return
	}

	tolerance, ok := int64Param(ctx, "tolerance", int64(h.cfg.Buffer.SyncToleranceMs))
	if !ok || tolerance < 0 {
		badRequest(ctx, "invalid tolerance")
		return
	}

	var target int64
	if ctx.URLParamExists("ts") {
		if target, ok = int64Param(ctx, "ts", 0); !ok {
			badRequest(ctx, "invalid ts")
			return
		}
	} else {
		chunk := ch.LatestAudio()
		if chunk == nil {
			notFound(ctx, "no audio buffered")
			return
		}
		target = chunk.CapturedAtMs
	}

	frame := ch.FrameNear(target, tolerance)
	if frame == nil {
		notFound(ctx, "no frame within tolerance")
		return
	}
	ctx.JSON(iris.Map{
		"target":    target,
		"tolerance": tolerance,
		"offsetMs":  frame.CapturedAtMs - target,
		"frame":     frame.Info(),
	})
}

// GetAllStats 全部通道统计
// GET /api/v1/stats
func (h *Handlers) GetAllStats(ctx iris.Context) {
	ctx.JSON(iris.Map{
		"devices":          h.registry.StatsAll(),
		"totalClients":     h.registry.TotalClients(),
		"connectedDevices": h.devices.ConnectedDevices(),
	})
}

// ListDevices 设备列表，active=true 时只返回在线流
// GET /api/v1/devices
func (h *Handlers) ListDevices(ctx iris.Context) {
	var channels []*relay.Channel
	if active, _ := strconv.ParseBool(ctx.URLParam("active")); active {
		channels = h.registry.ListActive(h.cfg.LivenessTimeout())
	} else {
		channels = h.registry.ListAll()
	}

	devices := make([]deviceSummary, 0, len(channels))
	for _, ch := range channels {
		devices = append(devices, h.summarize(ch))
	}
	ctx.JSON(iris.Map{"devices": devices})
}

// ==================== 下行 / 管理 ====================

// SendCommand 把 JSON 指令原样推送给设备
// POST /api/v1/devices/{id}/command
func (h *Handlers) SendCommand(ctx iris.Context) {
	deviceID := ctx.Params().Get("id")
	body, err := ctx.GetBody()
	if err != nil || !json.Valid(body) {
		badRequest(ctx, "invalid JSON")
		return
	}

	if !h.devices.IsConnected(deviceID) {
		notFound(ctx, "device not connected")
		return
	}
	if !h.devices.SendToDevice(deviceID, json.RawMessage(body)) {
		ctx.StatusCode(iris.StatusBadGateway)
		ctx.JSON(iris.Map{"error": "send to device failed"})
		return
	}
	ctx.StatusCode(iris.StatusAccepted)
	ctx.JSON(iris.Map{"sent": true})
}

// ClearDevice 清空单个设备
// DELETE /api/v1/devices/{id}
func (h *Handlers) ClearDevice(ctx iris.Context) {
	deviceID := ctx.Params().Get("id")
	if !h.registry.Clear(deviceID) {
		notFound(ctx, "device not found")
		return
	}
	ctx.JSON(iris.Map{"cleared": deviceID})
}

// ClearAll 清空全部设备
// DELETE /api/v1/devices
func (h *Handlers) ClearAll(ctx iris.Context) {
	ctx.JSON(iris.Map{"cleared": h.registry.ClearAll()})
}

// ==================== 路由注册 ====================

// RegisterRoutes 注册路由
func RegisterRoutes(app *iris.Application, h *Handlers) {
	app.Get(h.cfg.Server.DevicePath, iris.FromStd(h.devices))

	v1 := app.Party("/api/v1")
	{
		v1.Post("/devices/{id}/frames", h.IngestFrame)
		v1.Post("/devices/{id}/audio", h.IngestAudio)
		v1.Get("/devices/{id}/video", h.StreamVideo)
		v1.Get("/devices/{id}/audio", h.StreamAudio)
		v1.Get("/devices/{id}/latest", h.GetLatestFrame)
		v1.Get("/devices/{id}/stats", h.GetDeviceStats)
		v1.Get("/devices/{id}/status", h.GetDeviceStatus)
		v1.Get("/devices/{id}/sync", h.GetSyncFrame)
		v1.Post("/devices/{id}/command", h.SendCommand)
		v1.Delete("/devices/{id}", h.ClearDevice)
		v1.Get("/devices", h.ListDevices)
		v1.Delete("/devices", h.ClearAll)
		v1.Get("/stats", h.GetAllStats)
		v1.Get("/ws/viewer", h.viewers.Handler())
	}
}
