package server

import (
	"context"
	"errors"
	"strconv"

	"github.com/google/uuid"
	"github.com/kataras/iris/v12"

	"camrelay/internal/logger"
	"camrelay/internal/relay"
)

// VideoContentType MJPEG 流的响应类型
const VideoContentType = "multipart/x-mixed-replace; boundary=frame"

// StreamVideo MJPEG 直播流
// GET /api/v1/devices/{id}/video
func (h *Handlers) StreamVideo(ctx iris.Context) {
	ctx.Header("Content-Type", VideoContentType)
	h.stream(ctx, "video", h.registry.SubscribeVideo)
}

// StreamAudio PCM 直播流，格式只在响应头里声明一次
// GET /api/v1/devices/{id}/audio
func (h *Handlers) StreamAudio(ctx iris.Context) {
	audio := h.cfg.Audio

	ctx.Header("Content-Type", "audio/L16;rate="+strconv.Itoa(audio.SampleRate)+";channels="+strconv.Itoa(audio.Channels))
	ctx.Header("X-Sample-Rate", strconv.Itoa(audio.SampleRate))
	ctx.Header("X-Channels", strconv.Itoa(audio.Channels))
	ctx.Header("X-Bits-Per-Sample", strconv.Itoa(audio.BitsPerSample))
	h.stream(ctx, "audio", h.registry.SubscribeAudio)
}

// stream 订阅后持续写出队列内容，直到客户端断开或通道被清空。
// 订阅先于刷出响应头，刷出期间的 Clear 会直接关闭 sink。
func (h *Handlers) stream(ctx iris.Context, kind string, subscribe func(string, relay.Sink) *relay.Channel) {
	flusher, ok := ctx.ResponseWriter().Flusher()
	if !ok {
		ctx.StatusCode(iris.StatusInternalServerError)
		ctx.JSON(iris.Map{"error": "streaming unsupported"})
		return
	}

	sink := relay.NewQueueSink(h.cfg.Buffer.SinkQueue)
	ch := subscribe(ctx.Params().Get("id"), sink)

	log := logger.With("viewer", uuid.NewString(), "device_id", ch.DeviceID(), "stream", kind)
	log.Debug("http viewer attached", "remote", ctx.RemoteAddr())

	ctx.Header("Cache-Control", "no-cache, no-store")
	ctx.Header("Connection", "keep-alive")
	ctx.StatusCode(iris.StatusOK)
	flusher.Flush()

	err := sink.Drain(ctx.Request().Context(), func(p []byte) error {
		if _, err := ctx.Write(p); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Debug("http viewer write failed", "error", err)
	}
	log.Debug("http viewer detached")
}
