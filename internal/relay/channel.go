// Package relay fans ingested camera frames and audio chunks out to live viewers.
//
// A Channel owns one device's buffers and viewer sets; a Registry maps device
// ids to channels and is the only place channels are created. All mutations of
// one channel are serialized by that channel's lock, while different devices
// never share a lock.
package relay

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"camrelay/internal/config"
	"camrelay/internal/logger"
	"camrelay/internal/models"
	"camrelay/internal/store"
)

// Options 通道参数
type Options struct {
	FrameCapacity   int
	AudioCapacity   int
	LivenessTimeout time.Duration
	Clock           store.Clock
}

// DefaultOptions 默认通道参数
func DefaultOptions() Options {
	return Options{
		FrameCapacity:   config.FrameCapacity,
		AudioCapacity:   config.AudioCapacity,
		LivenessTimeout: config.LivenessTimeoutMs * time.Millisecond,
		Clock:           time.Now,
	}
}

// OptionsFromConfig 由配置生成通道参数
func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()
	opts.FrameCapacity = cfg.Buffer.FrameCapacity
	opts.AudioCapacity = cfg.Buffer.AudioCapacity
	opts.LivenessTimeout = cfg.LivenessTimeout()
	return opts
}

type streamKind int

const (
	streamVideo streamKind = iota
	streamAudio
)

func (k streamKind) String() string {
	if k == streamVideo {
		return "video"
	}
	return "audio"
}

// Channel 单设备的缓冲与观看端集合
type Channel struct {
	deviceID string
	now      store.Clock
	liveness time.Duration

	mu             sync.Mutex
	frames         *store.FrameStore
	audio          *store.AudioStore
	videoClients   map[Sink]struct{}
	audioClients   map[Sink]struct{}
	framesReceived uint64
	audioReceived  uint64
	lastFrameAt    time.Time
	lastAudioAt    time.Time
	closed         bool // Clear 之后不再接收数据和订阅
}

// NewChannel 创建设备通道。正常情况下应通过 Registry.GetOrCreate 获取。
func NewChannel(deviceID string, opts Options) *Channel {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.LivenessTimeout <= 0 {
		opts.LivenessTimeout = config.LivenessTimeoutMs * time.Millisecond
	}
	return &Channel{
		deviceID:     deviceID,
		now:          opts.Clock,
		liveness:     opts.LivenessTimeout,
		frames:       store.NewFrameStore(deviceID, opts.FrameCapacity, opts.Clock),
		audio:        store.NewAudioStore(deviceID, opts.AudioCapacity, opts.Clock),
		videoClients: make(map[Sink]struct{}),
		audioClients: make(map[Sink]struct{}),
	}
}

// DeviceID 设备 ID
func (c *Channel) DeviceID() string {
	return c.deviceID
}

// ==================== 接收 ====================

// IngestFrame 写入一帧并广播给视频观看端，通道已清理时返回 nil
func (c *Channel) IngestFrame(payload []byte, sourceFrameID uint16) *models.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}

	frame := c.frames.Push(payload, sourceFrameID)
	c.framesReceived++
	c.lastFrameAt = c.now()
	c.broadcastFrame(frame)
	return frame
}

// IngestAudio 写入一个音频块并广播给音频观看端，通道已清理时返回 nil
func (c *Channel) IngestAudio(payload []byte, sourceSeq uint16) *models.AudioChunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}

	chunk := c.audio.Push(payload, sourceSeq)
	c.audioReceived++
	c.lastAudioAt = c.now()
	c.broadcastAudio(chunk)
	return chunk
}

// ==================== 广播 ====================

// EncodeMultipartFrame 生成一段 MJPEG multipart 分片
func EncodeMultipartFrame(frame *models.Frame) []byte {
	header := fmt.Sprintf("--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\nX-Device-ID: %s\r\n\r\n",
		len(frame.Payload), frame.DeviceID)
	part := make([]byte, 0, len(header)+len(frame.Payload)+2)
	part = append(part, header...)
	part = append(part, frame.Payload...)
	part = append(part, '\r', '\n')
	return part
}

// snapshot 复制集合，写失败引起的删除不影响本轮遍历
func snapshot(set map[Sink]struct{}) []Sink {
	sinks := make([]Sink, 0, len(set))
	for s := range set {
		sinks = append(sinks, s)
	}
	return sinks
}

func (c *Channel) broadcastFrame(frame *models.Frame) {
	if len(c.videoClients) == 0 {
		return
	}

	var part []byte
	for _, sink := range snapshot(c.videoClients) {
		if err := c.writeFrame(sink, frame, &part); err != nil {
			c.dropSink(sink, streamVideo, err)
		}
	}
}

// writeFrame multipart 分片只编码一次，所有观看端共享
func (c *Channel) writeFrame(sink Sink, frame *models.Frame, part *[]byte) error {
	if fw, ok := sink.(FrameWriter); ok {
		return fw.WriteFrame(frame)
	}
	if *part == nil {
		*part = EncodeMultipartFrame(frame)
	}
	_, err := sink.Write(*part)
	return err
}

func (c *Channel) broadcastAudio(chunk *models.AudioChunk) {
	for _, sink := range snapshot(c.audioClients) {
		if _, err := sink.Write(chunk.Payload); err != nil {
			c.dropSink(sink, streamAudio, err)
		}
	}
}

// dropSink 写失败的观看端直接移除，不重试
func (c *Channel) dropSink(sink Sink, kind streamKind, err error) {
	if kind == streamVideo {
		delete(c.videoClients, sink)
	} else {
		delete(c.audioClients, sink)
	}
	sink.Close()
	logger.Debug("sink dropped", "device_id", c.deviceID, "stream", kind.String(), "error", err)
}

// ==================== 订阅 ====================

// SubscribeVideo 订阅视频，立即补发最新一帧。
// 通道已清理时返回 false，sink 未被登记，调用方应经 Registry 重新获取通道。
func (c *Channel) SubscribeVideo(sink Sink) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	if _, ok := c.videoClients[sink]; ok {
		return true
	}
	c.videoClients[sink] = struct{}{}
	go c.watch(sink, streamVideo)

	if latest := c.frames.Latest(); latest != nil {
		var part []byte
		if err := c.writeFrame(sink, latest, &part); err != nil {
			c.dropSink(sink, streamVideo, err)
		}
	}
	return true
}

// SubscribeAudio 订阅音频，通道已清理时返回 false
func (c *Channel) SubscribeAudio(sink Sink) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	if _, ok := c.audioClients[sink]; ok {
		return true
	}
	c.audioClients[sink] = struct{}{}
	go c.watch(sink, streamAudio)
	return true
}

// watch 连接关闭后移除观看端
func (c *Channel) watch(sink Sink, kind streamKind) {
	<-sink.Done()
	c.unsubscribe(sink, kind)
}

func (c *Channel) unsubscribe(sink Sink, kind streamKind) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if kind == streamVideo {
		delete(c.videoClients, sink)
	} else {
		delete(c.audioClients, sink)
	}
}

// ==================== 查询 ====================

// LatestFrame 最新一帧
func (c *Channel) LatestFrame() *models.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames.Latest()
}

// LatestAudio 最新音频块
func (c *Channel) LatestAudio() *models.AudioChunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audio.Latest()
}

// FrameNear 音频时间对齐到最近的视频帧 (仅音频→视频)
func (c *Channel) FrameNear(targetMs, toleranceMs int64) *models.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames.FindNear(targetMs, toleranceMs)
}

// IsVideoActive 最近 timeout 内是否收到视频
func (c *Channel) IsVideoActive(timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active(c.lastFrameAt, timeout)
}

// IsAudioActive 最近 timeout 内是否收到音频
func (c *Channel) IsAudioActive(timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active(c.lastAudioAt, timeout)
}

func (c *Channel) active(last time.Time, timeout time.Duration) bool {
	if last.IsZero() {
		return false
	}
	if timeout <= 0 {
		timeout = c.liveness
	}
	return c.now().Sub(last) < timeout
}

// ClientCount 当前观看端数量
func (c *Channel) ClientCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.videoClients) + len(c.audioClients)
}

// Stats 统计快照
func (c *Channel) Stats() models.ChannelStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	video := models.StreamStats{
		Received: c.framesReceived,
		Dropped:  c.frames.Dropped(),
		Buffered: c.frames.Len(),
		Clients:  len(c.videoClients),
		Active:   c.active(c.lastFrameAt, c.liveness),
	}
	if !c.lastFrameAt.IsZero() {
		video.LastIngestAt = c.lastFrameAt.UnixMilli()
	}

	audio := models.StreamStats{
		Received: c.audioReceived,
		Dropped:  c.audio.Dropped(),
		Buffered: c.audio.Len(),
		Clients:  len(c.audioClients),
		Active:   c.active(c.lastAudioAt, c.liveness),
	}
	if !c.lastAudioAt.IsZero() {
		audio.LastIngestAt = c.lastAudioAt.UnixMilli()
	}

	return models.ChannelStats{
		DeviceID:         c.deviceID,
		FramesReceived:   c.framesReceived,
		AudioReceived:    c.audioReceived,
		Video:            video,
		Audio:            audio,
		ConnectedClients: len(c.videoClients) + len(c.audioClients),
	}
}

// ==================== 清理 ====================

// Clear 清空缓冲并强制关闭所有观看端，之后的接收和订阅都被拒绝
func (c *Channel) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true

	c.frames.Clear()
	c.audio.Clear()

	sinks := append(snapshot(c.videoClients), snapshot(c.audioClients)...)
	c.videoClients = make(map[Sink]struct{})
	c.audioClients = make(map[Sink]struct{})
	for _, sink := range sinks {
		sink.Close()
	}

	logger.Info("channel cleared", "device_id", c.deviceID, "closed_sinks", len(sinks))
}

// sortChannels 按设备 ID 排序
func sortChannels(channels []*Channel) {
	sort.Slice(channels, func(i, j int) bool {
		return channels[i].deviceID < channels[j].deviceID
	})
}
