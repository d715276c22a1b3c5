package relay

import (
	"sync"
	"time"

	"camrelay/internal/logger"
	"camrelay/internal/models"
)

// Registry 设备 ID → 通道映射，唯一创建通道的地方
type Registry struct {
	opts Options

	mu       sync.RWMutex
	channels map[string]*Channel
}

// NewRegistry 创建通道注册表
func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:     opts,
		channels: make(map[string]*Channel),
	}
}

// GetOrCreate 获取或创建通道，并发首次访问只会创建一个实例
func (r *Registry) GetOrCreate(deviceID string) *Channel {
	r.mu.RLock()
	ch, ok := r.channels[deviceID]
	r.mu.RUnlock()
	if ok {
		return ch
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[deviceID]; ok {
		return ch
	}
	ch = NewChannel(deviceID, r.opts)
	r.channels[deviceID] = ch
	logger.Info("channel created", "device_id", deviceID)
	return ch
}

// Get 获取已存在的通道
func (r *Registry) Get(deviceID string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[deviceID]
	return ch, ok
}

// Has 通道是否存在
func (r *Registry) Has(deviceID string) bool {
	_, ok := r.Get(deviceID)
	return ok
}

// ==================== 接收 ====================

// 以下方法在拿到的通道恰好被 Clear 时重新解析，保证写入的是注册表中的当前通道

// IngestFrame 写入视频帧，通道不存在时创建
func (r *Registry) IngestFrame(deviceID string, payload []byte, sourceFrameID uint16) *models.Frame {
	for {
		ch := r.GetOrCreate(deviceID)
		if frame := ch.IngestFrame(payload, sourceFrameID); frame != nil {
			return frame
		}
		r.forget(ch)
	}
}

// IngestAudio 写入音频块，通道不存在时创建
func (r *Registry) IngestAudio(deviceID string, payload []byte, sourceSeq uint16) *models.AudioChunk {
	for {
		ch := r.GetOrCreate(deviceID)
		if chunk := ch.IngestAudio(payload, sourceSeq); chunk != nil {
			return chunk
		}
		r.forget(ch)
	}
}

// ==================== 订阅 ====================

// SubscribeVideo 订阅设备视频，返回订阅所在的通道
func (r *Registry) SubscribeVideo(deviceID string, sink Sink) *Channel {
	for {
		ch := r.GetOrCreate(deviceID)
		if ch.SubscribeVideo(sink) {
			return ch
		}
		r.forget(ch)
	}
}

// SubscribeAudio 订阅设备音频，返回订阅所在的通道
func (r *Registry) SubscribeAudio(deviceID string, sink Sink) *Channel {
	for {
		ch := r.GetOrCreate(deviceID)
		if ch.SubscribeAudio(sink) {
			return ch
		}
		r.forget(ch)
	}
}

// forget 移除仍登记在表中的已清理通道 (直接调用 Channel.Clear 的情况)
func (r *Registry) forget(ch *Channel) {
	r.mu.Lock()
	if r.channels[ch.deviceID] == ch {
		delete(r.channels, ch.deviceID)
	}
	r.mu.Unlock()
}

// ==================== 查询方法 ====================

// ListAll 所有通道，按设备 ID 排序
func (r *Registry) ListAll() []*Channel {
	r.mu.RLock()
	channels := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		channels = append(channels, ch)
	}
	r.mu.RUnlock()

	sortChannels(channels)
	return channels
}

// ListActive 任一路流在 timeout 内有数据的通道
func (r *Registry) ListActive(timeout time.Duration) []*Channel {
	var active []*Channel
	for _, ch := range r.ListAll() {
		if ch.IsVideoActive(timeout) || ch.IsAudioActive(timeout) {
			active = append(active, ch)
		}
	}
	return active
}

// StatsFor 单个设备统计
func (r *Registry) StatsFor(deviceID string) (models.ChannelStats, bool) {
	ch, ok := r.Get(deviceID)
	if !ok {
		return models.ChannelStats{}, false
	}
	return ch.Stats(), true
}

// StatsAll 全部设备统计
func (r *Registry) StatsAll() map[string]models.ChannelStats {
	channels := r.ListAll()
	stats := make(map[string]models.ChannelStats, len(channels))
	for _, ch := range channels {
		stats[ch.DeviceID()] = ch.Stats()
	}
	return stats
}

// TotalClients 所有通道观看端总数
func (r *Registry) TotalClients() int {
	total := 0
	for _, ch := range r.ListAll() {
		total += ch.ClientCount()
	}
	return total
}

// ==================== 清理 ====================

// Clear 清理并移除单个通道
func (r *Registry) Clear(deviceID string) bool {
	r.mu.Lock()
	ch, ok := r.channels[deviceID]
	delete(r.channels, deviceID)
	r.mu.Unlock()

	if !ok {
		return false
	}
	ch.Clear()
	return true
}

// ClearAll 清理并移除所有通道
func (r *Registry) ClearAll() int {
	r.mu.Lock()
	channels := r.channels
	r.channels = make(map[string]*Channel)
	r.mu.Unlock()

	for _, ch := range channels {
		ch.Clear()
	}
	return len(channels)
}
