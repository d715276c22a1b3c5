// Package store holds the per-device circular buffers of recent video frames
// and audio chunks.
//
// A store is not safe for concurrent use. Each store is owned by exactly one
// relay channel, which serializes every call under its own lock.
package store

import (
	"bytes"
	"time"

	"camrelay/internal/models"
)

// Clock 当前时间来源，测试中可替换
type Clock func() time.Time

// FrameStore 视频帧环形缓冲
type FrameStore struct {
	deviceID string
	ring     ring[*models.Frame]
	nextSeq  uint64
	dropped  uint64
	now      Clock
}

// NewFrameStore 创建视频帧缓冲
func NewFrameStore(deviceID string, capacity int, now Clock) *FrameStore {
	if now == nil {
		now = time.Now
	}
	return &FrameStore{
		deviceID: deviceID,
		ring:     newRing[*models.Frame](capacity),
		now:      now,
	}
}

// Push 追加一帧，超出容量时丢弃最旧一帧
func (s *FrameStore) Push(payload []byte, sourceFrameID uint16) *models.Frame {
	s.nextSeq++
	frame := &models.Frame{
		SequenceID:    s.nextSeq,
		SourceFrameID: sourceFrameID,
		DeviceID:      s.deviceID,
		Payload:       bytes.Clone(payload),
		SizeBytes:     len(payload),
		CapturedAtMs:  s.now().UnixMilli(),
	}
	if _, evicted := s.ring.push(frame); evicted {
		s.dropped++
	}
	return frame
}

// Latest 最新一帧，空时返回 nil
func (s *FrameStore) Latest() *models.Frame {
	f, _ := s.ring.newest()
	return f
}

// Get 按序号查找
func (s *FrameStore) Get(sequenceID uint64) *models.Frame {
	for i := 0; i < s.ring.len(); i++ {
		if f := s.ring.at(i); f.SequenceID == sequenceID {
			return f
		}
	}
	return nil
}

// FindNear 查找采集时间最接近 targetMs 的帧，超出容差返回 nil
func (s *FrameStore) FindNear(targetMs, toleranceMs int64) *models.Frame {
	f, _ := nearest(&s.ring, func(f *models.Frame) int64 { return f.CapturedAtMs }, targetMs, toleranceMs)
	return f
}

// Frames 按时间顺序返回当前缓冲内容的副本
func (s *FrameStore) Frames() []*models.Frame {
	out := make([]*models.Frame, s.ring.len())
	for i := range out {
		out[i] = s.ring.at(i)
	}
	return out
}

// Len 当前缓冲帧数
func (s *FrameStore) Len() int {
	return s.ring.len()
}

// Dropped 因容量被挤出的帧数
func (s *FrameStore) Dropped() uint64 {
	return s.dropped
}

// Clear 清空缓冲，序号不回退
func (s *FrameStore) Clear() {
	s.ring.reset()
}

// AudioStore 音频块环形缓冲
type AudioStore struct {
	deviceID string
	ring     ring[*models.AudioChunk]
	nextSeq  uint64
	dropped  uint64
	now      Clock
}

// NewAudioStore 创建音频缓冲
func NewAudioStore(deviceID string, capacity int, now Clock) *AudioStore {
	if now == nil {
		now = time.Now
	}
	return &AudioStore{
		deviceID: deviceID,
		ring:     newRing[*models.AudioChunk](capacity),
		now:      now,
	}
}

// Push 追加一个音频块，超出容量时丢弃最旧一块
func (s *AudioStore) Push(payload []byte, sourceSequence uint16) *models.AudioChunk {
	s.nextSeq++
	chunk := &models.AudioChunk{
		SequenceID:     s.nextSeq,
		SourceSequence: sourceSequence,
		DeviceID:       s.deviceID,
		Payload:        bytes.Clone(payload),
		SizeBytes:      len(payload),
		CapturedAtMs:   s.now().UnixMilli(),
	}
	if _, evicted := s.ring.push(chunk); evicted {
		s.dropped++
	}
	return chunk
}

// Latest 最新音频块
func (s *AudioStore) Latest() *models.AudioChunk {
	c, _ := s.ring.newest()
	return c
}

// Get 按序号查找
func (s *AudioStore) Get(sequenceID uint64) *models.AudioChunk {
	for i := 0; i < s.ring.len(); i++ {
		if c := s.ring.at(i); c.SequenceID == sequenceID {
			return c
		}
	}
	return nil
}

// FindNear 查找采集时间最接近 targetMs 的音频块
func (s *AudioStore) FindNear(targetMs, toleranceMs int64) *models.AudioChunk {
	c, _ := nearest(&s.ring, func(c *models.AudioChunk) int64 { return c.CapturedAtMs }, targetMs, toleranceMs)
	return c
}

// Len 当前缓冲块数
func (s *AudioStore) Len() int {
	return s.ring.len()
}

// Dropped 因容量被挤出的块数
func (s *AudioStore) Dropped() uint64 {
	return s.dropped
}

// Clear 清空缓冲
func (s *AudioStore) Clear() {
	s.ring.reset()
}
