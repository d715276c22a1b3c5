package models

// Frame 视频帧 (JPEG)，创建后不可变
type Frame struct {
	SequenceID    uint64 // 缓冲区内单调递增序号
	SourceFrameID uint16 // 设备侧帧号，65536 回绕
	DeviceID      string
	Payload       []byte
	SizeBytes     int
	CapturedAtMs  int64 // 入缓冲时间 (epoch ms)
}

// AudioChunk 音频块 (PCM)，创建后不可变
type AudioChunk struct {
	SequenceID     uint64
	SourceSequence uint16
	DeviceID       string
	Payload        []byte
	SizeBytes      int
	CapturedAtMs   int64
}

// StreamStats 单路流统计
type StreamStats struct {
	Received     uint64 `json:"received"`
	Dropped      uint64 `json:"dropped"`
	Buffered     int    `json:"buffered"`
	Clients      int    `json:"clients"`
	Active       bool   `json:"active"`
	LastIngestAt int64  `json:"lastIngestAt,omitempty"` // epoch ms, 0 表示从未收到
}

// ChannelStats 设备通道统计
type ChannelStats struct {
	DeviceID         string      `json:"deviceId"`
	FramesReceived   uint64      `json:"framesReceived"`
	AudioReceived    uint64      `json:"audioReceived"`
	Video            StreamStats `json:"video"`
	Audio            StreamStats `json:"audio"`
	ConnectedClients int         `json:"connectedClients"`
}

// FrameInfo 不含负载的帧描述，用于 JSON 输出
type FrameInfo struct {
	SequenceID    uint64 `json:"sequenceId"`
	SourceFrameID uint16 `json:"sourceFrameId"`
	SizeBytes     int    `json:"sizeBytes"`
	CapturedAtMs  int64  `json:"capturedAtMs"`
}

// Info 帧描述
func (f *Frame) Info() FrameInfo {
	return FrameInfo{
		SequenceID:    f.SequenceID,
		SourceFrameID: f.SourceFrameID,
		SizeBytes:     f.SizeBytes,
		CapturedAtMs:  f.CapturedAtMs,
	}
}
