package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// 缓冲区容量
	FrameCapacity = 30
	AudioCapacity = 100

	// 音视频同步容差 / 活跃判定窗口 (毫秒)
	SyncToleranceMs   = 500
	LivenessTimeoutMs = 5000

	// PCM 格式: 16kHz / 单声道 / 16bit
	AudioSampleRate    = 16000
	AudioChannels      = 1
	AudioBitsPerSample = 16

	// 单个观看端的发送队列深度
	SinkQueueDepth = 8

	// 设备 socket 路径
	DeviceSocketPath = "/ws/device"
)

// 设备凭证后端
const (
	AuthBackendStatic = "static"
	AuthBackendRedis  = "redis"
)

// ErrInvalidConfig 配置校验失败
var ErrInvalidConfig = errors.New("invalid configuration")

// Config 中继服务配置
type Config struct {
	Server ServerConfig `yaml:"server"`
	Buffer BufferConfig `yaml:"buffer"`
	Audio  AudioConfig  `yaml:"audio"`
	Auth   AuthConfig   `yaml:"auth"`
	MQTT   MQTTConfig   `yaml:"mqtt"`
}

// ServerConfig 监听配置
type ServerConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	DevicePath string `yaml:"device_path"`
}

// BufferConfig 环形缓冲与广播配置
type BufferConfig struct {
	FrameCapacity     int `yaml:"frame_capacity"`
	AudioCapacity     int `yaml:"audio_capacity"`
	SyncToleranceMs   int `yaml:"sync_tolerance_ms"`
	LivenessTimeoutMs int `yaml:"liveness_timeout_ms"`
	SinkQueue         int `yaml:"sink_queue"`
}

// AudioConfig 下发给观看端的 PCM 格式
type AudioConfig struct {
	SampleRate    int `yaml:"sample_rate"`
	Channels      int `yaml:"channels"`
	BitsPerSample int `yaml:"bits_per_sample"`
}

// AuthConfig 设备凭证后端
type AuthConfig struct {
	Backend string         `yaml:"backend"` // static, redis
	Devices []DeviceConfig `yaml:"devices"`
	Redis   RedisConfig    `yaml:"redis"`
}

// DeviceConfig 静态设备凭证
type DeviceConfig struct {
	ID       string `yaml:"id"`
	Token    string `yaml:"token"`
	Disabled bool   `yaml:"disabled"`
}

// RedisConfig Redis 凭证存储
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// MQTTConfig 设备上下线事件发布，Broker 为空表示关闭
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Default 默认配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:       "0.0.0.0",
			Port:       8080,
			DevicePath: DeviceSocketPath,
		},
		Buffer: BufferConfig{
			FrameCapacity:     FrameCapacity,
			AudioCapacity:     AudioCapacity,
			SyncToleranceMs:   SyncToleranceMs,
			LivenessTimeoutMs: LivenessTimeoutMs,
			SinkQueue:         SinkQueueDepth,
		},
		Audio: AudioConfig{
			SampleRate:    AudioSampleRate,
			Channels:      AudioChannels,
			BitsPerSample: AudioBitsPerSample,
		},
		Auth: AuthConfig{
			Backend: AuthBackendStatic,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "device:",
			},
		},
		MQTT: MQTTConfig{
			ClientID:    "camrelay",
			TopicPrefix: "camrelay/devices",
		},
	}
}

// Load 读取 YAML 配置，未出现的字段保留默认值
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置
func Validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalidConfig, cfg.Server.Port)
	}
	if cfg.Server.DevicePath == "" || cfg.Server.DevicePath[0] != '/' {
		return fmt.Errorf("%w: server.device_path must start with /", ErrInvalidConfig)
	}
	if cfg.Buffer.FrameCapacity <= 0 || cfg.Buffer.AudioCapacity <= 0 {
		return fmt.Errorf("%w: buffer capacities must be positive", ErrInvalidConfig)
	}
	if cfg.Buffer.SyncToleranceMs < 0 || cfg.Buffer.LivenessTimeoutMs <= 0 {
		return fmt.Errorf("%w: buffer timing values must be positive", ErrInvalidConfig)
	}
	if cfg.Buffer.SinkQueue <= 0 {
		return fmt.Errorf("%w: buffer.sink_queue must be positive", ErrInvalidConfig)
	}

	switch cfg.Auth.Backend {
	case AuthBackendStatic:
		seen := make(map[string]bool, len(cfg.Auth.Devices))
		for _, d := range cfg.Auth.Devices {
			if d.ID == "" {
				return fmt.Errorf("%w: auth.devices entry without id", ErrInvalidConfig)
			}
			if seen[d.ID] {
				return fmt.Errorf("%w: duplicate device id %q", ErrInvalidConfig, d.ID)
			}
			seen[d.ID] = true
		}
	case AuthBackendRedis:
		if cfg.Auth.Redis.Addr == "" {
			return fmt.Errorf("%w: auth.redis.addr is required", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown auth backend %q", ErrInvalidConfig, cfg.Auth.Backend)
	}
	return nil
}

// Addr 监听地址
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// LivenessTimeout 活跃判定窗口
func (c *Config) LivenessTimeout() time.Duration {
	return time.Duration(c.Buffer.LivenessTimeoutMs) * time.Millisecond
}
