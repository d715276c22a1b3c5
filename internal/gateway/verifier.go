package gateway

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"

	"camrelay/internal/config"
)

// Verification 设备凭证校验结果
type Verification struct {
	Valid    bool
	Disabled bool
}

// Verifier 外部凭证存储，每个连接认证时查询一次
type Verifier interface {
	VerifyDevice(ctx context.Context, deviceID, token string) (Verification, error)
}

// StaticVerifier 配置文件中的设备表
type StaticVerifier struct {
	devices map[string]config.DeviceConfig
}

// NewStaticVerifier 创建静态凭证表
func NewStaticVerifier(devices []config.DeviceConfig) *StaticVerifier {
	m := make(map[string]config.DeviceConfig, len(devices))
	for _, d := range devices {
		m[d.ID] = d
	}
	return &StaticVerifier{devices: m}
}

// VerifyDevice 校验设备 token
func (v *StaticVerifier) VerifyDevice(_ context.Context, deviceID, token string) (Verification, error) {
	d, ok := v.devices[deviceID]
	if !ok {
		return Verification{}, nil
	}
	return Verification{
		Valid:    tokenEqual(d.Token, token),
		Disabled: d.Disabled,
	}, nil
}

func tokenEqual(want, got string) bool {
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

// RedisVerifier 以 Redis hash 存储的设备凭证: <prefix><device_id> → {token, disabled}
type RedisVerifier struct {
	client *redis.Client
	prefix string
}

// NewRedisVerifier 创建 Redis 凭证查询
func NewRedisVerifier(cfg config.RedisConfig) *RedisVerifier {
	return &RedisVerifier{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		prefix: cfg.KeyPrefix,
	}
}

// VerifyDevice 查询并校验设备 token
func (v *RedisVerifier) VerifyDevice(ctx context.Context, deviceID, token string) (Verification, error) {
	fields, err := v.client.HGetAll(ctx, v.prefix+deviceID).Result()
	if err != nil {
		return Verification{}, fmt.Errorf("redis lookup %s: %w", deviceID, err)
	}
	return verificationFromHash(fields, token), nil
}

// Ping 检查 Redis 连接
func (v *RedisVerifier) Ping(ctx context.Context) error {
	return v.client.Ping(ctx).Err()
}

// Close 关闭连接
func (v *RedisVerifier) Close() error {
	return v.client.Close()
}

func verificationFromHash(fields map[string]string, token string) Verification {
	want, ok := fields["token"]
	if !ok {
		return Verification{}
	}
	disabled, _ := strconv.ParseBool(fields["disabled"])
	return Verification{
		Valid:    tokenEqual(want, token),
		Disabled: disabled,
	}
}
