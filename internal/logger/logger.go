package logger

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// 所有 logger (包括 With 派生的) 共享同一个级别和输出，
// SetDebugMode / SetOutput 对已创建的单连接 logger 同样生效。
var (
	level  = new(slog.LevelVar)
	output = &switchWriter{w: os.Stdout}
	logger = slog.New(slog.NewTextHandler(output, &slog.HandlerOptions{Level: level}))
)

// switchWriter 可替换目标的 io.Writer
type switchWriter struct {
	mu sync.RWMutex
	w  io.Writer
}

func (s *switchWriter) Write(p []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.w.Write(p)
}

func (s *switchWriter) set(w io.Writer) {
	s.mu.Lock()
	s.w = w
	s.mu.Unlock()
}

// SetDebugMode 设置调试模式
func SetDebugMode(enabled bool) {
	if enabled {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}
}

// SetOutput 重定向日志输出 (测试用)
func SetOutput(w io.Writer) {
	output.set(w)
}

// IsDebugMode 是否调试模式
func IsDebugMode() bool {
	return level.Level() <= slog.LevelDebug
}

// With 带固定字段的子 logger，用于单连接日志
func With(args ...any) *slog.Logger {
	return logger.With(args...)
}

// Debug 调试日志
func Debug(msg string, args ...any) {
	logger.Debug(msg, args...)
}

// Info 信息日志
func Info(msg string, args ...any) {
	logger.Info(msg, args...)
}

// Warn 警告日志
func Warn(msg string, args ...any) {
	logger.Warn(msg, args...)
}

// Error 错误日志
func Error(msg string, args ...any) {
	logger.Error(msg, args...)
}
