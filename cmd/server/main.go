package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"camrelay/internal/config"
	"camrelay/internal/gateway"
	"camrelay/internal/logger"
	"camrelay/internal/relay"
	"camrelay/internal/server"

	"github.com/kataras/iris/v12"
)

func main() {
	port := flag.Int("port", 0, "Server port (overrides config)")
	configPath := flag.String("config", "", "YAML config file (optional)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// 设置日志级别
	if *debug {
		logger.SetDebugMode(true)
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Printf("配置错误: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	fmt.Println("============================================================")
	fmt.Println("摄像头 / 门铃 实时中继")
	fmt.Println("============================================================")
	fmt.Printf("监听地址: http://%s\n", cfg.Addr())
	fmt.Printf("设备接入: ws://%s%s\n", cfg.Addr(), cfg.Server.DevicePath)
	fmt.Printf("凭证后端: %s\n", cfg.Auth.Backend)
	fmt.Println("============================================================")

	registry := relay.NewRegistry(relay.OptionsFromConfig(cfg))

	verifier, closeVerifier, err := newVerifier(cfg)
	if err != nil {
		fmt.Printf("凭证后端错误: %v\n", err)
		os.Exit(1)
	}
	defer closeVerifier()

	var notifier gateway.Notifier
	if cfg.MQTT.Broker != "" {
		mqttNotifier, err := gateway.NewMQTTNotifier(cfg.MQTT)
		if err != nil {
			// 上下线通知不是必需的
			logger.Warn("mqtt notifier disabled", "broker", cfg.MQTT.Broker, "error", err)
		} else {
			defer mqttNotifier.Close()
			notifier = mqttNotifier
		}
	}

	gw := gateway.New(registry, verifier, notifier)

	// 创建 Iris 应用
	app := iris.New()
	if *debug {
		app.Logger().SetLevel("debug")
	} else {
		app.Logger().SetLevel("warn")
	}

	// CORS
	app.UseRouter(func(ctx iris.Context) {
		ctx.Header("Access-Control-Allow-Origin", "*")
		ctx.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		ctx.Header("Access-Control-Allow-Headers", "Content-Type")
		if ctx.Method() == "OPTIONS" {
			ctx.StatusCode(204)
			return
		}
		ctx.Next()
	})

	handlers := server.NewHandlers(registry, gw, cfg)
	server.RegisterRoutes(app, handlers)

	// 优雅关闭
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		fmt.Println("\n正在关闭...")
		gw.Close()
		cleared := registry.ClearAll()
		logger.Info("channels cleared on shutdown", "count", cleared)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		app.Shutdown(ctx)
	}()

	// 启动服务器
	fmt.Printf("\n服务器已启动: http://%s\n", cfg.Addr())
	if err := app.Listen(cfg.Addr(), iris.WithoutServerError(iris.ErrServerClosed)); err != nil {
		fmt.Printf("服务器错误: %v\n", err)
	}
}

// newVerifier 按配置创建设备凭证校验器
func newVerifier(cfg *config.Config) (gateway.Verifier, func(), error) {
	switch cfg.Auth.Backend {
	case config.AuthBackendRedis:
		v := gateway.NewRedisVerifier(cfg.Auth.Redis)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := v.Ping(ctx); err != nil {
			v.Close()
			return nil, nil, fmt.Errorf("redis %s unreachable: %w", cfg.Auth.Redis.Addr, err)
		}
		return v, func() { v.Close() }, nil
	default:
		if len(cfg.Auth.Devices) == 0 {
			logger.Warn("static auth backend has no devices, every device socket will be rejected")
		}
		return gateway.NewStaticVerifier(cfg.Auth.Devices), func() {}, nil
	}
}
