package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime"
	"time"

	"clipshare/internal/clipboard"
	"clipshare/internal/config"
	"clipshare/internal/logging"
	"clipshare/internal/metrics"
	"clipshare/internal/negotiator"
	"clipshare/internal/protocol"
	"clipshare/internal/session"
	"clipshare/internal/share"
	"clipshare/internal/signaling"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// loadConfig 读取配置文件并用命令行参数覆盖，然后初始化日志
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if v, _ := flags.GetString("signaling"); v != "" {
		cfg.SignalingURL = v
	}
	if v, _ := flags.GetString("stun"); v != "" {
		cfg.ICE.STUN = v
	}
	if v, _ := flags.GetString("turn"); v != "" {
		cfg.ICE.TURN = v
	}
	if v, _ := flags.GetString("turn-user"); v != "" {
		cfg.ICE.Username = v
	}
	if v, _ := flags.GetString("turn-credential"); v != "" {
		cfg.ICE.Credential = v
	}
	if v, _ := flags.GetString("log-format"); v != "" {
		cfg.Log.Format = v
	}
	if debug, _ := flags.GetBool("debug"); debug {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := logging.Init(cfg.Logging()); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	logging.L().Debug("配置已加载",
		zap.String("signaling", cfg.SignalingURL),
		zap.String("stun", cfg.ICE.STUN),
		zap.String("turn", cfg.ICE.TURN),
	)
	return cfg, nil
}

// dial 连接信令服务器，不注册
func dial(ctx context.Context, cfg *config.Config) (*signaling.Client, error) {
	return signaling.Dial(ctx, signaling.ClientConfig{
		URL:      cfg.SignalingURL,
		Metadata: hostMetadata(),
		Logger:   logging.L(),
	})
}

// connect 连接信令服务器并注册，返回分配的ID
func connect(ctx context.Context, cfg *config.Config) (*signaling.Client, string, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := dial(dialCtx, cfg)
	if err != nil {
		return nil, "", err
	}
	id, err := client.Register(dialCtx)
	if err != nil {
		client.Close()
		return nil, "", fmt.Errorf("注册失败: %w", err)
	}
	return client, id, nil
}

// newAgent 用pion引擎创建共享端点
func newAgent(cfg *config.Config, client *signaling.Client, clip clipboard.Adapter, sinks session.SinkOpener, hooks session.Hooks, serve bool) (*share.Agent, error) {
	return share.New(share.Config{
		Relay:     client,
		Engine:    negotiator.NewPionEngine(cfg.ICEServers()),
		Clipboard: clip,
		Sinks:     sinks,
		Hooks:     hooks,
		Options:   cfg.NegotiatorOptions(),
		Serve:     serve,
		Logger:    logging.L(),
	})
}

// systemClipboard 系统剪贴板不可用时退回内存剪贴板
func systemClipboard() clipboard.Adapter {
	sys, err := clipboard.NewSystem()
	if err != nil {
		logging.L().Warn("系统剪贴板不可用，使用内存剪贴板", logging.Err(err))
		return clipboard.NewMemory(clipboard.Content{})
	}
	return sys
}

// serveMetrics 提供Prometheus指标，ctx结束时关闭
func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logging.L().Info("指标服务已启动", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.L().Error("指标服务失败", logging.Err(err))
	}
}

// consoleHooks 在终端显示进度
func consoleHooks() session.Hooks {
	return session.Hooks{
		OnWaitingForUserLocation: func(_ string, files []protocol.FileMeta) {
			for _, f := range files {
				fmt.Printf("准备接收: %s (%.2f MB)\n", f.Name, float64(f.Size)/1024/1024)
			}
		},
		OnSessionStatus: func(_ string, status session.Status) {
			switch status {
			case session.StatusReadyWait:
				fmt.Println("等待对方准备接收...")
			case session.StatusStreaming:
				fmt.Println("开始传输")
			}
		},
		OnProgress: func(name string, percent int) {
			fmt.Printf("\r%s 进度: %d%%", name, percent)
			if percent >= 100 {
				fmt.Println()
			}
		},
	}
}

func printReceived(c clipboard.Content) {
	switch c.Kind {
	case clipboard.KindText:
		fmt.Printf("✓ 已接收文本 (%d 字节)\n", len(c.Text))
		fmt.Println(c.Text)
	case clipboard.KindFiles:
		fmt.Printf("✓ 已接收 %d 个文件\n", len(c.Files))
		for _, f := range c.Files {
			fmt.Printf("  %s -> %s\n", f.Name, f.Path)
		}
	}
}

// hostMetadata 注册时附带的设备信息
func hostMetadata() map[string]string {
	meta := map[string]string{"os": runtime.GOOS}
	if name, err := os.Hostname(); err == nil {
		meta["hostname"] = name
	}
	if ip, err := getLocalIP(); err == nil {
		meta["ip"] = ip
	}
	return meta
}

// getLocalIP 获取本机出口IP
func getLocalIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String(), nil
}
