package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"clipshare/internal/logging"
	"clipshare/internal/signaling"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	var (
		port      int
		debug     bool
		logFormat string
		queueSize int
	)

	var rootCmd = &cobra.Command{
		Use:           "signaling",
		Short:         "剪贴板共享信令服务器",
		Long:          "为剪贴板共享端点分配ID、匹配共享请求并转发WebRTC信令",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := "info"
			if debug {
				level = "debug"
			}
			if err := logging.Init(logging.Config{Level: level, Format: logFormat}); err != nil {
				return fmt.Errorf("初始化日志失败: %w", err)
			}
			defer logging.Sync()

			fmt.Println("=== 剪贴板共享信令服务器 ===")
			fmt.Printf("端口: %d\n", port)
			fmt.Printf("WebSocket端点: ws://localhost:%d/ws\n", port)
			fmt.Println()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg := signaling.DefaultServerConfig()
			cfg.QueueSize = queueSize
			cfg.Logger = logging.L()
			server := signaling.NewServer(cfg)

			if err := server.Start(ctx, fmt.Sprintf(":%d", port)); err != nil {
				logging.L().Error("服务器启动失败", logging.Err(err), zap.Int("port", port))
				return err
			}
			return nil
		},
	}

	rootCmd.Flags().IntVarP(&port, "port", "p", 37851, "信令服务器端口")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "显示调试信息")
	rootCmd.Flags().StringVar(&logFormat, "log-format", "console", "日志格式: console 或 json")
	rootCmd.Flags().IntVar(&queueSize, "queue-size", 256, "每个端点的发送队列长度")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}
