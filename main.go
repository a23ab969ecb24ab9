package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"clipshare/internal/clipboard"
	"clipshare/internal/logging"
	"clipshare/internal/session"
	"clipshare/internal/share"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	version = "1.0.0"
)

var (
	errNoSharer  = errors.New("没有处于可共享状态的设备")
	errNoContent = errors.New("对方剪贴板没有可共享的内容")
	errTimeout   = errors.New("等待超时")
)

func main() {
	var rootCmd = &cobra.Command{
		Use:           "clipshare",
		Short:         "跨设备剪贴板共享",
		Long:          "跨设备剪贴板共享工具，经信令服务器协商后点对点传输文本和文件",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logging.Sync()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "配置文件路径（YAML）")
	flags.Bool("debug", false, "显示调试信息")
	flags.String("log-format", "", "日志格式: console 或 json")
	flags.String("signaling", "", "信令服务器地址（格式: ws://host:port/ws，默认: ws://localhost:37851/ws）")
	flags.String("stun", "", "STUN服务器地址（格式: host:port）")
	flags.String("turn", "", "TURN服务器地址（格式: host:port）")
	flags.String("turn-user", "", "TURN用户名")
	flags.String("turn-credential", "", "TURN密码")

	// 常驻模式
	var daemonCmd = &cobra.Command{
		Use:   "daemon",
		Short: "常驻运行，响应共享请求并接收内容",
		Long:  "注册到信令服务器并声明可共享；其他设备请求时发送本机剪贴板内容",
		Args:  cobra.NoArgs,
		RunE:  runDaemon,
	}
	daemonCmd.Flags().String("dir", "", "接收文件的保存目录")
	daemonCmd.Flags().String("metrics-addr", "", "Prometheus指标监听地址（例如 :9090）")

	// 共享一次
	var shareCmd = &cobra.Command{
		Use:   "share [文件路径...]",
		Short: "共享指定内容一次",
		Long:  "把指定的文件或文本作为共享内容，响应一次请求后退出；不指定时共享本机剪贴板",
		RunE:  runShare,
	}
	shareCmd.Flags().String("text", "", "要共享的文本")
	shareCmd.Flags().Duration("timeout", 10*time.Minute, "等待请求的最长时间")

	// 粘贴
	var pasteCmd = &cobra.Command{
		Use:   "paste [保存目录]",
		Short: "从其他设备获取剪贴板内容",
		Long:  "请求一个可共享的设备发送剪贴板内容，文本写入本机剪贴板，文件保存到目录",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runPaste,
	}
	pasteCmd.Flags().Duration("timeout", 5*time.Minute, "等待内容的最长时间")

	// 设备列表
	var devicesCmd = &cobra.Command{
		Use:   "devices",
		Short: "列出信令服务器上的设备",
		Args:  cobra.NoArgs,
		RunE:  runDevices,
	}

	rootCmd.AddCommand(daemonCmd, shareCmd, pasteCmd, devicesCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = cfg.DownloadDir
	}
	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		cfg.MetricsAddr = addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr)
	}

	client, id, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	hooks := consoleHooks()
	hooks.OnContentReceived = func(c clipboard.Content) { printReceived(c) }
	hooks.OnDownloadFailed = func(reason string) { fmt.Printf("✗ 接收失败: %s\n", reason) }
	hooks.OnShareComplete = func() { fmt.Println("✓ 已共享") }
	hooks.OnShareFailed = func(err error) { fmt.Printf("✗ 共享失败: %v\n", err) }

	agent, err := newAgent(cfg, client, systemClipboard(), session.NewDirSinks(dir), hooks, true)
	if err != nil {
		return err
	}

	fmt.Println("=== 剪贴板共享 ===")
	fmt.Printf("设备ID: %s\n", id)
	fmt.Printf("保存目录: %s\n", dir)
	fmt.Println("等待共享请求，按 Ctrl+C 退出")

	err = agent.Run(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		return nil
	case errors.Is(err, share.ErrRelayClosed) && client.Err() != nil:
		return fmt.Errorf("%w: %v", err, client.Err())
	}
	return err
}

func runShare(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	text, _ := cmd.Flags().GetString("text")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	var staged *clipboard.Content
	switch {
	case text != "" && len(args) > 0:
		return fmt.Errorf("--text 不能和文件同时使用")
	case text != "":
		c := clipboard.TextContent(text)
		staged = &c
	case len(args) > 0:
		files, err := loadFiles(args)
		if err != nil {
			return err
		}
		c := clipboard.FilesContent(files)
		staged = &c
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, id, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	result := make(chan error, 1)
	report := func(err error) {
		select {
		case result <- err:
		default:
		}
	}
	hooks := consoleHooks()
	hooks.OnShareComplete = func() { report(nil) }
	hooks.OnShareFailed = func(err error) { report(err) }

	agent, err := newAgent(cfg, client, systemClipboard(), session.NewDirSinks(cfg.DownloadDir), hooks, true)
	if err != nil {
		return err
	}
	if staged != nil {
		if err := agent.Stage(*staged); err != nil {
			return err
		}
	}

	fmt.Printf("设备ID: %s\n", id)
	fmt.Println("等待其他设备请求...")
	if err := waitAgent(ctx, agent, result, timeout, nil); err != nil {
		return fmt.Errorf("共享失败: %w", err)
	}
	fmt.Println("✓ 共享完成")
	return nil
}

func runPaste(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	dir := cfg.DownloadDir
	if len(args) > 0 {
		dir = args[0]
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, _, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	result := make(chan error, 1)
	report := func(err error) {
		select {
		case result <- err:
		default:
		}
	}
	hooks := consoleHooks()
	hooks.OnContentReceived = func(c clipboard.Content) {
		printReceived(c)
		report(nil)
	}
	hooks.OnDownloadFailed = func(reason string) { report(fmt.Errorf("接收失败: %s", reason)) }
	hooks.OnCancelled = func(_, reason string) { report(fmt.Errorf("传输已取消: %s", reason)) }
	hooks.OnNoSharerAvailable = func() { report(errNoSharer) }
	hooks.OnNoContentAvailable = func() { report(errNoContent) }

	agent, err := newAgent(cfg, client, systemClipboard(), session.NewDirSinks(dir), hooks, false)
	if err != nil {
		return err
	}

	return waitAgent(ctx, agent, result, timeout, agent.RequestShare)
}

func runDevices(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	devices, err := client.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("获取设备列表失败: %w", err)
	}
	if len(devices) == 0 {
		fmt.Println("没有已连接的设备")
		return nil
	}
	for _, d := range devices {
		mark := " "
		if d.Ready {
			mark = "*"
		}
		fmt.Printf("%s %s  %s (%s)\n", mark, d.ID, d.Metadata["hostname"], d.Metadata["ip"])
	}
	return nil
}

// waitAgent 启动事件循环后执行start，直到得到结果、超时或被中断
func waitAgent(ctx context.Context, agent *share.Agent, result <-chan error, timeout time.Duration, start func() error) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- agent.Run(runCtx) }()

	if start != nil {
		if err := start(); err != nil {
			cancel()
			<-runErr
			return err
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-result:
	case err = <-runErr:
		return err
	case <-timer.C:
		err = errTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}
	cancel()
	<-runErr
	return err
}

func loadFiles(paths []string) ([]clipboard.FileRecord, error) {
	if len(paths) > clipboard.MaxFiles {
		return nil, fmt.Errorf("%w: 最多 %d 个文件", clipboard.ErrTooManyFiles, clipboard.MaxFiles)
	}
	files := make([]clipboard.FileRecord, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("获取文件路径失败: %w", err)
		}
		record, err := clipboard.LoadFileRecord(abs, clipboard.MaxFileSize)
		if err != nil {
			return nil, err
		}
		logging.L().Debug("已加载文件", zap.String("name", record.Name), zap.Uint64("size", record.Size))
		files = append(files, record)
	}
	return files, nil
}
