// Package config 加载客户端配置：默认值、可选的YAML文件，再由命令行参数覆盖
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"clipshare/internal/logging"
	"clipshare/internal/negotiator"
	"clipshare/internal/session"

	"github.com/pion/webrtc/v3"
	"gopkg.in/yaml.v3"
)

// DefaultSignalingURL 默认信令服务器
const DefaultSignalingURL = "ws://localhost:37851/ws"

// DefaultSTUN 未配置STUN时使用的服务器
const DefaultSTUN = "stun:stun.l.google.com:19302"

// maxChunkSize base64后仍需放进一条SCTP消息
const maxChunkSize = 48 * 1024

var ErrInvalid = errors.New("配置无效")

// Config 客户端配置
type Config struct {
	SignalingURL string         `yaml:"signaling_url"`
	ICE          ICEConfig      `yaml:"ice"`
	DownloadDir  string         `yaml:"download_dir"`
	MetricsAddr  string         `yaml:"metrics_addr,omitempty"`
	Log          LogConfig      `yaml:"log"`
	Transfer     TransferConfig `yaml:"transfer"`
}

// ICEConfig STUN/TURN服务器
type ICEConfig struct {
	STUN       string `yaml:"stun,omitempty"`
	TURN       string `yaml:"turn,omitempty"`
	Username   string `yaml:"username,omitempty"`
	Credential string `yaml:"credential,omitempty"`
}

// LogConfig 日志
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TransferConfig 传输和协商参数
type TransferConfig struct {
	ChunkSize     int    `yaml:"chunk_size"`
	TextChunkSize int    `yaml:"text_chunk_size"`
	TextThreshold int    `yaml:"text_threshold"`
	AckEvery      int    `yaml:"ack_every"`
	MaxBuffered   uint64 `yaml:"max_buffered"`
	LowWater      uint64 `yaml:"low_water"`

	ReadyTimeout time.Duration `yaml:"ready_timeout"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
	AckTimeout   time.Duration `yaml:"ack_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`

	ConnectTimeout           time.Duration `yaml:"connect_timeout"`
	RemoteDescriptionTimeout time.Duration `yaml:"remote_description_timeout"`
	AnswerAttempts           int           `yaml:"answer_attempts"`
	AnswerBackoff            time.Duration `yaml:"answer_backoff"`
}

// Default 默认配置
func Default() *Config {
	s := session.DefaultOptions()
	n := negotiator.DefaultOptions()
	return &Config{
		SignalingURL: DefaultSignalingURL,
		DownloadDir:  "./downloads",
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Transfer: TransferConfig{
			ChunkSize:                s.ChunkSize,
			TextChunkSize:            s.TextChunkSize,
			TextThreshold:            s.TextThreshold,
			AckEvery:                 s.AckEvery,
			MaxBuffered:              s.MaxBufferedAmount,
			LowWater:                 s.LowWaterMark,
			ReadyTimeout:             s.ReadyTimeout,
			DrainTimeout:             s.DrainTimeout,
			AckTimeout:               s.AckTimeout,
			IdleTimeout:              s.IdleTimeout,
			ConnectTimeout:           n.ConnectTimeout,
			RemoteDescriptionTimeout: n.RemoteDescriptionTimeout,
			AnswerAttempts:           n.AnswerAttempts,
			AnswerBackoff:            n.AnswerBackoff,
		},
	}
}

// Load 读取YAML配置文件，文件中没有的字段保留默认值；path为空时返回默认配置
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查配置
func (c *Config) Validate() error {
	if c.SignalingURL == "" {
		return fmt.Errorf("%w: signaling_url不能为空", ErrInvalid)
	}
	t := c.Transfer
	if t.ChunkSize < 1 || t.ChunkSize > maxChunkSize {
		return fmt.Errorf("%w: chunk_size必须在1到%d之间", ErrInvalid, maxChunkSize)
	}
	if t.TextChunkSize < 1 || t.TextChunkSize > maxChunkSize {
		return fmt.Errorf("%w: text_chunk_size必须在1到%d之间", ErrInvalid, maxChunkSize)
	}
	if t.AckEvery < 1 {
		return fmt.Errorf("%w: ack_every必须大于0", ErrInvalid)
	}
	if t.LowWater > t.MaxBuffered {
		return fmt.Errorf("%w: low_water不能大于max_buffered", ErrInvalid)
	}
	if t.AnswerAttempts < 0 {
		return fmt.Errorf("%w: answer_attempts不能为负数", ErrInvalid)
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("%w: 未知的日志格式 %s", ErrInvalid, c.Log.Format)
	}
	return nil
}

// ICEServers 构造ICE服务器列表，自动补全stun:/turn:前缀
func (c *Config) ICEServers() []webrtc.ICEServer {
	stunURL := c.ICE.STUN
	if stunURL == "" {
		stunURL = DefaultSTUN
	}
	if !strings.HasPrefix(stunURL, "stun:") {
		stunURL = "stun:" + stunURL
	}
	iceServers := []webrtc.ICEServer{{URLs: []string{stunURL}}}

	if c.ICE.TURN != "" {
		turnURL := c.ICE.TURN
		if !strings.HasPrefix(turnURL, "turn:") && !strings.HasPrefix(turnURL, "turns:") {
			turnURL = "turn:" + turnURL
		}
		urls := []string{turnURL}
		// 未指定传输协议时同时尝试udp和tcp
		if !strings.Contains(turnURL, "?transport=") {
			urls = []string{turnURL + "?transport=udp", turnURL + "?transport=tcp"}
		}
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       urls,
			Username:   c.ICE.Username,
			Credential: c.ICE.Credential,
		})
	}
	return iceServers
}

// SessionOptions 传输参数
func (c *Config) SessionOptions() session.Options {
	t := c.Transfer
	return session.Options{
		ChunkSize:         t.ChunkSize,
		TextChunkSize:     t.TextChunkSize,
		TextThreshold:     t.TextThreshold,
		AckEvery:          t.AckEvery,
		MaxBufferedAmount: t.MaxBuffered,
		LowWaterMark:      t.LowWater,
		ReadyTimeout:      t.ReadyTimeout,
		DrainTimeout:      t.DrainTimeout,
		AckTimeout:        t.AckTimeout,
		IdleTimeout:       t.IdleTimeout,
	}.WithDefaults()
}

// NegotiatorOptions 协商参数
func (c *Config) NegotiatorOptions() negotiator.Options {
	opts := negotiator.DefaultOptions()
	t := c.Transfer
	if t.ConnectTimeout > 0 {
		opts.ConnectTimeout = t.ConnectTimeout
	}
	if t.RemoteDescriptionTimeout > 0 {
		opts.RemoteDescriptionTimeout = t.RemoteDescriptionTimeout
	}
	if t.AnswerAttempts > 0 {
		opts.AnswerAttempts = t.AnswerAttempts
	}
	if t.AnswerBackoff > 0 {
		opts.AnswerBackoff = t.AnswerBackoff
	}
	opts.Session = c.SessionOptions()
	return opts
}

// Logging 日志配置
func (c *Config) Logging() logging.Config {
	return logging.Config{Level: c.Log.Level, Format: c.Log.Format}
}
