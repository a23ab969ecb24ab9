package negotiator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"clipshare/internal/clipboard"
	"clipshare/internal/logging"
	"clipshare/internal/metrics"
	"clipshare/internal/protocol"
	"clipshare/internal/session"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var (
	ErrNoContent      = errors.New("没有可共享的内容")
	ErrConnectTimeout = errors.New("连接超时")
	ErrNegotiation    = errors.New("连接协商失败")
	ErrReset          = errors.New("连接已重置")
	ErrUnknownPeer    = errors.New("未知的对端")
	ErrClosed         = errors.New("协商器已关闭")
)

// Signaler 经信令服务器发往对端的消息
type Signaler interface {
	SendSignal(to string, signal *protocol.Signal) error
	NotifyNoContent(to string) error
}

// Options 协商参数
type Options struct {
	// Label 数据通道名
	Label string
	// ConnectTimeout 发出offer或answer后数据通道打开的时限
	ConnectTimeout time.Duration
	// RemoteDescriptionTimeout 等待远端描述生效的时限
	RemoteDescriptionTimeout time.Duration
	RemoteDescriptionPoll    time.Duration
	// AnswerAttempts 创建answer的尝试次数，第n次失败后等待n*AnswerBackoff
	AnswerAttempts int
	AnswerBackoff  time.Duration
	// CandidateAttempts 单个候选最多尝试应用的次数
	CandidateAttempts      int
	CandidateRetryInterval time.Duration
	// Linger 发送文本后等待对端关闭连接的时间
	Linger time.Duration

	Session session.Options
}

// DefaultOptions 默认协商参数
func DefaultOptions() Options {
	return Options{
		Label:                    "clipboard",
		ConnectTimeout:           30 * time.Second,
		RemoteDescriptionTimeout: time.Second,
		RemoteDescriptionPoll:    10 * time.Millisecond,
		AnswerAttempts:           3,
		AnswerBackoff:            200 * time.Millisecond,
		CandidateAttempts:        10,
		CandidateRetryInterval:   100 * time.Millisecond,
		Linger:                   2 * time.Second,
		Session:                  session.DefaultOptions(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Label == "" {
		o.Label = d.Label
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.RemoteDescriptionTimeout <= 0 {
		o.RemoteDescriptionTimeout = d.RemoteDescriptionTimeout
	}
	if o.RemoteDescriptionPoll <= 0 {
		o.RemoteDescriptionPoll = d.RemoteDescriptionPoll
	}
	if o.AnswerAttempts <= 0 {
		o.AnswerAttempts = d.AnswerAttempts
	}
	if o.AnswerBackoff <= 0 {
		o.AnswerBackoff = d.AnswerBackoff
	}
	if o.CandidateAttempts <= 0 {
		o.CandidateAttempts = d.CandidateAttempts
	}
	if o.CandidateRetryInterval <= 0 {
		o.CandidateRetryInterval = d.CandidateRetryInterval
	}
	if o.Linger <= 0 {
		o.Linger = d.Linger
	}
	o.Session = o.Session.WithDefaults()
	return o
}

// Config 创建Negotiator的参数
type Config struct {
	Engine    Engine
	Signaler  Signaler
	Clipboard clipboard.Adapter
	Sinks     session.SinkOpener
	Hooks     session.Hooks
	Options   Options
	Logger    *zap.Logger
}

// Negotiator 管理与各对端的连接协商
//
// 不同对端的连接互相独立并发执行；同一对端的操作按调用顺序串行执行。
type Negotiator struct {
	engine   Engine
	signaler Signaler
	clip     clipboard.Adapter
	sinks    session.SinkOpener
	hooks    session.Hooks
	opts     Options
	logger   *zap.Logger

	registry *Registry

	mu     sync.Mutex
	staged *clipboard.Content
}

// New 创建Negotiator
func New(cfg Config) (*Negotiator, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("缺少连接引擎")
	}
	if cfg.Signaler == nil {
		return nil, fmt.Errorf("缺少信令通道")
	}
	clip := cfg.Clipboard
	if clip == nil {
		clip = clipboard.NewMemory(clipboard.Content{})
	}
	sinks := cfg.Sinks
	if sinks == nil {
		sinks = session.MemorySinks{}
	}

	n := &Negotiator{
		engine:   cfg.Engine,
		signaler: cfg.Signaler,
		clip:     clip,
		sinks:    sinks,
		hooks:    cfg.Hooks,
		opts:     cfg.Options.withDefaults(),
		logger:   logging.OrGlobal(cfg.Logger).With(zap.String("component", "negotiator")),
	}
	n.registry = NewRegistry(func(peerID string) *Connection {
		return newConnection(n, peerID)
	})
	return n, nil
}

// Registry 连接注册表
func (n *Negotiator) Registry() *Registry {
	return n.registry
}

// Stage 预置下一次共享的内容，替代读取剪贴板
func (n *Negotiator) Stage(content clipboard.Content) error {
	if err := content.Validate(); err != nil {
		return err
	}
	n.mu.Lock()
	n.staged = &content
	n.mu.Unlock()
	return nil
}

// snapshot 确定本次要发送的内容，每次offer只读取一次剪贴板
func (n *Negotiator) snapshot() (clipboard.Content, error) {
	n.mu.Lock()
	staged := n.staged
	n.mu.Unlock()
	if staged != nil {
		return *staged, nil
	}

	content, err := n.clip.GetContent()
	if err != nil {
		return clipboard.Content{}, fmt.Errorf("%w: 读取剪贴板失败: %v", ErrNoContent, err)
	}
	if content.IsEmpty() {
		return clipboard.Content{}, ErrNoContent
	}
	if err := content.Validate(); err != nil {
		return clipboard.Content{}, fmt.Errorf("%w: %v", ErrNoContent, err)
	}
	return content, nil
}

// CreateOffer 向对端发起连接并在数据通道打开后发送内容
//
// 没有内容时通知对端no-content-available并返回ErrNoContent，不会创建offer。
func (n *Negotiator) CreateOffer(ctx context.Context, peerID string) error {
	logger := n.logger.With(logging.Peer(peerID))
	content, err := n.snapshot()
	if err != nil {
		logger.Info("没有可共享的内容", logging.Err(err))
		metrics.RecordNegotiation(RoleInitiator.String(), "no-content")
		if nerr := n.signaler.NotifyNoContent(peerID); nerr != nil {
			logger.Warn("通知对端失败", logging.Err(nerr))
		}
		return err
	}

	c := n.registry.Acquire(peerID)
	if c == nil {
		return ErrClosed
	}
	var opErr error
	if err := c.do(ctx, func() { opErr = c.offer(content) }); err != nil {
		return err
	}
	return opErr
}

// HandleOffer 应答对端的offer
func (n *Negotiator) HandleOffer(ctx context.Context, from string, offer webrtc.SessionDescription) error {
	c := n.registry.Acquire(from)
	if c == nil {
		return ErrClosed
	}
	var opErr error
	if err := c.do(ctx, func() { opErr = c.answer(offer) }); err != nil {
		return err
	}
	return opErr
}

// HandleAnswer 应用对端的answer，重复或过期的answer被忽略
func (n *Negotiator) HandleAnswer(ctx context.Context, from string, answer webrtc.SessionDescription) error {
	c := n.registry.Lookup(from)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, from)
	}
	var opErr error
	if err := c.do(ctx, func() { opErr = c.applyAnswer(answer) }); err != nil {
		return err
	}
	return opErr
}

// HandleCandidate 应用或暂存对端的候选
func (n *Negotiator) HandleCandidate(from string, candidate webrtc.ICECandidateInit) error {
	c := n.registry.Acquire(from)
	if c == nil {
		return ErrClosed
	}
	c.post(func() { c.addCandidate(candidate) })
	return nil
}

// HandleSignal 按信令类型分发
func (n *Negotiator) HandleSignal(ctx context.Context, from string, signal *protocol.Signal) error {
	if signal == nil {
		return fmt.Errorf("%w: 空信令", ErrNegotiation)
	}
	if err := signal.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrNegotiation, err)
	}
	switch signal.Type {
	case protocol.SignalOffer:
		return n.HandleOffer(ctx, from, *signal.Description)
	case protocol.SignalAnswer:
		return n.HandleAnswer(ctx, from, *signal.Description)
	default:
		return n.HandleCandidate(from, *signal.Candidate)
	}
}

// Reset 重置与对端的连接
func (n *Negotiator) Reset(peerID string) {
	if c := n.registry.Lookup(peerID); c != nil {
		c.Reset()
	}
}

// Disconnect 对端离开信令服务器，销毁其连接
func (n *Negotiator) Disconnect(peerID string) bool {
	return n.registry.Destroy(peerID, fmt.Errorf("%w: 对端已断开", ErrReset))
}

// Close 关闭所有连接
func (n *Negotiator) Close() {
	n.registry.Close(ErrClosed)
}
