// Package share 把信令客户端和连接协商器组合成一个共享端点
package share

import (
	"context"
	"errors"
	"fmt"

	"clipshare/internal/clipboard"
	"clipshare/internal/logging"
	"clipshare/internal/negotiator"
	"clipshare/internal/protocol"
	"clipshare/internal/session"

	"go.uber.org/zap"
)

// ErrRelayClosed 信令连接已断开
var ErrRelayClosed = errors.New("信令连接已断开")

// Relay 信令服务器上的本端
type Relay interface {
	negotiator.Signaler
	Events() <-chan *protocol.RelayMessage
	AnnounceReady() error
	ClearReady() error
	RequestShare() error
}

// Config 创建Agent的参数
type Config struct {
	Relay     Relay
	Engine    negotiator.Engine
	Clipboard clipboard.Adapter
	Sinks     session.SinkOpener
	Hooks     session.Hooks
	Options   negotiator.Options
	// Serve 为true时声明可共享，并在每次共享结束后重新声明
	Serve  bool
	Logger *zap.Logger
}

// Agent 按到达顺序处理信令事件
type Agent struct {
	relay  Relay
	neg    *negotiator.Negotiator
	hooks  session.Hooks
	serve  bool
	logger *zap.Logger
}

// New 创建Agent
func New(cfg Config) (*Agent, error) {
	if cfg.Relay == nil {
		return nil, fmt.Errorf("缺少信令连接")
	}
	a := &Agent{
		relay:  cfg.Relay,
		hooks:  cfg.Hooks,
		serve:  cfg.Serve,
		logger: logging.OrGlobal(cfg.Logger).With(zap.String("component", "agent")),
	}

	neg, err := negotiator.New(negotiator.Config{
		Engine:    cfg.Engine,
		Signaler:  cfg.Relay,
		Clipboard: cfg.Clipboard,
		Sinks:     cfg.Sinks,
		Hooks:     a.wrapHooks(cfg.Hooks),
		Options:   cfg.Options,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	a.neg = neg
	return a, nil
}

// wrapHooks 共享结束后重新声明可共享
func (a *Agent) wrapHooks(h session.Hooks) session.Hooks {
	complete, failed := h.OnShareComplete, h.OnShareFailed
	h.OnShareComplete = func() {
		if complete != nil {
			complete()
		}
		a.reannounce()
	}
	h.OnShareFailed = func(err error) {
		if failed != nil {
			failed(err)
		}
		a.reannounce()
	}
	return h
}

func (a *Agent) reannounce() {
	if !a.serve {
		return
	}
	if err := a.relay.AnnounceReady(); err != nil {
		a.logger.Warn("重新声明可共享失败", logging.Err(err))
	}
}

// Negotiator 底层协商器
func (a *Agent) Negotiator() *negotiator.Negotiator {
	return a.neg
}

// Stage 预置要共享的内容
func (a *Agent) Stage(content clipboard.Content) error {
	return a.neg.Stage(content)
}

// RequestShare 请求其他端点向本端共享
func (a *Agent) RequestShare() error {
	return a.relay.RequestShare()
}

// Run 处理信令事件，直到ctx取消或信令连接断开
func (a *Agent) Run(ctx context.Context) error {
	defer a.neg.Close()

	if a.serve {
		if err := a.relay.AnnounceReady(); err != nil {
			return fmt.Errorf("声明可共享失败: %w", err)
		}
		a.logger.Info("等待共享请求")
		defer func() {
			if err := a.relay.ClearReady(); err != nil {
				a.logger.Debug("撤销可共享声明失败", logging.Err(err))
			}
		}()
	}

	events := a.relay.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-events:
			if !ok {
				return ErrRelayClosed
			}
			a.handle(ctx, msg)
		}
	}
}

func (a *Agent) handle(ctx context.Context, msg *protocol.RelayMessage) {
	switch msg.Type {
	case protocol.RelayShareRequested:
		a.logger.Info("收到共享请求", logging.Peer(msg.From))
		if err := a.neg.CreateOffer(ctx, msg.From); err != nil {
			a.logger.Warn("发起共享失败", logging.Peer(msg.From), logging.Err(err))
			if errors.Is(err, negotiator.ErrNoContent) {
				a.reannounce()
			}
		}
	case protocol.RelayWebRTCSignal:
		if err := a.neg.HandleSignal(ctx, msg.From, msg.Signal); err != nil {
			a.logger.Warn("处理信令失败", logging.Peer(msg.From), logging.Err(err))
		}
	case protocol.RelayDeviceDisconnected:
		if a.neg.Disconnect(msg.ID) {
			a.logger.Info("对端已断开，连接已销毁", logging.Peer(msg.ID))
		}
	case protocol.RelayDeviceConnected:
		a.logger.Debug("新端点上线", logging.Peer(msg.ID))
	case protocol.RelayNoSharerAvailable:
		a.logger.Info("没有可共享的端点")
		a.hooks.NoSharerAvailable(a.logger)
	case protocol.RelayNoContentAvailable:
		a.logger.Info("对端没有可共享的内容", logging.Peer(msg.From))
		a.neg.Reset(msg.From)
		a.hooks.NoContentAvailable(a.logger)
	case protocol.RelayError:
		a.logger.Warn("信令服务器返回错误", zap.String("error", msg.Error))
	default:
		a.logger.Debug("忽略未知消息", zap.String("type", msg.Type))
	}
}
