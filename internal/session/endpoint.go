package session

import (
	"sync"

	"clipshare/internal/clipboard"
	"clipshare/internal/logging"
	"clipshare/internal/protocol"

	"go.uber.org/zap"
)

// Channel 有序可靠的数据通道，*webrtc.DataChannel满足该接口
type Channel interface {
	Send(data []byte) error
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(th uint64)
	OnBufferedAmountLow(f func())
}

// Config 创建Endpoint的参数
type Config struct {
	Options   Options
	Clipboard clipboard.Adapter
	Sinks     SinkOpener
	Hooks     Hooks
	Logger    *zap.Logger
}

// inboundItem 接收队列中的一项：对端消息或会话空闲超时
type inboundItem struct {
	msg     protocol.Message
	timeout string
}

// Endpoint 一条数据通道上的会话复用器
//
// 一个Endpoint可以同时有发送会话和接收会话，按sessionId区分。
// 接收方向的消息由单个协程按到达顺序处理；ready/ack以及针对发送会话的cancel
// 直接投递给等待中的发送协程。
type Endpoint struct {
	ch     Channel
	opts   Options
	clip   clipboard.Adapter
	sinks  SinkOpener
	hooks  Hooks
	logger *zap.Logger

	drained chan struct{}
	inbox   chan inboundItem
	done    chan struct{}
	stopped chan struct{}

	mu       sync.Mutex
	closed   bool
	closeErr error
	outbound map[string]*outboundSession
	inbound  map[string]*inboundSession

	// 只在接收协程中访问
	texts map[string]*textAssembly
}

// NewEndpoint 在通道上创建Endpoint并启动接收协程
func NewEndpoint(ch Channel, cfg Config) *Endpoint {
	opts := cfg.Options.WithDefaults()
	sinks := cfg.Sinks
	if sinks == nil {
		sinks = MemorySinks{}
	}
	clip := cfg.Clipboard
	if clip == nil {
		clip = clipboard.NewMemory(clipboard.Content{})
	}

	e := &Endpoint{
		ch:       ch,
		opts:     opts,
		clip:     clip,
		sinks:    sinks,
		hooks:    cfg.Hooks,
		logger:   logging.OrGlobal(cfg.Logger),
		drained:  make(chan struct{}, 1),
		inbox:    make(chan inboundItem, 1024),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		outbound: make(map[string]*outboundSession),
		inbound:  make(map[string]*inboundSession),
		texts:    make(map[string]*textAssembly),
	}

	ch.SetBufferedAmountLowThreshold(opts.LowWaterMark)
	ch.OnBufferedAmountLow(func() {
		select {
		case e.drained <- struct{}{}:
		default:
		}
	})

	go e.run()
	return e
}

// HandleMessage 处理对端发来的一条消息，由数据通道的OnMessage调用
//
// 接收队列满时阻塞，背压传回数据通道。
func (e *Endpoint) HandleMessage(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		e.logger.Warn("丢弃无法解析的消息", logging.Err(err))
		return
	}

	switch m := msg.(type) {
	case protocol.Unrecognized:
		e.logger.Debug("忽略未知消息",
			zap.Int("version", m.Version),
			zap.String("kind", string(m.RawKind)),
			zap.String("type", m.RawType))
		return
	case protocol.FilesReady:
		if s := e.outboundSession(m.SessionID); s != nil {
			s.markReady()
		} else {
			e.logger.Debug("收到未知会话的ready", logging.Session(m.SessionID))
		}
		return
	case protocol.Ack:
		if s := e.outboundSession(m.SessionID); s != nil {
			s.ack(m)
		} else {
			e.logger.Debug("收到未知会话的ack", logging.Session(m.SessionID))
		}
		return
	case protocol.FilesCancel:
		if s := e.outboundSession(m.SessionID); s != nil {
			s.cancelByPeer(m.Reason)
			return
		}
		if in := e.inboundSession(m.SessionID); in != nil {
			// 先取消上下文，解除可能正在进行的保存位置选择
			in.remoteCancel(m.Reason)
		}
	}

	e.enqueue(inboundItem{msg: msg})
}

func (e *Endpoint) enqueue(item inboundItem) {
	select {
	case e.inbox <- item:
	case <-e.done:
	}
}

// run 接收协程
func (e *Endpoint) run() {
	defer close(e.stopped)
	for {
		select {
		case <-e.done:
			e.cleanup()
			return
		case item := <-e.inbox:
			if e.isClosed() {
				e.cleanup()
				return
			}
			e.handleInbound(item)
		}
	}
}

// Close 关闭Endpoint，进行中的会话以reason失败
//
// 可重复调用。接收会话的写入端由接收协程清理，Done()在清理完成后关闭。
func (e *Endpoint) Close(reason error) {
	if reason == nil {
		reason = ErrClosed
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.closeErr = reason
	inbound := make([]*inboundSession, 0, len(e.inbound))
	for _, in := range e.inbound {
		inbound = append(inbound, in)
	}
	e.mu.Unlock()

	for _, in := range inbound {
		in.cancel()
	}
	close(e.done)
}

// Done 接收协程退出且资源清理完成后关闭
func (e *Endpoint) Done() <-chan struct{} {
	return e.stopped
}

// Err 返回关闭原因，未关闭时为nil
func (e *Endpoint) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeErr
}

func (e *Endpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// send 编码并发送一条消息
func (e *Endpoint) send(msg protocol.Message) error {
	if err := e.Err(); err != nil {
		return err
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return e.ch.Send(data)
}

func (e *Endpoint) sendCancel(sessionID, reason string) {
	if e.isClosed() {
		return
	}
	if err := e.send(protocol.FilesCancel{SessionID: sessionID, Reason: reason}); err != nil {
		e.logger.Debug("发送cancel失败", logging.Session(sessionID), logging.Err(err))
	}
}

func (e *Endpoint) outboundSession(id string) *outboundSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outbound[id]
}

func (e *Endpoint) inboundSession(id string) *inboundSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inbound[id]
}

// Sessions 返回进行中的发送和接收会话数
func (e *Endpoint) Sessions() (outbound, inbound int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.outbound), len(e.inbound)
}

// cleanup 关闭后释放所有接收会话，在接收协程中执行
func (e *Endpoint) cleanup() {
	e.mu.Lock()
	inbound := make([]*inboundSession, 0, len(e.inbound))
	for id, in := range e.inbound {
		inbound = append(inbound, in)
		delete(e.inbound, id)
	}
	reason := e.closeErr
	e.mu.Unlock()

	for _, in := range inbound {
		in.discard(e.logger)
		in.status = StatusFailed
		e.logger.Info("连接关闭，丢弃未完成的接收", logging.Session(in.id), logging.Err(reason))
		e.hooks.downloadFailed(e.logger, reason.Error())
	}
	e.texts = make(map[string]*textAssembly)
}
