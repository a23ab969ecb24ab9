package negotiator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"clipshare/internal/clipboard"
	"clipshare/internal/logging"
	"clipshare/internal/metrics"
	"clipshare/internal/protocol"
	"clipshare/internal/session"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Role 协商角色
type Role int

const (
	RoleNone Role = iota
	// RoleInitiator 发起offer并发送内容的一方
	RoleInitiator
	// RoleResponder 应答offer并接收内容的一方
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "none"
	}
}

var errChannelClosed = errors.New("数据通道已关闭")

type pendingCandidate struct {
	init     webrtc.ICECandidateInit
	attempts int
}

// Connection 与一个对端的直连
//
// 协商操作和底层回调都投递到串行队列中执行。底层对象的回调带有创建时的代号，
// 重置后旧代号的回调被丢弃。
type Connection struct {
	peerID string
	n      *Negotiator
	logger *zap.Logger

	qmu      sync.Mutex
	queue    []func()
	notify   chan struct{}
	quit     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	resetting atomic.Bool
	gen       atomic.Uint64

	// 以下字段只在队列中访问
	peer           Peer
	role           Role
	state          State
	content        clipboard.Content
	pending        []pendingCandidate
	connectTimer   *time.Timer
	retryScheduled bool
	closing        bool

	mu             sync.Mutex
	channel        DataChannel
	endpoint       *session.Endpoint
	transferCancel context.CancelCauseFunc
}

func newConnection(n *Negotiator, peerID string) *Connection {
	c := &Connection{
		peerID:  peerID,
		n:       n,
		logger:  n.logger.With(logging.Peer(peerID)),
		notify:  make(chan struct{}, 1),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go c.run()
	return c
}

// PeerID 对端标识
func (c *Connection) PeerID() string {
	return c.peerID
}

func (c *Connection) run() {
	defer close(c.stopped)
	for {
		select {
		case <-c.quit:
			return
		case <-c.notify:
		}
		for fn := c.next(); fn != nil; fn = c.next() {
			c.exec(fn)
		}
	}
}

func (c *Connection) next() func() {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	fn := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	return fn
}

func (c *Connection) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("连接处理panic", zap.Any("panic", r))
		}
	}()
	fn()
}

// post 投递到队列，不阻塞
func (c *Connection) post(fn func()) {
	c.qmu.Lock()
	c.queue = append(c.queue, fn)
	c.qmu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// do 投递到队列并等待执行完成
func (c *Connection) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	c.post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrClosed
	}
}

// State 当前状态
func (c *Connection) State() State {
	var s State = StateClosed
	c.do(context.Background(), func() { s = c.state })
	return s
}

// Role 当前角色
func (c *Connection) Role() Role {
	var r Role
	c.do(context.Background(), func() { r = c.role })
	return r
}

// Reset 拆除并重新初始化连接，进行中的会话以ErrReset失败
//
// 已有重置在进行时直接返回。
func (c *Connection) Reset() {
	if !c.resetting.CompareAndSwap(false, true) {
		return
	}
	defer c.resetting.Store(false)
	c.do(context.Background(), func() { c.resetLocked(ErrReset) })
}

// resetIf 仅当连接仍是gen代时重置
func (c *Connection) resetIf(gen uint64) {
	if !c.resetting.CompareAndSwap(false, true) {
		return
	}
	defer c.resetting.Store(false)
	c.do(context.Background(), func() {
		if c.gen.Load() == gen {
			c.resetLocked(ErrReset)
		}
	})
}

// shutdown 拆除连接并停止队列，不再重新初始化
func (c *Connection) shutdown(cause error) {
	c.do(context.Background(), func() {
		c.closing = true
		c.teardown(cause)
	})
	c.stopOnce.Do(func() { close(c.quit) })
	<-c.stopped
}

func (c *Connection) resetLocked(cause error) {
	if c.state == StateClosed {
		c.teardown(cause)
		c.reinit()
		return
	}
	c.fire(EventReset, cause)
}

// ensurePeer 按需创建底层对象
func (c *Connection) ensurePeer() error {
	if c.peer != nil {
		return nil
	}
	if c.closing {
		return ErrClosed
	}
	p, err := c.n.engine.NewPeer()
	if err != nil {
		return err
	}
	c.peer = p
	c.wirePeer(p, c.gen.Load())
	return nil
}

func (c *Connection) wirePeer(p Peer, gen uint64) {
	p.OnICECandidate(func(init *webrtc.ICECandidateInit) {
		if init == nil {
			return
		}
		candidate := *init
		c.post(func() {
			if c.gen.Load() != gen {
				return
			}
			if err := c.n.signaler.SendSignal(c.peerID, protocol.CandidateSignal(candidate)); err != nil {
				c.logger.Debug("发送候选失败", logging.Err(err))
			}
		})
	})

	p.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.post(func() {
			if c.gen.Load() != gen {
				return
			}
			c.logger.Debug("连接状态变化", zap.String("state", s.String()))
			switch s {
			case webrtc.PeerConnectionStateConnecting:
				c.fire(EventTransportConnecting, nil)
			case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
				c.fire(EventFailed, fmt.Errorf("%w: 连接状态 %s", ErrNegotiation, s))
			}
		})
	})

	// 必须在回调中同步挂接，数据通道打开后的消息才不会丢失
	p.OnDataChannel(func(dc DataChannel) {
		c.attachChannel(dc, gen)
	})
}

// attachChannel 在数据通道上创建session.Endpoint
//
// 代号在c.mu下复核：teardown先增加代号再取走通道，过期的通道不会被保存。
func (c *Connection) attachChannel(dc DataChannel, gen uint64) {
	if c.gen.Load() != gen {
		c.closeStale(dc, nil)
		return
	}
	ep := session.NewEndpoint(dc, session.Config{
		Options:   c.n.opts.Session,
		Clipboard: c.n.clip,
		Sinks:     c.n.sinks,
		Hooks:     c.sessionHooks(gen),
		Logger:    c.logger,
	})
	dc.OnMessage(ep.HandleMessage)
	dc.OnOpen(func() {
		c.post(func() {
			if c.gen.Load() == gen {
				c.fire(EventChannelOpen, nil)
			}
		})
	})
	dc.OnClose(func() {
		ep.Close(session.ErrClosed)
		c.post(func() {
			if c.gen.Load() == gen {
				c.fire(EventFailed, errChannelClosed)
			}
		})
	})

	c.mu.Lock()
	if c.gen.Load() != gen {
		c.mu.Unlock()
		c.closeStale(dc, ep)
		return
	}
	old := c.endpoint
	c.channel = dc
	c.endpoint = ep
	c.mu.Unlock()
	if old != nil {
		old.Close(ErrReset)
	}
}

// closeStale 关闭属于旧代号的数据通道
func (c *Connection) closeStale(dc DataChannel, ep *session.Endpoint) {
	c.logger.Debug("丢弃过期的数据通道", zap.String("label", dc.Label()))
	if ep != nil {
		ep.Close(ErrReset)
	}
	if err := dc.Close(); err != nil {
		c.logger.Debug("关闭数据通道失败", logging.Err(err))
	}
}

// sessionHooks 接收结束后重置连接
func (c *Connection) sessionHooks(gen uint64) session.Hooks {
	h := c.n.hooks
	received, failed, cancelled := h.OnContentReceived, h.OnDownloadFailed, h.OnCancelled
	h.OnContentReceived = func(content clipboard.Content) {
		if received != nil {
			received(content)
		}
		go c.resetIf(gen)
	}
	h.OnDownloadFailed = func(reason string) {
		if failed != nil {
			failed(reason)
		}
		go c.resetIf(gen)
	}
	h.OnCancelled = func(id, reason string) {
		if cancelled != nil {
			cancelled(id, reason)
		}
		go c.resetIf(gen)
	}
	return h
}

// fire 执行一次状态迁移及其副作用
func (c *Connection) fire(ev Event, cause error) {
	prev := c.state
	next, effects, ok := Transition(prev, ev)
	if !ok {
		c.logger.Debug("忽略事件", zap.Stringer("state", prev), zap.Stringer("event", ev))
		return
	}
	c.state = next
	if next != prev {
		c.logger.Debug("状态迁移", zap.Stringer("from", prev), zap.Stringer("to", next), zap.Stringer("event", ev))
	}
	if next == StateClosed && prev != StateOpen && ev != EventReset {
		c.reportFailure(ev, cause)
	}
	for _, eff := range effects {
		c.apply(eff, cause)
	}
}

func (c *Connection) apply(eff Effect, cause error) {
	switch eff {
	case EffectStartConnectTimer:
		if c.connectTimer != nil {
			c.connectTimer.Stop()
		}
		gen := c.gen.Load()
		c.connectTimer = time.AfterFunc(c.n.opts.ConnectTimeout, func() {
			c.post(func() {
				if c.gen.Load() == gen {
					c.fire(EventTimeout, ErrConnectTimeout)
				}
			})
		})
	case EffectStopConnectTimer:
		if c.connectTimer != nil {
			c.connectTimer.Stop()
			c.connectTimer = nil
		}
	case EffectStartTransfer:
		metrics.RecordNegotiation(c.role.String(), "open")
		c.logger.Info("数据通道已打开", zap.Stringer("role", c.role))
		if c.role == RoleInitiator {
			c.startTransfer()
		}
	case EffectTeardown:
		if cause == nil {
			cause = ErrReset
		}
		c.teardown(cause)
		c.reinit()
	}
}

// reportFailure 数据通道打开前的失败通过hooks报告
func (c *Connection) reportFailure(ev Event, cause error) {
	if c.role == RoleNone {
		return
	}
	if cause == nil {
		cause = ErrNegotiation
	}
	outcome := "failed"
	if ev == EventTimeout {
		outcome = "timeout"
	}
	metrics.RecordNegotiation(c.role.String(), outcome)
	c.logger.Warn("连接协商失败", zap.Stringer("role", c.role), logging.Err(cause))

	switch c.role {
	case RoleInitiator:
		c.n.hooks.ShareFailed(c.logger, cause)
	case RoleResponder:
		c.n.hooks.DownloadFailed(c.logger, cause.Error())
	}
}

// teardown 关闭数据通道和底层对象，清空队列
func (c *Connection) teardown(cause error) {
	c.gen.Add(1)
	if c.connectTimer != nil {
		c.connectTimer.Stop()
		c.connectTimer = nil
	}

	c.mu.Lock()
	ch, ep, cancel := c.channel, c.endpoint, c.transferCancel
	c.channel, c.endpoint, c.transferCancel = nil, nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel(cause)
	}
	if ep != nil {
		ep.Close(cause)
	}
	if ch != nil {
		if err := ch.Close(); err != nil {
			c.logger.Debug("关闭数据通道失败", logging.Err(err))
		}
	}
	if c.peer != nil {
		if err := c.peer.Close(); err != nil {
			c.logger.Debug("关闭连接失败", logging.Err(err))
		}
		c.peer = nil
	}

	c.pending = nil
	c.retryScheduled = false
	c.role = RoleNone
	c.content = clipboard.Content{}
	c.state = StateClosed
}

// reinit 创建新的底层对象，连接立即可复用
func (c *Connection) reinit() {
	if c.closing {
		return
	}
	c.state = StateNew
	if err := c.ensurePeer(); err != nil {
		c.logger.Error("重新创建连接失败", logging.Err(err))
	}
}

// offer 发起方：创建数据通道和offer并发出
func (c *Connection) offer(content clipboard.Content) error {
	c.resetLocked(ErrReset)
	if err := c.ensurePeer(); err != nil {
		return fmt.Errorf("%w: %v", ErrNegotiation, err)
	}
	c.role = RoleInitiator
	c.content = content

	ch, err := c.peer.CreateChannel(c.n.opts.Label)
	if err != nil {
		return c.fail(fmt.Errorf("%w: %v", ErrNegotiation, err))
	}
	c.attachChannel(ch, c.gen.Load())

	offer, err := c.peer.CreateOffer()
	if err != nil {
		return c.fail(fmt.Errorf("%w: 创建Offer失败: %v", ErrNegotiation, err))
	}
	if err := c.peer.SetLocalDescription(offer); err != nil {
		return c.fail(fmt.Errorf("%w: 设置LocalDescription失败: %v", ErrNegotiation, err))
	}
	// 本地候选经队列发出，一定排在offer之后
	if err := c.n.signaler.SendSignal(c.peerID, protocol.OfferSignal(offer)); err != nil {
		return c.fail(fmt.Errorf("发送offer失败: %w", err))
	}
	c.fire(EventOfferSent, nil)
	c.logger.Info("offer已发送", zap.String("kind", content.Kind.String()))
	return nil
}

// answer 应答方：应用offer，等待远端描述可见后处理候选并回复answer
func (c *Connection) answer(desc webrtc.SessionDescription) error {
	c.resetLocked(ErrReset)
	if err := c.ensurePeer(); err != nil {
		return fmt.Errorf("%w: %v", ErrNegotiation, err)
	}
	c.role = RoleResponder

	if err := c.peer.SetRemoteDescription(desc); err != nil {
		return c.fail(fmt.Errorf("%w: 设置RemoteDescription失败: %v", ErrNegotiation, err))
	}
	c.fire(EventOfferApplied, nil)
	if err := c.waitRemoteDescription(); err != nil {
		return c.fail(err)
	}
	c.flushCandidates()

	var (
		answer webrtc.SessionDescription
		err    error
	)
	for attempt := 1; attempt <= c.n.opts.AnswerAttempts; attempt++ {
		answer, err = c.peer.CreateAnswer()
		if err == nil {
			err = c.peer.SetLocalDescription(answer)
		}
		if err == nil {
			break
		}
		c.logger.Warn("创建answer失败", zap.Int("attempt", attempt), logging.Err(err))
		if attempt < c.n.opts.AnswerAttempts {
			time.Sleep(c.n.opts.AnswerBackoff * time.Duration(attempt))
		}
	}
	if err != nil {
		return c.fail(fmt.Errorf("%w: 创建answer失败: %v", ErrNegotiation, err))
	}

	if err := c.n.signaler.SendSignal(c.peerID, protocol.AnswerSignal(answer)); err != nil {
		return c.fail(fmt.Errorf("发送answer失败: %w", err))
	}
	c.fire(EventAnswerSent, nil)
	c.logger.Info("answer已发送")
	return nil
}

// applyAnswer 发起方：只在本地offer已设置且尚无远端描述时应用
func (c *Connection) applyAnswer(desc webrtc.SessionDescription) error {
	if c.role != RoleInitiator || c.peer == nil || c.peer.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		c.logger.Debug("忽略answer", zap.Stringer("role", c.role), zap.Stringer("state", c.state))
		return nil
	}
	if err := c.peer.SetRemoteDescription(desc); err != nil {
		return c.fail(fmt.Errorf("%w: 设置RemoteDescription失败: %v", ErrNegotiation, err))
	}
	c.fire(EventAnswerApplied, nil)
	c.flushCandidates()
	return nil
}

// waitRemoteDescription 设置远端描述是异步生效的，轮询直到可见
func (c *Connection) waitRemoteDescription() error {
	deadline := time.Now().Add(c.n.opts.RemoteDescriptionTimeout)
	for c.peer.RemoteDescription() == nil {
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: 远端描述在 %s 内未生效", ErrNegotiation, c.n.opts.RemoteDescriptionTimeout)
		}
		time.Sleep(c.n.opts.RemoteDescriptionPoll)
	}
	return nil
}

func (c *Connection) fail(err error) error {
	c.fire(EventFailed, err)
	return err
}

// addCandidate 远端描述未生效时排队，应用失败时重新排队
func (c *Connection) addCandidate(candidate webrtc.ICECandidateInit) {
	if c.peer == nil || c.peer.RemoteDescription() == nil {
		c.pending = append(c.pending, pendingCandidate{init: candidate})
		return
	}
	if err := c.peer.AddICECandidate(candidate); err != nil {
		c.logger.Debug("应用候选失败，稍后重试", logging.Err(err))
		c.pending = append(c.pending, pendingCandidate{init: candidate, attempts: 1})
		c.scheduleFlush()
	}
}

func (c *Connection) flushCandidates() {
	if len(c.pending) == 0 {
		return
	}
	if c.peer == nil || c.peer.RemoteDescription() == nil {
		c.scheduleFlush()
		return
	}

	queued := c.pending
	c.pending = nil
	for _, p := range queued {
		if err := c.peer.AddICECandidate(p.init); err != nil {
			p.attempts++
			if p.attempts >= c.n.opts.CandidateAttempts {
				c.logger.Warn("放弃应用候选", zap.Int("attempts", p.attempts), logging.Err(err))
				continue
			}
			c.pending = append(c.pending, p)
		}
	}
	if len(c.pending) > 0 {
		c.scheduleFlush()
	}
}

func (c *Connection) scheduleFlush() {
	if c.retryScheduled {
		return
	}
	c.retryScheduled = true
	gen := c.gen.Load()
	time.AfterFunc(c.n.opts.CandidateRetryInterval, func() {
		c.post(func() {
			if c.gen.Load() != gen {
				return
			}
			c.retryScheduled = false
			c.flushCandidates()
		})
	})
}

// startTransfer 发起方在数据通道打开后发送内容
func (c *Connection) startTransfer() {
	ctx, cancel := context.WithCancelCause(context.Background())
	c.mu.Lock()
	ep, ch := c.endpoint, c.channel
	c.transferCancel = cancel
	c.mu.Unlock()
	if ep == nil || ch == nil {
		cancel(ErrReset)
		return
	}
	go c.transfer(ctx, cancel, c.gen.Load(), ep, ch, c.content)
}

func (c *Connection) transfer(ctx context.Context, cancel context.CancelCauseFunc, gen uint64, ep *session.Endpoint, ch DataChannel, content clipboard.Content) {
	defer cancel(nil)

	start := time.Now()
	c.logger.Info("开始发送", zap.String("kind", content.Kind.String()))
	err := ep.Send(ctx, content)
	if err == nil && content.Kind == clipboard.KindText {
		c.linger(ep, ch)
	}

	if err != nil {
		c.logger.Warn("发送失败", logging.Err(err))
		c.n.hooks.ShareFailed(c.logger, err)
	} else {
		c.logger.Info("发送完成", logging.Duration("elapsed", time.Since(start)))
		c.n.hooks.ShareComplete(c.logger)
	}
	c.resetIf(gen)
}

// linger 文本没有确认，等缓冲发完并给对端留出关闭连接的时间
func (c *Connection) linger(ep *session.Endpoint, ch DataChannel) {
	deadline := time.Now().Add(c.n.opts.Session.DrainTimeout)
	for ch.BufferedAmount() > 0 && time.Now().Before(deadline) {
		select {
		case <-ep.Done():
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
	select {
	case <-ep.Done():
	case <-time.After(c.n.opts.Linger):
	}
}
