package negotiator

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"clipshare/internal/session"

	"github.com/pion/webrtc/v3"
)

// MemoryEngine 进程内引擎，同一个MemoryEngine创建的对象之间可以互相协商
//
// 描述中只携带对象编号，answer被应用时两端通过session.NewPipe连接。用于测试和演示。
type MemoryEngine struct {
	// Pipe 数据通道参数
	Pipe session.PipeOptions
	// RemoteDescriptionDelay 远端描述在设置后多久才对RemoteDescription可见
	RemoteDescriptionDelay time.Duration
	// AnswerFailures 前N次CreateAnswer返回错误
	AnswerFailures int32
	// BeforeNewPeer 每次NewPeer开始时调用
	BeforeNewPeer func()

	nextID  atomic.Int64
	created atomic.Int64
	closed  atomic.Int64

	mu    sync.Mutex
	peers map[string]*memPeer
}

var errMemoryClosed = errors.New("内存连接已关闭")

// NewMemoryEngine 创建进程内引擎
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{peers: make(map[string]*memPeer)}
}

func (e *MemoryEngine) NewPeer() (Peer, error) {
	if e.BeforeNewPeer != nil {
		e.BeforeNewPeer()
	}
	p := &memPeer{engine: e, id: fmt.Sprintf("mem-%d", e.nextID.Add(1))}
	e.mu.Lock()
	if e.peers == nil {
		e.peers = make(map[string]*memPeer)
	}
	e.peers[p.id] = p
	e.mu.Unlock()
	e.created.Add(1)
	return p, nil
}

// Created 返回创建过的对象数
func (e *MemoryEngine) Created() int {
	return int(e.created.Load())
}

// Live 返回尚未关闭的对象数
func (e *MemoryEngine) Live() int {
	return int(e.created.Load() - e.closed.Load())
}

func (e *MemoryEngine) lookup(id string) *memPeer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peers[id]
}

func (e *MemoryEngine) failAnswer() bool {
	for {
		n := atomic.LoadInt32(&e.AnswerFailures)
		if n <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(&e.AnswerFailures, n, n-1) {
			return true
		}
	}
}

type memPeer struct {
	engine *MemoryEngine
	id     string

	mu         sync.Mutex
	closed     bool
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	remoteAt   time.Time
	channel    *session.PipeChannel
	remoteEnd  *session.PipeChannel
	candidates int

	onCandidate   func(*webrtc.ICECandidateInit)
	onDataChannel func(DataChannel)
	onState       func(webrtc.PeerConnectionState)
}

func (p *memPeer) CreateChannel(label string) (DataChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errMemoryClosed
	}
	local, remote := session.NewPipe(label, p.engine.Pipe)
	p.channel, p.remoteEnd = local, remote
	return local, nil
}

func (p *memPeer) CreateOffer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webrtc.SessionDescription{}, errMemoryClosed
	}
	if p.channel == nil {
		return webrtc.SessionDescription{}, fmt.Errorf("没有数据通道")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "memory " + p.id}, nil
}

func (p *memPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webrtc.SessionDescription{}, errMemoryClosed
	}
	if p.remote == nil || p.remote.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("没有远端offer")
	}
	if p.engine.failAnswer() {
		return webrtc.SessionDescription{}, fmt.Errorf("模拟的answer创建失败")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "memory " + p.id}, nil
}

func (p *memPeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errMemoryClosed
	}
	p.local = &desc
	cb := p.onCandidate
	p.mu.Unlock()

	if cb != nil {
		go func() {
			cb(&webrtc.ICECandidateInit{Candidate: "candidate:memory " + p.id})
			cb(nil)
		}()
	}
	return nil
}

func (p *memPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if !strings.HasPrefix(desc.SDP, "memory ") {
		return fmt.Errorf("无法解析的描述")
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errMemoryClosed
	}
	p.remote = &desc
	p.remoteAt = time.Now()
	link := desc.Type == webrtc.SDPTypeAnswer && p.local != nil && p.local.Type == webrtc.SDPTypeOffer
	p.mu.Unlock()

	if link {
		return p.link(strings.TrimPrefix(desc.SDP, "memory "))
	}
	return nil
}

// link 发起方应用answer后把数据通道交给应答方并打开
func (p *memPeer) link(answererID string) error {
	other := p.engine.lookup(answererID)
	if other == nil {
		return fmt.Errorf("未知的内存对象 %s", answererID)
	}

	p.mu.Lock()
	local, remote := p.channel, p.remoteEnd
	p.mu.Unlock()

	go func() {
		p.setState(webrtc.PeerConnectionStateConnecting)
		other.setState(webrtc.PeerConnectionStateConnecting)

		other.mu.Lock()
		closed := other.closed
		onDC := other.onDataChannel
		if !closed {
			other.channel = remote
		}
		other.mu.Unlock()
		if closed {
			local.Close()
			return
		}
		if onDC != nil {
			onDC(remote)
		}
		local.Open()

		p.setState(webrtc.PeerConnectionStateConnected)
		other.setState(webrtc.PeerConnectionStateConnected)
	}()
	return nil
}

func (p *memPeer) setState(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	cb := p.onState
	closed := p.closed
	p.mu.Unlock()
	if cb != nil && (!closed || s == webrtc.PeerConnectionStateClosed) {
		cb(s)
	}
}

func (p *memPeer) RemoteDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil || time.Since(p.remoteAt) < p.engine.RemoteDescriptionDelay {
		return nil
	}
	return p.remote
}

func (p *memPeer) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.closed:
		return webrtc.SignalingStateClosed
	case p.local != nil && p.remote == nil && p.local.Type == webrtc.SDPTypeOffer:
		return webrtc.SignalingStateHaveLocalOffer
	case p.remote != nil && p.local == nil && p.remote.Type == webrtc.SDPTypeOffer:
		return webrtc.SignalingStateHaveRemoteOffer
	default:
		return webrtc.SignalingStateStable
	}
}

func (p *memPeer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if p.RemoteDescription() == nil {
		return fmt.Errorf("远端描述尚未设置")
	}
	p.mu.Lock()
	p.candidates++
	p.mu.Unlock()
	return nil
}

// Candidates 返回已应用的远端候选数
func (p *memPeer) Candidates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.candidates
}

func (p *memPeer) OnICECandidate(f func(*webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onCandidate = f
	p.mu.Unlock()
}

func (p *memPeer) OnDataChannel(f func(DataChannel)) {
	p.mu.Lock()
	p.onDataChannel = f
	p.mu.Unlock()
}

func (p *memPeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = f
	p.mu.Unlock()
}

func (p *memPeer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	ch := p.channel
	p.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	p.engine.mu.Lock()
	delete(p.engine.peers, p.id)
	p.engine.mu.Unlock()
	p.engine.closed.Add(1)
	p.setState(webrtc.PeerConnectionStateClosed)
	return nil
}
