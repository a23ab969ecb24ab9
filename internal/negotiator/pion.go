package negotiator

import (
	"fmt"

	"github.com/pion/webrtc/v3"
)

// PionEngine 基于pion/webrtc的引擎
type PionEngine struct {
	Config webrtc.Configuration
	// API 为nil时使用默认配置
	API *webrtc.API
}

// NewPionEngine 使用给定ICE服务器创建引擎
func NewPionEngine(iceServers []webrtc.ICEServer) *PionEngine {
	return &PionEngine{Config: webrtc.Configuration{ICEServers: iceServers}}
}

func (e *PionEngine) NewPeer() (Peer, error) {
	var (
		pc  *webrtc.PeerConnection
		err error
	)
	if e.API != nil {
		pc, err = e.API.NewPeerConnection(e.Config)
	} else {
		pc, err = webrtc.NewPeerConnection(e.Config)
	}
	if err != nil {
		return nil, fmt.Errorf("创建PeerConnection失败: %w", err)
	}
	return &pionPeer{pc: pc}, nil
}

type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) CreateChannel(label string) (DataChannel, error) {
	// 分块重组依赖有序可靠传输
	ordered := true
	dc, err := p.pc.CreateDataChannel(label, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return nil, fmt.Errorf("创建DataChannel失败: %w", err)
	}
	return &pionChannel{dc: dc}, nil
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) RemoteDescription() *webrtc.SessionDescription {
	return p.pc.RemoteDescription()
}

func (p *pionPeer) SignalingState() webrtc.SignalingState {
	return p.pc.SignalingState()
}

func (p *pionPeer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *pionPeer) OnICECandidate(f func(*webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			f(nil)
			return
		}
		init := c.ToJSON()
		f(&init)
	})
}

func (p *pionPeer) OnDataChannel(f func(DataChannel)) {
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		f(&pionChannel{dc: dc})
	})
}

func (p *pionPeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(f)
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

type pionChannel struct {
	dc *webrtc.DataChannel
}

func (c *pionChannel) Send(data []byte) error {
	return c.dc.Send(data)
}

func (c *pionChannel) BufferedAmount() uint64 {
	return c.dc.BufferedAmount()
}

func (c *pionChannel) SetBufferedAmountLowThreshold(th uint64) {
	c.dc.SetBufferedAmountLowThreshold(th)
}

func (c *pionChannel) OnBufferedAmountLow(f func()) {
	c.dc.OnBufferedAmountLow(f)
}

func (c *pionChannel) Label() string {
	return c.dc.Label()
}

func (c *pionChannel) OnOpen(f func()) {
	c.dc.OnOpen(f)
}

func (c *pionChannel) OnClose(f func()) {
	c.dc.OnClose(f)
}

func (c *pionChannel) OnMessage(f func([]byte)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		f(msg.Data)
	})
}

func (c *pionChannel) Close() error {
	return c.dc.Close()
}
