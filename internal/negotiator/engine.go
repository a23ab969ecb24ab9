package negotiator

import (
	"clipshare/internal/session"

	"github.com/pion/webrtc/v3"
)

// Engine 创建底层直连对象
type Engine interface {
	NewPeer() (Peer, error)
}

// Peer 一个直连对象，*webrtc.PeerConnection的子集
//
// 直连对象在协商失败后不可复用，重置时整体丢弃并重新创建。
type Peer interface {
	CreateChannel(label string) (DataChannel, error)
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	// RemoteDescription 远端描述对引擎可见之前返回nil
	RemoteDescription() *webrtc.SessionDescription
	SignalingState() webrtc.SignalingState
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	// OnICECandidate 本地候选收集完成时以nil调用
	OnICECandidate(f func(*webrtc.ICECandidateInit))
	OnDataChannel(f func(DataChannel))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	Close() error
}

// DataChannel 有序数据通道
type DataChannel interface {
	session.Channel
	Label() string
	OnOpen(f func())
	OnClose(f func())
	OnMessage(f func([]byte))
	Close() error
}
