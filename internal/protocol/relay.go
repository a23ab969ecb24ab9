package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v3"
)

// 信令服务器消息类型
const (
	RelayRegister           = "register"
	RelayRegistered         = "registered"
	RelayShareReady         = "share-ready"
	RelayShareNotReady      = "share-not-ready"
	RelayRequestShare       = "request-share"
	RelayShareRequested     = "share-requested"
	RelayNoSharerAvailable  = "no-sharer-available"
	RelayNoContentAvailable = "no-content-available"
	RelayWebRTCSignal       = "webrtc-signal"
	RelayDeviceConnected    = "device-connected"
	RelayDeviceDisconnected = "device-disconnected"
	RelayListDevices        = "list-devices"
	RelayDevices            = "devices"
	RelayError              = "error"
)

// 信令类型
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "candidate"
)

// RelayMessage 信令服务器消息（WebSocket文本帧，一帧一条）
type RelayMessage struct {
	Type     string            `json:"type"`
	ID       string            `json:"id,omitempty"`
	From     string            `json:"from,omitempty"`
	To       string            `json:"to,omitempty"`
	Signal   *Signal           `json:"signal,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Devices  []Device          `json:"devices,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// Signal 连接协商信令
type Signal struct {
	Type        string                     `json:"type"`
	Description *webrtc.SessionDescription `json:"description,omitempty"`
	Candidate   *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// Device 已连接的端点
type Device struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Ready    bool              `json:"ready"`
}

// OfferSignal 创建offer信令
func OfferSignal(desc webrtc.SessionDescription) *Signal {
	return &Signal{Type: SignalOffer, Description: &desc}
}

// AnswerSignal 创建answer信令
func AnswerSignal(desc webrtc.SessionDescription) *Signal {
	return &Signal{Type: SignalAnswer, Description: &desc}
}

// CandidateSignal 创建candidate信令
func CandidateSignal(candidate webrtc.ICECandidateInit) *Signal {
	return &Signal{Type: SignalCandidate, Candidate: &candidate}
}

// Validate 检查信令字段是否齐全
func (s *Signal) Validate() error {
	switch s.Type {
	case SignalOffer, SignalAnswer:
		if s.Description == nil {
			return fmt.Errorf("%s信令缺少description", s.Type)
		}
	case SignalCandidate:
		if s.Candidate == nil {
			return fmt.Errorf("candidate信令缺少candidate")
		}
	default:
		return fmt.Errorf("未知的信令类型: %s", s.Type)
	}
	return nil
}

// EncodeRelay 编码信令服务器消息
func EncodeRelay(msg *RelayMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeRelay 解码信令服务器消息
func DecodeRelay(data []byte) (*RelayMessage, error) {
	var msg RelayMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("解析消息失败: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("消息缺少type字段")
	}
	return &msg, nil
}
