// Package signaling 实现信令服务器及其客户端
//
// 服务器只做登记和转发：为每个连接分配标识，记录可共享标志，把消息转发给指定端点。
package signaling

import (
	"errors"
	"fmt"
	"sync"

	"clipshare/internal/logging"
	"clipshare/internal/metrics"
	"clipshare/internal/protocol"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNotRegistered     = errors.New("尚未注册")
	ErrAlreadyRegistered = errors.New("已经注册")
	ErrSendQueueFull     = errors.New("发送队列已满")
	ErrClosed            = errors.New("信令连接已关闭")
	ErrUnknownDevice     = errors.New("目标端点不存在")
)

// outbox 端点的发送队列，满时返回false
type outbox interface {
	enqueue(data []byte) bool
}

type member struct {
	id       string
	metadata map[string]string
	ready    bool
	out      outbox
}

// Hub 已注册端点的登记表，按注册顺序保存
type Hub struct {
	mu      sync.Mutex
	members map[string]*member
	order   []string
	logger  *zap.Logger
}

// NewHub 创建登记表
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		members: make(map[string]*member),
		logger:  logging.OrGlobal(logger),
	}
}

// Register 登记端点并返回新分配的标识，同时通知其他端点
func (h *Hub) Register(out outbox, metadata map[string]string) string {
	id := uuid.NewString()

	h.mu.Lock()
	h.members[id] = &member{id: id, metadata: metadata, out: out}
	h.order = append(h.order, id)
	n := len(h.members)
	h.mu.Unlock()

	metrics.SetRelayEndpoints(n)
	h.logger.Info("端点已注册", logging.Peer(id), zap.Int("endpoints", n))
	h.Broadcast(&protocol.RelayMessage{
		Type:     protocol.RelayDeviceConnected,
		ID:       id,
		Metadata: metadata,
	}, id)
	return id
}

// Remove 移除端点并广播断开通知
func (h *Hub) Remove(id string) bool {
	h.mu.Lock()
	if _, ok := h.members[id]; !ok {
		h.mu.Unlock()
		return false
	}
	delete(h.members, id)
	for i, v := range h.order {
		if v == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	n := len(h.members)
	h.mu.Unlock()

	metrics.SetRelayEndpoints(n)
	h.logger.Info("端点已断开", logging.Peer(id), zap.Int("endpoints", n))
	h.Broadcast(&protocol.RelayMessage{Type: protocol.RelayDeviceDisconnected, ID: id}, id)
	return true
}

// SetReady 设置端点的可共享标志
func (h *Hub) SetReady(id string, ready bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.members[id]
	if !ok {
		return ErrNotRegistered
	}
	m.ready = ready
	return nil
}

// PickSharer 按注册顺序选出第一个可共享且不是请求方的端点
//
// 选中的端点不会被占用，并发请求可能选中同一个端点。
func (h *Hub) PickSharer(requester string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range h.order {
		if id == requester {
			continue
		}
		if m := h.members[id]; m != nil && m.ready {
			return id, true
		}
	}
	return "", false
}

// Route 把消息发给指定端点
func (h *Hub) Route(to string, msg *protocol.RelayMessage) error {
	h.mu.Lock()
	m, ok := h.members[to]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, to)
	}
	return h.deliver(m, msg)
}

// Broadcast 把消息发给除except以外的所有端点
func (h *Hub) Broadcast(msg *protocol.RelayMessage, except string) {
	h.mu.Lock()
	targets := make([]*member, 0, len(h.members))
	for _, id := range h.order {
		if id != except {
			targets = append(targets, h.members[id])
		}
	}
	h.mu.Unlock()

	for _, m := range targets {
		if err := h.deliver(m, msg); err != nil {
			h.logger.Debug("广播失败", logging.Peer(m.id), logging.Err(err))
		}
	}
}

// List 返回所有端点，按注册顺序
func (h *Hub) List() []protocol.Device {
	h.mu.Lock()
	defer h.mu.Unlock()
	devices := make([]protocol.Device, 0, len(h.order))
	for _, id := range h.order {
		m := h.members[id]
		devices = append(devices, protocol.Device{ID: m.id, Metadata: m.metadata, Ready: m.ready})
	}
	return devices
}

// Len 已注册端点数
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.members)
}

func (h *Hub) deliver(m *member, msg *protocol.RelayMessage) error {
	data, err := protocol.EncodeRelay(msg)
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}
	if !m.out.enqueue(data) {
		h.logger.Warn("端点发送队列已满，断开连接", logging.Peer(m.id), zap.String("type", msg.Type))
		return fmt.Errorf("%w: %s", ErrSendQueueFull, m.id)
	}
	return nil
}
