package signaling

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"clipshare/internal/logging"
	"clipshare/internal/protocol"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ClientConfig 信令客户端参数
type ClientConfig struct {
	URL      string
	Metadata map[string]string
	// QueueSize 发送队列长度
	QueueSize    int
	WriteTimeout time.Duration
	Dialer       *websocket.Dialer
	Logger       *zap.Logger
}

// Client 信令客户端
//
// 除registered和devices应答外，服务器发来的消息按到达顺序投递到Events。
type Client struct {
	cfg    ClientConfig
	conn   *websocket.Conn
	logger *zap.Logger

	send       chan []byte
	events     chan *protocol.RelayMessage
	registered chan string
	devices    chan []protocol.Device

	quit       chan struct{}
	writerDone chan struct{}
	done       chan struct{}
	closeOnce  sync.Once

	mu  sync.Mutex
	id  string
	err error
}

// NormalizeURL 补全ws协议和/ws路径
func NormalizeURL(serverURL string) (string, error) {
	if !strings.Contains(serverURL, "://") {
		serverURL = "ws://" + serverURL
	}
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("解析服务器URL失败: %w", err)
	}

	// 确保使用WebSocket协议
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("不支持的协议: %s", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

// Dial 连接信令服务器
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	target, err := NormalizeURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("连接信令服务器失败: %w", err)
	}

	c := &Client{
		cfg:        cfg,
		conn:       conn,
		logger:     logging.OrGlobal(cfg.Logger).With(zap.String("component", "signaling-client")),
		send:       make(chan []byte, cfg.QueueSize),
		events:     make(chan *protocol.RelayMessage, cfg.QueueSize),
		registered: make(chan string, 1),
		devices:    make(chan []protocol.Device, 1),
		quit:       make(chan struct{}),
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}

	go c.readPump()
	go c.writePump()

	c.logger.Debug("已连接信令服务器", zap.String("url", target))
	return c, nil
}

// readPump 读取消息
func (c *Client) readPump() {
	defer func() {
		close(c.events)
		close(c.done)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.setErr(err)
			return
		}

		msg, err := protocol.DecodeRelay(data)
		if err != nil {
			c.logger.Warn("解析消息失败", logging.Err(err))
			continue
		}

		switch msg.Type {
		case protocol.RelayRegistered:
			c.mu.Lock()
			c.id = msg.ID
			c.mu.Unlock()
			select {
			case c.registered <- msg.ID:
			default:
			}
			continue
		case protocol.RelayDevices:
			select {
			case c.devices <- msg.Devices:
			default:
			}
			continue
		}

		select {
		case c.events <- msg:
		case <-c.quit:
			return
		}
	}
}

// writePump 发送消息
func (c *Client) writePump() {
	defer close(c.writerDone)

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.setErr(fmt.Errorf("发送消息失败: %w", err))
				c.conn.Close()
				return
			}
		case <-c.quit:
			c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-c.done:
			return
		}
	}
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// enqueue 发送消息，不阻塞
func (c *Client) enqueue(msg *protocol.RelayMessage) error {
	select {
	case <-c.quit:
		return ErrClosed
	case <-c.done:
		return ErrClosed
	default:
	}
	data, err := protocol.EncodeRelay(msg)
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.logger.Warn("发送队列已满，丢弃消息", zap.String("type", msg.Type))
		return ErrSendQueueFull
	}
}

// enqueueRegistered 只有注册后才能发送的消息
func (c *Client) enqueueRegistered(msg *protocol.RelayMessage) error {
	if c.ID() == "" {
		return ErrNotRegistered
	}
	return c.enqueue(msg)
}

// Register 注册并返回服务器分配的标识
func (c *Client) Register(ctx context.Context) (string, error) {
	if err := c.enqueue(&protocol.RelayMessage{Type: protocol.RelayRegister, Metadata: c.cfg.Metadata}); err != nil {
		return "", err
	}
	select {
	case id := <-c.registered:
		c.logger.Info("已注册到信令服务器", zap.String("self", id))
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.done:
		return "", c.closedErr()
	}
}

// ID 服务器分配的标识，未注册时为空
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Events 服务器推送的消息，连接断开后关闭
func (c *Client) Events() <-chan *protocol.RelayMessage {
	return c.events
}

// AnnounceReady 声明本端可以共享
func (c *Client) AnnounceReady() error {
	return c.enqueueRegistered(&protocol.RelayMessage{Type: protocol.RelayShareReady})
}

// ClearReady 撤销可共享声明
func (c *Client) ClearReady() error {
	return c.enqueueRegistered(&protocol.RelayMessage{Type: protocol.RelayShareNotReady})
}

// RequestShare 请求一个可共享的端点向本端发送内容
func (c *Client) RequestShare() error {
	return c.enqueueRegistered(&protocol.RelayMessage{Type: protocol.RelayRequestShare})
}

// SendSignal 经服务器把协商信令发给对端
func (c *Client) SendSignal(to string, signal *protocol.Signal) error {
	return c.enqueueRegistered(&protocol.RelayMessage{Type: protocol.RelayWebRTCSignal, To: to, Signal: signal})
}

// NotifyNoContent 告诉请求方本端没有可共享的内容
func (c *Client) NotifyNoContent(to string) error {
	return c.enqueueRegistered(&protocol.RelayMessage{Type: protocol.RelayNoContentAvailable, To: to})
}

// ListDevices 列出服务器上的端点，结果仅供参考
func (c *Client) ListDevices(ctx context.Context) ([]protocol.Device, error) {
	if err := c.enqueue(&protocol.RelayMessage{Type: protocol.RelayListDevices}); err != nil {
		return nil, err
	}
	select {
	case devices := <-c.devices:
		return devices, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.closedErr()
	}
}

// Done 连接断开后关闭
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err 连接断开的原因
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) closedErr() error {
	if err := c.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return ErrClosed
}

// Close 关闭连接
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.quit)
		<-c.writerDone
		c.conn.Close()
		<-c.done
	})
	return nil
}
