package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"clipshare/internal/logging"
	"clipshare/internal/metrics"
	"clipshare/internal/protocol"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ServerConfig 信令服务器参数
type ServerConfig struct {
	// QueueSize 每个端点的发送队列长度，溢出时断开该端点
	QueueSize int
	// PingInterval 心跳间隔，必须小于ReadTimeout
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// MaxMessageSize 单条消息的最大字节数
	MaxMessageSize int64
	Logger         *zap.Logger
}

// DefaultServerConfig 默认服务器参数
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		QueueSize:      256,
		PingInterval:   54 * time.Second,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 1 << 20,
	}
}

// Server 信令服务器
type Server struct {
	hub      *Hub
	cfg      ServerConfig
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewServer 创建信令服务器
func NewServer(cfg ServerConfig) *Server {
	d := DefaultServerConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = d.QueueSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = d.PingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = d.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = d.MaxMessageSize
	}
	logger := logging.OrGlobal(cfg.Logger).With(zap.String("component", "signaling"))
	return &Server{
		hub: NewHub(logger),
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有来源
			},
		},
		logger: logger,
	}
}

// Hub 端点登记表
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler 返回/ws、/healthz、/metrics路由
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("剪贴板共享信令服务器运行中\n"))
	})
	return mux
}

// Start 在addr上启动服务，ctx取消后优雅关闭
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("信令服务器启动", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("关闭信令服务器失败: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// peerConn 服务器侧的一条WebSocket连接
type peerConn struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	slow   chan struct{}
	once   sync.Once

	// id和logger只在readPump中读写
	id     string
	logger *zap.Logger
}

func (c *peerConn) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		c.once.Do(func() { close(c.slow) })
		return false
	}
}

// handleWebSocket 处理WebSocket连接
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket升级失败", logging.Err(err))
		return
	}

	c := &peerConn{
		server: s,
		conn:   conn,
		send:   make(chan []byte, s.cfg.QueueSize),
		slow:   make(chan struct{}),
		logger: s.logger.With(zap.String("remote", r.RemoteAddr)),
	}

	go c.writePump()
	go c.readPump()
}

// readPump 读取客户端消息
func (c *peerConn) readPump() {
	defer func() {
		c.conn.Close()
		if c.id != "" {
			c.server.hub.Remove(c.id)
		}
	}()

	c.conn.SetReadLimit(c.server.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.server.cfg.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.server.cfg.ReadTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket错误", logging.Err(err))
			}
			return
		}
		c.handleMessage(data)
	}
}

// writePump 向客户端发送消息，每帧一条
func (c *peerConn) writePump() {
	ticker := time.NewTicker(c.server.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.server.logger.Debug("发送消息失败", logging.Err(err))
				return
			}
		case <-c.slow:
			c.conn.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "send queue overflow"))
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 处理客户端消息
func (c *peerConn) handleMessage(data []byte) {
	msg, err := protocol.DecodeRelay(data)
	if err != nil {
		c.sendError("无效的消息格式")
		return
	}
	metrics.RecordRelayMessage(msg.Type)

	if msg.Type == protocol.RelayRegister {
		c.handleRegister(msg)
		return
	}
	if msg.Type == protocol.RelayListDevices {
		c.reply(&protocol.RelayMessage{Type: protocol.RelayDevices, Devices: c.server.hub.List()})
		return
	}
	if c.id == "" {
		c.sendError(ErrNotRegistered.Error())
		return
	}

	switch msg.Type {
	case protocol.RelayShareReady:
		c.server.hub.SetReady(c.id, true)
	case protocol.RelayShareNotReady:
		c.server.hub.SetReady(c.id, false)
	case protocol.RelayRequestShare:
		c.handleRequestShare()
	case protocol.RelayWebRTCSignal:
		c.handleSignal(msg)
	case protocol.RelayNoContentAvailable:
		c.forward(msg.To, &protocol.RelayMessage{Type: protocol.RelayNoContentAvailable, From: c.id})
	default:
		c.sendError(fmt.Sprintf("未知的消息类型: %s", msg.Type))
	}
}

func (c *peerConn) handleRegister(msg *protocol.RelayMessage) {
	if c.id != "" {
		c.sendError(ErrAlreadyRegistered.Error())
		return
	}
	c.id = c.server.hub.Register(c, msg.Metadata)
	c.logger = c.logger.With(logging.Peer(c.id))
	c.reply(&protocol.RelayMessage{Type: protocol.RelayRegistered, ID: c.id})
}

func (c *peerConn) handleRequestShare() {
	sharer, ok := c.server.hub.PickSharer(c.id)
	if !ok {
		metrics.RecordShareRequest("no_sharer")
		c.logger.Info("没有可共享的端点")
		c.reply(&protocol.RelayMessage{Type: protocol.RelayNoSharerAvailable})
		return
	}
	metrics.RecordShareRequest("matched")
	c.logger.Info("转发共享请求", zap.String("sharer", sharer))
	c.forward(sharer, &protocol.RelayMessage{Type: protocol.RelayShareRequested, From: c.id})
}

func (c *peerConn) handleSignal(msg *protocol.RelayMessage) {
	if msg.Signal == nil {
		c.sendError("webrtc-signal缺少signal")
		return
	}
	c.forward(msg.To, &protocol.RelayMessage{
		Type:   protocol.RelayWebRTCSignal,
		From:   c.id,
		Signal: msg.Signal,
	})
}

// forward 转发给其他端点，目标不存在时回复错误
func (c *peerConn) forward(to string, msg *protocol.RelayMessage) {
	if to == "" {
		c.sendError(msg.Type + "缺少to")
		return
	}
	if err := c.server.hub.Route(to, msg); err != nil {
		c.sendError(err.Error())
	}
}

func (c *peerConn) reply(msg *protocol.RelayMessage) {
	data, err := protocol.EncodeRelay(msg)
	if err != nil {
		c.logger.Error("序列化消息失败", logging.Err(err))
		return
	}
	if !c.enqueue(data) {
		c.logger.Warn("发送队列已满，断开连接")
	}
}

// sendError 发送错误消息
func (c *peerConn) sendError(errMsg string) {
	c.reply(&protocol.RelayMessage{Type: protocol.RelayError, Error: errMsg})
}
