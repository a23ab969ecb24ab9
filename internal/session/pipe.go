package session

import (
	"errors"
	"sync"
	"time"
)

// ErrPipeClosed 管道已关闭
var ErrPipeClosed = errors.New("管道已关闭")

// PipeOptions 内存管道参数
type PipeOptions struct {
	// Latency 每条消息的投递延迟，用来模拟慢速链路让缓冲积压
	Latency time.Duration
	// QueueSize 单向队列长度
	QueueSize int
}

// PipeChannel 内存中的有序数据通道，模拟WebRTC数据通道的缓冲水位
type PipeChannel struct {
	label string
	peer  *PipeChannel
	opts  PipeOptions

	queue  chan []byte
	opened chan struct{}
	done   chan struct{}

	openOnce  *sync.Once
	closeOnce *sync.Once

	mu          sync.Mutex
	buffered    uint64
	maxBuffered uint64
	threshold   uint64
	onLow       func()
	onOpen      func()
	openFired   bool
	onClose     func()
	onMessage   func([]byte)
}

// NewPipe 创建一对相连的通道，调用Open后开始投递消息
func NewPipe(label string, opts PipeOptions) (*PipeChannel, *PipeChannel) {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 4096
	}
	opened := make(chan struct{})
	done := make(chan struct{})
	openOnce := &sync.Once{}
	closeOnce := &sync.Once{}

	a := &PipeChannel{label: label, opts: opts, queue: make(chan []byte, opts.QueueSize),
		opened: opened, done: done, openOnce: openOnce, closeOnce: closeOnce}
	b := &PipeChannel{label: label, opts: opts, queue: make(chan []byte, opts.QueueSize),
		opened: opened, done: done, openOnce: openOnce, closeOnce: closeOnce}
	a.peer, b.peer = b, a

	go a.pump()
	go b.pump()
	return a, b
}

// pump 把本端发送的消息投递给对端
func (p *PipeChannel) pump() {
	select {
	case <-p.opened:
	case <-p.done:
		return
	}
	for {
		select {
		case <-p.done:
			return
		case data := <-p.queue:
			if p.opts.Latency > 0 {
				select {
				case <-time.After(p.opts.Latency):
				case <-p.done:
					return
				}
			}

			p.peer.mu.Lock()
			handler := p.peer.onMessage
			p.peer.mu.Unlock()
			if handler != nil {
				handler(data)
			}

			p.mu.Lock()
			before := p.buffered
			p.buffered -= uint64(len(data))
			crossed := before > p.threshold && p.buffered <= p.threshold
			low := p.onLow
			p.mu.Unlock()
			if crossed && low != nil {
				low()
			}
		}
	}
}

// Open 打开通道对，两端的OnOpen回调被触发
func (p *PipeChannel) Open() {
	p.openOnce.Do(func() {
		close(p.opened)
		go p.fireOpen()
		go p.peer.fireOpen()
	})
}

// fireOpen 每端的OnOpen回调最多触发一次
func (p *PipeChannel) fireOpen() {
	p.mu.Lock()
	if p.openFired || p.onOpen == nil {
		p.mu.Unlock()
		return
	}
	p.openFired = true
	cb := p.onOpen
	p.mu.Unlock()
	cb()
}

// Close 关闭通道对，两端的OnClose回调被触发
func (p *PipeChannel) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		for _, c := range []*PipeChannel{p, p.peer} {
			c.mu.Lock()
			cb := c.onClose
			c.mu.Unlock()
			if cb != nil {
				go cb()
			}
		}
	})
	return nil
}

func (p *PipeChannel) Send(data []byte) error {
	select {
	case <-p.done:
		return ErrPipeClosed
	default:
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	p.mu.Lock()
	p.buffered += uint64(len(buf))
	if p.buffered > p.maxBuffered {
		p.maxBuffered = p.buffered
	}
	p.mu.Unlock()

	select {
	case p.queue <- buf:
		return nil
	case <-p.done:
		return ErrPipeClosed
	}
}

func (p *PipeChannel) BufferedAmount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffered
}

// MaxBuffered 返回观测到的最大缓冲字节数
func (p *PipeChannel) MaxBuffered() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxBuffered
}

func (p *PipeChannel) SetBufferedAmountLowThreshold(th uint64) {
	p.mu.Lock()
	p.threshold = th
	p.mu.Unlock()
}

func (p *PipeChannel) OnBufferedAmountLow(f func()) {
	p.mu.Lock()
	p.onLow = f
	p.mu.Unlock()
}

func (p *PipeChannel) OnOpen(f func()) {
	p.mu.Lock()
	p.onOpen = f
	p.mu.Unlock()
	select {
	case <-p.opened:
		go p.fireOpen()
	default:
	}
}

func (p *PipeChannel) OnClose(f func()) {
	p.mu.Lock()
	p.onClose = f
	p.mu.Unlock()
}

func (p *PipeChannel) OnMessage(f func([]byte)) {
	p.mu.Lock()
	p.onMessage = f
	p.mu.Unlock()
}

func (p *PipeChannel) Label() string {
	return p.label
}
