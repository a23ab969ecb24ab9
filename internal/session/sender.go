package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
	"unicode/utf8"

	"clipshare/internal/clipboard"
	"clipshare/internal/logging"
	"clipshare/internal/metrics"
	"clipshare/internal/protocol"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// outboundSession 发送会话的状态
type outboundSession struct {
	id string

	readyOnce sync.Once
	ready     chan struct{}

	cancelOnce   sync.Once
	cancelled    chan struct{}
	cancelReason string

	ackNotify chan struct{}
	final     chan protocol.Ack

	mu     sync.Mutex
	acked  int64
	status Status
	notify func(Status)
}

func newOutboundSession(id string, notify func(Status)) *outboundSession {
	return &outboundSession{
		id:        id,
		notify:    notify,
		ready:     make(chan struct{}),
		cancelled: make(chan struct{}),
		ackNotify: make(chan struct{}, 1),
		final:     make(chan protocol.Ack, 1),
		status:    StatusActive,
	}
}

func (s *outboundSession) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *outboundSession) cancelByPeer(reason string) {
	s.cancelOnce.Do(func() {
		s.cancelReason = reason
		close(s.cancelled)
	})
}

func (s *outboundSession) cancelErr() error {
	if s.cancelReason == "" {
		return fmt.Errorf("%w: 接收端取消", ErrCancelled)
	}
	return fmt.Errorf("%w: %s", ErrCancelled, s.cancelReason)
}

func (s *outboundSession) ack(m protocol.Ack) {
	s.mu.Lock()
	if m.Chunks > s.acked {
		s.acked = m.Chunks
	}
	s.mu.Unlock()

	select {
	case s.ackNotify <- struct{}{}:
	default:
	}
	if m.Final {
		select {
		case s.final <- m:
		default:
		}
	}
}

func (s *outboundSession) ackedChunks() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked
}

// setStatus 记录状态变化并通知OnSessionStatus
func (s *outboundSession) setStatus(status Status) {
	s.mu.Lock()
	if s.status == status {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.mu.Unlock()
	if s.notify != nil {
		s.notify(status)
	}
}

// Send 把内容发送给对端，阻塞直到完成、失败或取消
func (e *Endpoint) Send(ctx context.Context, content clipboard.Content) error {
	if err := content.Validate(); err != nil {
		return err
	}
	if err := e.Err(); err != nil {
		return err
	}

	var err error
	switch content.Kind {
	case clipboard.KindText:
		err = e.sendText(ctx, content.Text)
	case clipboard.KindFiles:
		err = e.sendFiles(ctx, content.Files)
	}
	metrics.RecordSession(metrics.DirectionSend, content.Kind.String(), outcome(err))
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return string(StatusCompleted)
	case errors.Is(err, ErrCancelled):
		return string(StatusCancelled)
	default:
		return string(StatusFailed)
	}
}

// sendText 小文本直接发送，大文本分块
func (e *Endpoint) sendText(ctx context.Context, text string) error {
	if len(text) <= e.opts.TextThreshold {
		if err := e.send(protocol.Text{Content: text}); err != nil {
			return fmt.Errorf("发送文本失败: %w", err)
		}
		metrics.AddTransferBytes(metrics.DirectionSend, len(text))
		return nil
	}

	chunks := splitText(text, e.opts.TextChunkSize)
	id := uuid.NewString()
	logger := e.logger.With(zap.String("text", id))
	logger.Debug("分块发送文本", zap.Int("bytes", len(text)), zap.Int("chunks", len(chunks)))

	if err := e.send(protocol.TextStart{ID: id, Total: len(chunks), ChunkSize: e.opts.TextChunkSize}); err != nil {
		return fmt.Errorf("发送文本失败: %w", err)
	}
	for i, chunk := range chunks {
		if err := e.waitDrained(ctx, nil); err != nil {
			return err
		}
		if err := e.send(protocol.TextChunk{ID: id, Seq: i, Data: chunk}); err != nil {
			return fmt.Errorf("发送文本分块失败: %w", err)
		}
		metrics.AddTransferBytes(metrics.DirectionSend, len(chunk))
	}
	if err := e.send(protocol.TextEnd{ID: id}); err != nil {
		return fmt.Errorf("发送文本失败: %w", err)
	}
	return nil
}

// splitText 按字节数切分文本，不切断UTF-8字符
func splitText(s string, size int) []string {
	var out []string
	for len(s) > 0 {
		if len(s) <= size {
			out = append(out, s)
			break
		}
		n := size
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		if n == 0 {
			_, n = utf8.DecodeRuneInString(s)
		}
		out = append(out, s[:n])
		s = s[n:]
	}
	return out
}

// sendFiles 文件会话
func (e *Endpoint) sendFiles(ctx context.Context, files []clipboard.FileRecord) error {
	id := uuid.NewString()
	s := newOutboundSession(id, func(status Status) {
		e.hooks.sessionStatus(e.logger, id, status)
	})
	logger := e.logger.With(logging.Session(id))

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return e.closeErr
	}
	e.outbound[id] = s
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.outbound, id)
		e.mu.Unlock()
	}()

	metas := make([]protocol.FileMeta, len(files))
	var total uint64
	for i, f := range files {
		metas[i] = protocol.FileMeta{Name: f.Name, Size: f.Size, Checksum: f.Checksum}
		total += f.Size
	}

	if err := e.send(protocol.FilesStart{SessionID: id, Files: metas, AckEvery: e.opts.AckEvery}); err != nil {
		s.setStatus(StatusFailed)
		return fmt.Errorf("发送文件元数据失败: %w", err)
	}
	s.setStatus(StatusReadyWait)
	logger.Info("文件元数据已发送，等待接收端准备", zap.Int("files", len(files)), zap.Uint64("bytes", total))

	fail := func(err error) error {
		if errors.Is(err, ErrCancelled) {
			s.setStatus(StatusCancelled)
		} else {
			s.setStatus(StatusFailed)
			e.sendCancel(id, err.Error())
		}
		logger.Warn("文件发送失败", logging.Err(err))
		return err
	}

	if err := e.waitReady(ctx, s); err != nil {
		return fail(err)
	}
	s.setStatus(StatusStreaming)
	logger.Debug("接收端已准备，开始传输")

	start := time.Now()
	var chunks int64
	for i, f := range files {
		if err := e.streamFile(ctx, s, logger, i, f, &chunks); err != nil {
			return fail(err)
		}
	}

	s.setStatus(StatusFinalizing)
	if err := e.send(protocol.FilesEnd{SessionID: id}); err != nil {
		return fail(fmt.Errorf("发送结束消息失败: %w", err))
	}
	if err := e.waitFinal(ctx, s); err != nil {
		return fail(err)
	}
	s.setStatus(StatusCompleted)

	elapsed := time.Since(start)
	logger.Info("文件发送完成",
		zap.Uint64("bytes", total),
		zap.Int64("chunks", chunks),
		logging.Duration("elapsed", elapsed))
	return nil
}

// streamFile 按顺序发送一个文件的所有分块
func (e *Endpoint) streamFile(ctx context.Context, s *outboundSession, logger *zap.Logger, index int, f clipboard.FileRecord, chunks *int64) error {
	r, err := f.Open()
	if err != nil {
		return fmt.Errorf("打开文件失败: %w", err)
	}
	defer r.Close()

	buf := make([]byte, e.opts.ChunkSize)
	var sent uint64
	lastDecile := -1
	for {
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			if err := s.check(ctx, e); err != nil {
				return err
			}
			if err := e.waitDrained(ctx, s); err != nil {
				return err
			}
			if err := e.send(protocol.FileChunk{SessionID: s.id, FileIndex: index, Data: buf[:n]}); err != nil {
				return fmt.Errorf("发送数据失败: %w", err)
			}
			metrics.AddTransferBytes(metrics.DirectionSend, n)
			sent += uint64(n)
			*chunks++

			if f.Size > 0 {
				if decile := int(sent * 10 / f.Size); decile > lastDecile {
					lastDecile = decile
					logger.Debug("发送进度", zap.String("file", f.Name), zap.Int("percent", decile*10))
				}
			}

			if *chunks%int64(e.opts.AckEvery) == 0 {
				if err := e.waitAck(ctx, s, *chunks); err != nil {
					return err
				}
			}
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("读取文件失败: %w", readErr)
		}
	}

	if sent != f.Size {
		return fmt.Errorf("%w: %s 实际读取 %d 字节，元数据为 %d 字节", ErrIntegrity, f.Name, sent, f.Size)
	}
	if err := e.send(protocol.FileEnd{SessionID: s.id, FileIndex: index}); err != nil {
		return fmt.Errorf("发送文件结束消息失败: %w", err)
	}
	return nil
}

// check 非阻塞检查会话是否已被取消或连接已关闭
func (s *outboundSession) check(ctx context.Context, e *Endpoint) error {
	select {
	case <-s.cancelled:
		return s.cancelErr()
	case <-e.done:
		return e.Err()
	case <-ctx.Done():
		return context.Cause(ctx)
	default:
		return nil
	}
}

// waitReady 等待files.ready，期间可能需要用户选择保存位置
func (e *Endpoint) waitReady(ctx context.Context, s *outboundSession) error {
	timer := time.NewTimer(e.opts.ReadyTimeout)
	defer timer.Stop()

	select {
	case <-s.ready:
		return nil
	case <-s.cancelled:
		return s.cancelErr()
	case <-e.done:
		return e.Err()
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return ErrReadyTimeout
	}
}

// waitDrained 通道缓冲超过上限时，等待降到低水位以下
func (e *Endpoint) waitDrained(ctx context.Context, s *outboundSession) error {
	if e.ch.BufferedAmount() <= e.opts.MaxBufferedAmount {
		return nil
	}

	var cancelled <-chan struct{}
	if s != nil {
		cancelled = s.cancelled
	}
	timer := time.NewTimer(e.opts.DrainTimeout)
	defer timer.Stop()

	for e.ch.BufferedAmount() > e.opts.LowWaterMark {
		select {
		case <-e.drained:
		case <-cancelled:
			return s.cancelErr()
		case <-e.done:
			return e.Err()
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-timer.C:
			return fmt.Errorf("%w: 缓冲 %d 字节", ErrDrainTimeout, e.ch.BufferedAmount())
		}
	}
	return nil
}

// waitAck 等待接收端确认至少want块
func (e *Endpoint) waitAck(ctx context.Context, s *outboundSession, want int64) error {
	timer := time.NewTimer(e.opts.AckTimeout)
	defer timer.Stop()

	for s.ackedChunks() < want {
		select {
		case <-s.ackNotify:
		case <-s.cancelled:
			return s.cancelErr()
		case <-e.done:
			return e.Err()
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-timer.C:
			return fmt.Errorf("%w: 已确认 %d/%d 块", ErrAckTimeout, s.ackedChunks(), want)
		}
	}
	return nil
}

// waitFinal 等待接收端的最终确认
func (e *Endpoint) waitFinal(ctx context.Context, s *outboundSession) error {
	timer := time.NewTimer(e.opts.AckTimeout)
	defer timer.Stop()

	select {
	case <-s.final:
		return nil
	case <-s.cancelled:
		return s.cancelErr()
	case <-e.done:
		return e.Err()
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return fmt.Errorf("%w: 未收到最终确认", ErrAckTimeout)
	}
}
