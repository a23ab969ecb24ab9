package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"
	"sync"
	"time"

	"clipshare/internal/clipboard"
	"clipshare/internal/logging"
	"clipshare/internal/metrics"
	"clipshare/internal/protocol"

	"go.uber.org/zap"
)

// inboundSession 接收会话，除cancel/remoteCancel外只在接收协程中访问
type inboundSession struct {
	id       string
	files    []protocol.FileMeta
	ackEvery int64
	status   Status
	logger   *zap.Logger

	openCancel context.CancelFunc
	mu         sync.Mutex
	remote     bool
	reason     string

	sinks   []Sink
	current int
	hash    hash.Hash
	written uint64
	chunks  int64
	decile  int

	idle         *time.Timer
	lastActivity time.Time
}

// cancel 中断正在进行的保存位置选择
func (in *inboundSession) cancel() {
	in.openCancel()
}

// remoteCancel 对端取消，由HandleMessage在入队前调用
func (in *inboundSession) remoteCancel(reason string) {
	in.mu.Lock()
	in.remote = true
	in.reason = reason
	in.mu.Unlock()
	in.openCancel()
}

func (in *inboundSession) cancelledByPeer() (bool, string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.remote, in.reason
}

// discard 关闭并删除所有已打开的写入端
func (in *inboundSession) discard(logger *zap.Logger) {
	if in.idle != nil {
		in.idle.Stop()
	}
	in.openCancel()
	for _, sink := range in.sinks {
		if err := sink.Discard(); err != nil {
			logger.Warn("清理未完成文件失败", logging.Session(in.id), zap.String("path", sink.Path()), logging.Err(err))
		}
	}
	in.sinks = nil
}

func (in *inboundSession) touch() {
	in.lastActivity = time.Now()
}

// textAssembly 大文本重组
type textAssembly struct {
	total int
	next  int
	buf   strings.Builder
}

// handleInbound 在接收协程中按顺序处理一项
func (e *Endpoint) handleInbound(item inboundItem) {
	if item.timeout != "" {
		e.handleIdle(item.timeout)
		return
	}

	switch m := item.msg.(type) {
	case protocol.Text:
		e.deliverText(m.Content)
	case protocol.TextStart:
		e.handleTextStart(m)
	case protocol.TextChunk:
		e.handleTextChunk(m)
	case protocol.TextEnd:
		e.handleTextEnd(m)
	case protocol.FilesStart:
		e.handleFilesStart(m)
	case protocol.FileChunk:
		e.handleFileChunk(m)
	case protocol.FileEnd:
		e.handleFileEnd(m)
	case protocol.FilesEnd:
		e.handleFilesEnd(m)
	case protocol.FilesCancel:
		e.handleFilesCancel(m)
	default:
		e.logger.Debug("忽略消息", zap.String("kind", string(item.msg.Kind())), zap.String("type", item.msg.Type()))
	}
}

func (e *Endpoint) deliverText(text string) {
	metrics.AddTransferBytes(metrics.DirectionReceive, len(text))
	content := clipboard.TextContent(text)
	if err := e.clip.SetContent(content); err != nil {
		e.logger.Error("写入剪贴板失败", logging.Err(err))
		e.hooks.downloadFailed(e.logger, fmt.Sprintf("写入剪贴板失败: %v", err))
		metrics.RecordSession(metrics.DirectionReceive, clipboard.KindText.String(), string(StatusFailed))
		return
	}
	e.logger.Info("收到文本", zap.Int("bytes", len(text)))
	metrics.RecordSession(metrics.DirectionReceive, clipboard.KindText.String(), string(StatusCompleted))
	e.hooks.contentReceived(e.logger, content)
}

func (e *Endpoint) handleTextStart(m protocol.TextStart) {
	if m.ID == "" || m.Total <= 0 {
		e.logger.Warn("无效的文本开始消息", zap.String("text", m.ID), zap.Int("total", m.Total))
		return
	}
	if _, ok := e.texts[m.ID]; ok {
		e.logger.Warn("重复的文本开始消息", zap.String("text", m.ID))
		return
	}
	e.texts[m.ID] = &textAssembly{total: m.Total}
}

func (e *Endpoint) handleTextChunk(m protocol.TextChunk) {
	asm, ok := e.texts[m.ID]
	if !ok {
		e.logger.Debug("收到未知文本的分块", zap.String("text", m.ID))
		return
	}
	if m.Seq != asm.next || asm.next >= asm.total {
		delete(e.texts, m.ID)
		e.logger.Warn("文本分块乱序", zap.String("text", m.ID), zap.Int("want", asm.next), zap.Int("got", m.Seq))
		e.hooks.downloadFailed(e.logger, fmt.Sprintf("%v: 文本分块乱序", ErrProtocol))
		metrics.RecordSession(metrics.DirectionReceive, clipboard.KindText.String(), string(StatusFailed))
		return
	}
	asm.buf.WriteString(m.Data)
	asm.next++
}

func (e *Endpoint) handleTextEnd(m protocol.TextEnd) {
	asm, ok := e.texts[m.ID]
	if !ok {
		e.logger.Debug("收到未知文本的结束消息", zap.String("text", m.ID))
		return
	}
	delete(e.texts, m.ID)
	if asm.next != asm.total {
		e.logger.Warn("文本分块不完整", zap.String("text", m.ID), zap.Int("want", asm.total), zap.Int("got", asm.next))
		e.hooks.downloadFailed(e.logger, fmt.Sprintf("%v: 文本分块不完整", ErrProtocol))
		metrics.RecordSession(metrics.DirectionReceive, clipboard.KindText.String(), string(StatusFailed))
		return
	}
	e.deliverText(asm.buf.String())
}

// handleFilesStart 校验元数据，为每个文件打开写入端，然后回复files.ready
func (e *Endpoint) handleFilesStart(m protocol.FilesStart) {
	logger := e.logger.With(logging.Session(m.SessionID))
	if m.SessionID == "" {
		logger.Warn("files.start缺少sessionId")
		return
	}
	if e.inboundSession(m.SessionID) != nil {
		logger.Warn("重复的files.start")
		return
	}

	reject := func(reason string) {
		logger.Warn("拒绝文件会话", zap.String("reason", reason))
		e.sendCancel(m.SessionID, reason)
		e.hooks.downloadFailed(e.logger, reason)
		metrics.RecordSession(metrics.DirectionReceive, clipboard.KindFiles.String(), string(StatusFailed))
	}
	if n := len(m.Files); n == 0 || n > clipboard.MaxFiles {
		reject(fmt.Sprintf("文件数量无效: %d", n))
		return
	}
	for _, f := range m.Files {
		if f.Size > clipboard.MaxFileSize {
			reject(fmt.Sprintf("文件 %s 过大: %d 字节", f.Name, f.Size))
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.opts.ReadyTimeout)
	ackEvery := int64(m.AckEvery)
	if ackEvery <= 0 {
		ackEvery = int64(e.opts.AckEvery)
	}
	in := &inboundSession{
		id:         m.SessionID,
		files:      m.Files,
		ackEvery:   ackEvery,
		status:     StatusReadyWait,
		logger:     logger,
		openCancel: cancel,
		hash:       sha256.New(),
		decile:     -1,
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return
	}
	e.inbound[in.id] = in
	e.mu.Unlock()

	var total uint64
	for _, f := range m.Files {
		total += f.Size
	}
	logger.Info("收到文件会话", zap.Int("files", len(m.Files)), zap.Uint64("bytes", total))
	e.hooks.waitingForUserLocation(e.logger, in.id, m.Files)

	for _, meta := range m.Files {
		sink, err := e.sinks.OpenSink(ctx, in.id, meta)
		if err != nil {
			e.openFailed(ctx, in, err)
			return
		}
		in.sinks = append(in.sinks, sink)
	}
	cancel()

	if err := e.send(protocol.FilesReady{SessionID: in.id}); err != nil {
		e.failInbound(in, fmt.Errorf("发送files.ready失败: %w", err))
		return
	}
	in.status = StatusStreaming
	in.touch()
	id := in.id
	in.idle = time.AfterFunc(e.opts.IdleTimeout, func() {
		e.enqueue(inboundItem{timeout: id})
	})
}

// openFailed 打开写入端失败时按原因结束会话
func (e *Endpoint) openFailed(ctx context.Context, in *inboundSession, err error) {
	if remote, reason := in.cancelledByPeer(); remote {
		e.removeInbound(in.id)
		in.discard(e.logger)
		in.status = StatusCancelled
		in.logger.Info("对端在选择保存位置时取消了会话", zap.String("reason", reason))
		e.hooks.cancelled(e.logger, in.id, reason)
		metrics.RecordSession(metrics.DirectionReceive, clipboard.KindFiles.String(), string(StatusCancelled))
		return
	}

	switch {
	case errors.Is(err, ErrDeclined):
		e.removeInbound(in.id)
		in.discard(e.logger)
		in.status = StatusCancelled
		in.logger.Info("用户取消了保存")
		e.sendCancel(in.id, ErrDeclined.Error())
		e.hooks.cancelled(e.logger, in.id, ErrDeclined.Error())
		metrics.RecordSession(metrics.DirectionReceive, clipboard.KindFiles.String(), string(StatusCancelled))
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		e.failInbound(in, ErrReadyTimeout)
	default:
		if e.isClosed() {
			// 清理由cleanup完成
			return
		}
		e.failInbound(in, fmt.Errorf("准备保存位置失败: %w", err))
	}
}

func (e *Endpoint) handleFileChunk(m protocol.FileChunk) {
	in := e.inboundSession(m.SessionID)
	if in == nil {
		e.logger.Debug("丢弃未知会话的数据", logging.Session(m.SessionID))
		return
	}
	if in.status != StatusStreaming {
		e.failInbound(in, fmt.Errorf("%w: 会话未就绪时收到数据", ErrProtocol))
		return
	}
	if m.FileIndex != in.current || in.current >= len(in.files) {
		e.failInbound(in, fmt.Errorf("%w: 期望文件 %d，收到 %d", ErrProtocol, in.current, m.FileIndex))
		return
	}

	meta := in.files[in.current]
	if in.written+uint64(len(m.Data)) > meta.Size {
		e.failInbound(in, fmt.Errorf("%w: %s 数据超过声明的大小 %d", ErrIntegrity, meta.Name, meta.Size))
		return
	}
	if _, err := in.sinks[in.current].Write(m.Data); err != nil {
		e.failInbound(in, fmt.Errorf("写入文件失败: %w", err))
		return
	}
	in.hash.Write(m.Data)
	in.written += uint64(len(m.Data))
	in.chunks++
	in.touch()
	in.idle.Reset(e.opts.IdleTimeout)
	metrics.AddTransferBytes(metrics.DirectionReceive, len(m.Data))

	if meta.Size > 0 {
		if d := int(in.written * 10 / meta.Size); d > in.decile {
			in.decile = d
			e.hooks.progress(e.logger, meta.Name, d*10)
		}
	}

	if in.chunks%in.ackEvery == 0 {
		if err := e.send(protocol.Ack{SessionID: in.id, Chunks: in.chunks}); err != nil {
			e.failInbound(in, fmt.Errorf("发送ack失败: %w", err))
		}
	}
}

func (e *Endpoint) handleFileEnd(m protocol.FileEnd) {
	in := e.inboundSession(m.SessionID)
	if in == nil {
		e.logger.Debug("丢弃未知会话的file_end", logging.Session(m.SessionID))
		return
	}
	if in.status != StatusStreaming || m.FileIndex != in.current || in.current >= len(in.files) {
		e.failInbound(in, fmt.Errorf("%w: 意外的file_end %d", ErrProtocol, m.FileIndex))
		return
	}

	meta := in.files[in.current]
	if in.written != meta.Size {
		e.failInbound(in, fmt.Errorf("%w: %s 收到 %d 字节，声明 %d 字节", ErrIntegrity, meta.Name, in.written, meta.Size))
		return
	}
	if sum := hex.EncodeToString(in.hash.Sum(nil)); sum != meta.Checksum {
		e.failInbound(in, fmt.Errorf("%w: %s 校验和不符", ErrIntegrity, meta.Name))
		return
	}
	if err := in.sinks[in.current].Close(); err != nil {
		e.failInbound(in, fmt.Errorf("保存文件失败: %w", err))
		return
	}
	if in.decile < 10 {
		e.hooks.progress(e.logger, meta.Name, 100)
	}

	in.logger.Debug("文件接收完成", zap.String("file", meta.Name), zap.Uint64("bytes", meta.Size))
	in.current++
	in.hash.Reset()
	in.written = 0
	in.decile = -1
	in.touch()
	in.idle.Reset(e.opts.IdleTimeout)
}

func (e *Endpoint) handleFilesEnd(m protocol.FilesEnd) {
	in := e.inboundSession(m.SessionID)
	if in == nil {
		e.logger.Debug("丢弃未知会话的files.end", logging.Session(m.SessionID))
		return
	}
	if in.status != StatusStreaming || in.current != len(in.files) {
		e.failInbound(in, fmt.Errorf("%w: 收到 %d/%d 个文件时会话结束", ErrProtocol, in.current, len(in.files)))
		return
	}

	in.status = StatusFinalizing
	in.idle.Stop()
	e.removeInbound(in.id)

	records := make([]clipboard.FileRecord, len(in.files))
	for i, meta := range in.files {
		records[i] = clipboard.FileRecord{
			Name:     meta.Name,
			Size:     meta.Size,
			Checksum: meta.Checksum,
			Path:     in.sinks[i].Path(),
		}
		if b, ok := in.sinks[i].(interface{ Bytes() []byte }); ok {
			records[i].Content = b.Bytes()
		}
	}

	// 剪贴板写入成功后才发最终ack，失败时发送端收到cancel
	content := clipboard.FilesContent(records)
	if err := e.clip.SetContent(content); err != nil {
		in.status = StatusFailed
		reason := fmt.Sprintf("写入剪贴板失败: %v", err)
		in.logger.Error("写入剪贴板失败", logging.Err(err))
		in.discard(e.logger)
		e.sendCancel(in.id, reason)
		e.hooks.downloadFailed(e.logger, reason)
		metrics.RecordSession(metrics.DirectionReceive, clipboard.KindFiles.String(), string(StatusFailed))
		return
	}
	if err := e.send(protocol.Ack{SessionID: in.id, Chunks: in.chunks, Final: true}); err != nil {
		in.logger.Warn("发送最终ack失败", logging.Err(err))
	}
	in.status = StatusCompleted
	in.logger.Info("文件会话接收完成", zap.Int("files", len(records)), zap.Int64("chunks", in.chunks))
	metrics.RecordSession(metrics.DirectionReceive, clipboard.KindFiles.String(), string(StatusCompleted))
	e.hooks.contentReceived(e.logger, content)
}

func (e *Endpoint) handleFilesCancel(m protocol.FilesCancel) {
	in := e.inboundSession(m.SessionID)
	if in == nil {
		e.logger.Debug("收到未知会话的cancel", logging.Session(m.SessionID))
		return
	}
	e.removeInbound(in.id)
	in.discard(e.logger)
	in.status = StatusCancelled
	in.logger.Info("对端取消了文件会话", zap.String("reason", m.Reason))
	e.hooks.cancelled(e.logger, in.id, m.Reason)
	metrics.RecordSession(metrics.DirectionReceive, clipboard.KindFiles.String(), string(StatusCancelled))
}

func (e *Endpoint) handleIdle(id string) {
	in := e.inboundSession(id)
	if in == nil || in.status != StatusStreaming {
		return
	}
	if since := time.Since(in.lastActivity); since < e.opts.IdleTimeout {
		in.idle.Reset(e.opts.IdleTimeout - since)
		return
	}
	e.failInbound(in, ErrIdleTimeout)
}

// failInbound 接收失败：删除已写入的数据并通知对端
func (e *Endpoint) failInbound(in *inboundSession, err error) {
	e.removeInbound(in.id)
	in.discard(e.logger)
	in.status = StatusFailed
	in.logger.Warn("文件接收失败", logging.Err(err))
	e.sendCancel(in.id, err.Error())
	e.hooks.downloadFailed(e.logger, err.Error())
	metrics.RecordSession(metrics.DirectionReceive, clipboard.KindFiles.String(), string(StatusFailed))
}

func (e *Endpoint) removeInbound(id string) {
	e.mu.Lock()
	delete(e.inbound, id)
	e.mu.Unlock()
}
