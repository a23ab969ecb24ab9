package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"clipshare/internal/clipboard"
	"clipshare/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type harness struct {
	a, b   *Endpoint
	pa, pb *PipeChannel
	clip   *clipboard.Memory

	mu  sync.Mutex
	toA []protocol.Message
	toB []protocol.Message
}

func newHarness(t *testing.T, opts Options, pipe PipeOptions, recv Config) *harness {
	t.Helper()

	pa, pb := NewPipe("clipboard", pipe)
	h := &harness{pa: pa, pb: pb, clip: clipboard.NewMemory(clipboard.Content{})}

	h.a = NewEndpoint(pa, Config{Options: opts, Logger: zap.NewNop()})
	recv.Options = opts
	recv.Logger = zap.NewNop()
	if recv.Clipboard == nil {
		recv.Clipboard = h.clip
	}
	h.b = NewEndpoint(pb, recv)

	pa.OnMessage(func(data []byte) {
		h.record(&h.toA, data)
		h.a.HandleMessage(data)
	})
	pb.OnMessage(func(data []byte) {
		h.record(&h.toB, data)
		h.b.HandleMessage(data)
	})
	pa.OnClose(func() { h.a.Close(ErrClosed) })
	pb.OnClose(func() { h.b.Close(ErrClosed) })
	pa.Open()

	t.Cleanup(func() {
		pa.Close()
		<-h.a.Done()
		<-h.b.Done()
	})
	return h
}

func (h *harness) record(dst *[]protocol.Message, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		return
	}
	h.mu.Lock()
	*dst = append(*dst, msg)
	h.mu.Unlock()
}

func (h *harness) receivedByB() []protocol.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]protocol.Message(nil), h.toB...)
}

func (h *harness) receivedByA() []protocol.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]protocol.Message(nil), h.toA...)
}

func (h *harness) countB(match func(protocol.Message) bool) int {
	n := 0
	for _, m := range h.receivedByB() {
		if match(m) {
			n++
		}
	}
	return n
}

func (h *harness) waitContent(t *testing.T, kind clipboard.Kind) clipboard.Content {
	t.Helper()
	var got clipboard.Content
	require.Eventually(t, func() bool {
		got, _ = h.clip.GetContent()
		return got.Kind == kind
	}, 5*time.Second, 5*time.Millisecond)
	return got
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(b)
	return b
}

func isFileChunk(m protocol.Message) bool {
	_, ok := m.(protocol.FileChunk)
	return ok
}

func TestSendSmallTextSingleEnvelope(t *testing.T) {
	h := newHarness(t, DefaultOptions(), PipeOptions{}, Config{})

	require.NoError(t, h.a.Send(context.Background(), clipboard.TextContent("hello world")))

	got := h.waitContent(t, clipboard.KindText)
	assert.Equal(t, "hello world", got.Text)

	msgs := h.receivedByB()
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.Text{Content: "hello world"}, msgs[0])
}

func TestSendLargeTextReassembly(t *testing.T) {
	for _, k := range []int{1, 2, 50} {
		t.Run(fmt.Sprintf("chunks=%d", k), func(t *testing.T) {
			opts := DefaultOptions()
			opts.TextThreshold = 4
			opts.TextChunkSize = 10
			h := newHarness(t, opts, PipeOptions{}, Config{})

			text := strings.Repeat("0123456789", k)
			require.NoError(t, h.a.Send(context.Background(), clipboard.TextContent(text)))

			got := h.waitContent(t, clipboard.KindText)
			assert.Equal(t, text, got.Text)

			msgs := h.receivedByB()
			require.Len(t, msgs, k+2)
			start, ok := msgs[0].(protocol.TextStart)
			require.True(t, ok)
			assert.Equal(t, k, start.Total)
			for i := 1; i <= k; i++ {
				chunk, ok := msgs[i].(protocol.TextChunk)
				require.True(t, ok)
				assert.Equal(t, i-1, chunk.Seq)
				assert.Equal(t, start.ID, chunk.ID)
			}
			assert.Equal(t, protocol.TextEnd{ID: start.ID}, msgs[k+1])
		})
	}
}

func TestSplitTextKeepsRunes(t *testing.T) {
	text := "剪贴板共享abc"
	for _, size := range []int{1, 2, 3, 4, 7, 100} {
		parts := splitText(text, size)
		assert.Equal(t, text, strings.Join(parts, ""), "size %d", size)
		for _, p := range parts {
			assert.True(t, utf8.ValidString(p), "size %d produced %q", size, p)
		}
	}
	assert.Nil(t, splitText("", 10))
}

func TestFileChecksumRoundTrip(t *testing.T) {
	opts := DefaultOptions()
	opts.ChunkSize = 1024
	opts.AckEvery = 4

	for _, size := range []int{0, 1, opts.ChunkSize, 3*opts.ChunkSize + 7} {
		t.Run(fmt.Sprintf("size=%d", size), func(t *testing.T) {
			dir := t.TempDir()
			h := newHarness(t, opts, PipeOptions{}, Config{Sinks: NewDirSinks(dir)})

			data := randomBytes(size)
			rec := clipboard.NewFileRecord("data.bin", data)
			require.NoError(t, h.a.Send(context.Background(), clipboard.FilesContent([]clipboard.FileRecord{rec})))

			got := h.waitContent(t, clipboard.KindFiles)
			require.Len(t, got.Files, 1)
			assert.Equal(t, rec.Checksum, got.Files[0].Checksum)
			assert.Equal(t, uint64(size), got.Files[0].Size)
			assert.Equal(t, filepath.Join(dir, "data.bin"), got.Files[0].Path)

			onDisk, err := os.ReadFile(got.Files[0].Path)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(data, onDisk))
			assert.Equal(t, rec.Checksum, clipboard.Checksum(onDisk))
		})
	}
}

func TestTwoFilesEnvelopeOrder(t *testing.T) {
	h := newHarness(t, DefaultOptions(), PipeOptions{}, Config{Sinks: MemorySinks{}})

	a := clipboard.NewFileRecord("a.bin", randomBytes(500*1024))
	b := clipboard.NewFileRecord("b.bin", randomBytes(10))
	require.NoError(t, h.a.Send(context.Background(), clipboard.FilesContent([]clipboard.FileRecord{a, b})))

	got := h.waitContent(t, clipboard.KindFiles)
	require.Len(t, got.Files, 2)
	assert.Equal(t, "a.bin", got.Files[0].Name)
	assert.Equal(t, a.Content, got.Files[0].Content)
	assert.Equal(t, "b.bin", got.Files[1].Name)
	assert.Equal(t, b.Content, got.Files[1].Content)
	assert.NoError(t, got.Files[0].Verify())
	assert.NoError(t, got.Files[1].Verify())

	var order []string
	for _, m := range h.receivedByB() {
		var label string
		switch v := m.(type) {
		case protocol.FilesStart:
			label = "start"
		case protocol.FileChunk:
			label = fmt.Sprintf("chunk%d", v.FileIndex)
		case protocol.FileEnd:
			label = fmt.Sprintf("end%d", v.FileIndex)
		case protocol.FilesEnd:
			label = "files.end"
		default:
			label = fmt.Sprintf("%s/%s", v.Kind(), v.Type())
		}
		if len(order) == 0 || order[len(order)-1] != label {
			order = append(order, label)
		}
	}
	assert.Equal(t, []string{"start", "chunk0", "end0", "chunk1", "end1", "files.end"}, order)

	fromB := h.receivedByA()
	require.NotEmpty(t, fromB)
	_, ok := fromB[0].(protocol.FilesReady)
	assert.True(t, ok, "first reply should be files.ready")
	last, ok := fromB[len(fromB)-1].(protocol.Ack)
	require.True(t, ok)
	assert.True(t, last.Final)
	assert.Equal(t, int64(h.countB(isFileChunk)), last.Chunks)
}

func TestSendRespectsBufferedAmount(t *testing.T) {
	opts := DefaultOptions()
	opts.ChunkSize = 8 * 1024
	opts.MaxBufferedAmount = 64 * 1024
	opts.LowWaterMark = 16 * 1024
	h := newHarness(t, opts, PipeOptions{Latency: 100 * time.Microsecond}, Config{Sinks: MemorySinks{}})

	data := randomBytes(int(opts.MaxBufferedAmount) * 12)
	rec := clipboard.NewFileRecord("big.bin", data)
	require.NoError(t, h.a.Send(context.Background(), clipboard.FilesContent([]clipboard.FileRecord{rec})))

	got := h.waitContent(t, clipboard.KindFiles)
	require.Len(t, got.Files, 1)
	assert.Equal(t, data, got.Files[0].Content)

	// 检查在发送前进行，最多再多出一个编码后的分块
	limit := opts.MaxBufferedAmount + uint64(2*opts.ChunkSize)
	assert.LessOrEqual(t, h.pa.MaxBuffered(), limit)
	assert.Greater(t, h.pa.MaxBuffered(), opts.LowWaterMark)
}

func TestReceiverDeclineCleansUp(t *testing.T) {
	dir := t.TempDir()
	dirSinks := NewDirSinks(dir)
	var opened int32
	opener := SinkOpenerFunc(func(ctx context.Context, id string, meta protocol.FileMeta) (Sink, error) {
		if atomic.AddInt32(&opened, 1) == 2 {
			return nil, ErrDeclined
		}
		return dirSinks.OpenSink(ctx, id, meta)
	})

	var cancelled atomic.Value
	hooks := Hooks{OnCancelled: func(_, reason string) { cancelled.Store(reason) }}
	h := newHarness(t, DefaultOptions(), PipeOptions{}, Config{Sinks: opener, Hooks: hooks})

	files := []clipboard.FileRecord{
		clipboard.NewFileRecord("one.txt", []byte("first")),
		clipboard.NewFileRecord("two.txt", []byte("second")),
	}
	err := h.a.Send(context.Background(), clipboard.FilesContent(files))
	require.ErrorIs(t, err, ErrCancelled)

	require.Eventually(t, func() bool { return cancelled.Load() != nil }, 2*time.Second, 5*time.Millisecond)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, 0, h.clip.Writes())
	assert.Equal(t, 0, h.countB(isFileChunk))
}

func TestCloseMidTransferFailsBothSides(t *testing.T) {
	opts := DefaultOptions()
	opts.ChunkSize = 1024
	dir := t.TempDir()

	var failed atomic.Value
	hooks := Hooks{OnDownloadFailed: func(reason string) { failed.Store(reason) }}
	h := newHarness(t, opts, PipeOptions{Latency: 2 * time.Millisecond}, Config{Sinks: NewDirSinks(dir), Hooks: hooks})

	rec := clipboard.NewFileRecord("slow.bin", randomBytes(512*1024))
	errc := make(chan error, 1)
	go func() {
		errc <- h.a.Send(context.Background(), clipboard.FilesContent([]clipboard.FileRecord{rec}))
	}()

	require.Eventually(t, func() bool { return h.countB(isFileChunk) >= 3 }, 5*time.Second, time.Millisecond)
	h.pa.Close()

	select {
	case err := <-errc:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Send did not return after close")
	}

	<-h.a.Done()
	<-h.b.Done()
	assert.NotNil(t, failed.Load())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, 0, h.clip.Writes())

	// 关闭后的Endpoint拒绝新的发送
	assert.ErrorIs(t, h.a.Send(context.Background(), clipboard.TextContent("late")), ErrClosed)
}

func TestChecksumMismatchFailsSession(t *testing.T) {
	var failed atomic.Value
	hooks := Hooks{OnDownloadFailed: func(reason string) { failed.Store(reason) }}
	dir := t.TempDir()
	h := newHarness(t, DefaultOptions(), PipeOptions{}, Config{Sinks: NewDirSinks(dir), Hooks: hooks})

	rec := clipboard.NewFileRecord("bad.bin", randomBytes(4096))
	rec.Checksum = clipboard.Checksum([]byte("something else"))

	err := h.a.Send(context.Background(), clipboard.FilesContent([]clipboard.FileRecord{rec}))
	require.ErrorIs(t, err, ErrCancelled)
	assert.Contains(t, err.Error(), ErrIntegrity.Error())

	require.Eventually(t, func() bool { return failed.Load() != nil }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, failed.Load().(string), ErrIntegrity.Error())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, 0, h.clip.Writes())
}

func TestReadyTimeout(t *testing.T) {
	opts := DefaultOptions()
	opts.ReadyTimeout = 100 * time.Millisecond
	blocking := SinkOpenerFunc(func(ctx context.Context, _ string, _ protocol.FileMeta) (Sink, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, opts, PipeOptions{}, Config{Sinks: blocking})

	rec := clipboard.NewFileRecord("wait.bin", []byte("data"))
	err := h.a.Send(context.Background(), clipboard.FilesContent([]clipboard.FileRecord{rec}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReadyTimeout) || errors.Is(err, ErrCancelled), "unexpected error: %v", err)
	assert.Equal(t, 0, h.countB(isFileChunk))
}

func TestSendContextCancelled(t *testing.T) {
	blocking := SinkOpenerFunc(func(ctx context.Context, _ string, _ protocol.FileMeta) (Sink, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, DefaultOptions(), PipeOptions{}, Config{Sinks: blocking})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	rec := clipboard.NewFileRecord("wait.bin", []byte("data"))
	err := h.a.Send(ctx, clipboard.FilesContent([]clipboard.FileRecord{rec}))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// 接收端收到cancel后放弃等待保存位置
	require.Eventually(t, func() bool {
		_, inbound := h.b.Sessions()
		return inbound == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSendRejectsInvalidContent(t *testing.T) {
	h := newHarness(t, DefaultOptions(), PipeOptions{}, Config{})

	assert.ErrorIs(t, h.a.Send(context.Background(), clipboard.Content{}), clipboard.ErrEmpty)

	files := make([]clipboard.FileRecord, clipboard.MaxFiles+1)
	for i := range files {
		files[i] = clipboard.NewFileRecord(fmt.Sprintf("f%d", i), []byte{byte(i)})
	}
	assert.ErrorIs(t, h.a.Send(context.Background(), clipboard.FilesContent(files)), clipboard.ErrTooManyFiles)
	assert.Empty(t, h.receivedByB())
}

// manualPeer 直接驱动一个接收端，用于构造异常消息序列
type manualPeer struct {
	local *PipeChannel
	ep    *Endpoint

	mu  sync.Mutex
	got []protocol.Message
}

func newManualPeer(t *testing.T, opts Options, cfg Config) *manualPeer {
	t.Helper()
	local, remote := NewPipe("clipboard", PipeOptions{})
	cfg.Options = opts
	cfg.Logger = zap.NewNop()
	p := &manualPeer{local: local, ep: NewEndpoint(remote, cfg)}
	remote.OnMessage(p.ep.HandleMessage)
	remote.OnClose(func() { p.ep.Close(ErrClosed) })
	local.OnMessage(func(data []byte) {
		msg, err := protocol.Decode(data)
		if err != nil {
			return
		}
		p.mu.Lock()
		p.got = append(p.got, msg)
		p.mu.Unlock()
	})
	local.Open()
	t.Cleanup(func() {
		local.Close()
		<-p.ep.Done()
	})
	return p
}

func (p *manualPeer) send(t *testing.T, msg protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, p.local.Send(data))
}

func (p *manualPeer) replies() []protocol.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Message(nil), p.got...)
}

func (p *manualPeer) waitCancel(t *testing.T) protocol.FilesCancel {
	t.Helper()
	var cancel protocol.FilesCancel
	require.Eventually(t, func() bool {
		for _, m := range p.replies() {
			if c, ok := m.(protocol.FilesCancel); ok {
				cancel = c
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return cancel
}

func TestReceiverIdleTimeout(t *testing.T) {
	opts := DefaultOptions()
	opts.IdleTimeout = 50 * time.Millisecond
	var failed atomic.Value
	dir := t.TempDir()
	p := newManualPeer(t, opts, Config{
		Sinks: NewDirSinks(dir),
		Hooks: Hooks{OnDownloadFailed: func(reason string) { failed.Store(reason) }},
	})

	data := []byte("partial content")
	p.send(t, protocol.FilesStart{
		SessionID: "s1",
		Files:     []protocol.FileMeta{{Name: "p.txt", Size: uint64(len(data)), Checksum: clipboard.Checksum(data)}},
	})
	p.send(t, protocol.FileChunk{SessionID: "s1", FileIndex: 0, Data: data[:4]})

	cancel := p.waitCancel(t)
	assert.Equal(t, "s1", cancel.SessionID)
	assert.Contains(t, cancel.Reason, ErrIdleTimeout.Error())
	assert.Equal(t, protocol.FilesReady{SessionID: "s1"}, p.replies()[0])

	require.Eventually(t, func() bool { return failed.Load() != nil }, time.Second, 5*time.Millisecond)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReceiverRejectsOutOfOrderFile(t *testing.T) {
	dir := t.TempDir()
	p := newManualPeer(t, DefaultOptions(), Config{Sinks: NewDirSinks(dir)})

	p.send(t, protocol.FilesStart{
		SessionID: "s2",
		Files: []protocol.FileMeta{
			{Name: "a", Size: 1, Checksum: clipboard.Checksum([]byte("a"))},
			{Name: "b", Size: 1, Checksum: clipboard.Checksum([]byte("b"))},
		},
	})
	p.send(t, protocol.FileChunk{SessionID: "s2", FileIndex: 1, Data: []byte("b")})

	cancel := p.waitCancel(t)
	assert.Contains(t, cancel.Reason, ErrProtocol.Error())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReceiverRejectsTooManyFiles(t *testing.T) {
	p := newManualPeer(t, DefaultOptions(), Config{})

	metas := make([]protocol.FileMeta, clipboard.MaxFiles+1)
	for i := range metas {
		metas[i] = protocol.FileMeta{Name: fmt.Sprintf("f%d", i), Size: 1}
	}
	p.send(t, protocol.FilesStart{SessionID: "s3", Files: metas})

	cancel := p.waitCancel(t)
	assert.Equal(t, "s3", cancel.SessionID)
	for _, m := range p.replies() {
		_, ready := m.(protocol.FilesReady)
		assert.False(t, ready)
	}
}

func TestReceiverIgnoresUnknownEnvelopes(t *testing.T) {
	clip := clipboard.NewMemory(clipboard.Content{})
	p := newManualPeer(t, DefaultOptions(), Config{Clipboard: clip})

	require.NoError(t, p.local.Send([]byte(`{"v":2,"kind":"text","content":"future"}`)))
	require.NoError(t, p.local.Send([]byte(`{"v":1,"kind":"video"}`)))
	require.NoError(t, p.local.Send([]byte(`not json`)))
	p.send(t, protocol.Text{Content: "after"})

	require.Eventually(t, func() bool {
		c, _ := clip.GetContent()
		return c.Kind == clipboard.KindText
	}, 2*time.Second, 5*time.Millisecond)
	c, _ := clip.GetContent()
	assert.Equal(t, "after", c.Text)
	assert.Equal(t, 1, clip.Writes())
}

func TestReceiverReportsProgress(t *testing.T) {
	opts := DefaultOptions()
	opts.ChunkSize = 1024

	var mu sync.Mutex
	var percents []int
	hooks := Hooks{OnProgress: func(_ string, percent int) {
		mu.Lock()
		percents = append(percents, percent)
		mu.Unlock()
	}}
	h := newHarness(t, opts, PipeOptions{}, Config{Sinks: MemorySinks{}, Hooks: hooks})

	rec := clipboard.NewFileRecord("p.bin", randomBytes(20*1024))
	require.NoError(t, h.a.Send(context.Background(), clipboard.FilesContent([]clipboard.FileRecord{rec})))
	h.waitContent(t, clipboard.KindFiles)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, percents)
	assert.Equal(t, 100, percents[len(percents)-1])
	for i := 1; i < len(percents); i++ {
		assert.Greater(t, percents[i], percents[i-1])
	}
}

// scriptedChannel 记录发送端发出的消息，reply决定对端的回应；hold为true时缓冲从不排空
type scriptedChannel struct {
	mu       sync.Mutex
	ep       *Endpoint
	sent     []protocol.Message
	buffered uint64
	hold     bool
	reply    func(protocol.Message) []protocol.Message
}

func newScripted(t *testing.T, opts Options, hooks Hooks, hold bool, reply func(protocol.Message) []protocol.Message) *scriptedChannel {
	t.Helper()
	ch := &scriptedChannel{hold: hold, reply: reply}
	ep := NewEndpoint(ch, Config{Options: opts, Hooks: hooks, Logger: zap.NewNop()})
	ch.mu.Lock()
	ch.ep = ep
	ch.mu.Unlock()
	t.Cleanup(func() {
		ep.Close(ErrClosed)
		<-ep.Done()
	})
	return ch
}

func (c *scriptedChannel) Send(data []byte) error {
	msg, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	if c.hold {
		c.buffered += uint64(len(data))
	}
	ep, reply := c.ep, c.reply
	c.mu.Unlock()

	if reply == nil {
		return nil
	}
	for _, r := range reply(msg) {
		out, err := protocol.Encode(r)
		if err != nil {
			return err
		}
		ep.HandleMessage(out)
	}
	return nil
}

func (c *scriptedChannel) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *scriptedChannel) SetBufferedAmountLowThreshold(uint64) {}

func (c *scriptedChannel) OnBufferedAmountLow(func()) {}

func (c *scriptedChannel) messages() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Message(nil), c.sent...)
}

func (c *scriptedChannel) count(match func(protocol.Message) bool) int {
	n := 0
	for _, m := range c.messages() {
		if match(m) {
			n++
		}
	}
	return n
}

// readyOnStart 对files.start立即回复files.ready
func readyOnStart(m protocol.Message) []protocol.Message {
	if start, ok := m.(protocol.FilesStart); ok {
		return []protocol.Message{protocol.FilesReady{SessionID: start.SessionID}}
	}
	return nil
}

func isFilesCancel(m protocol.Message) bool {
	_, ok := m.(protocol.FilesCancel)
	return ok
}

func TestSendDrainTimeout(t *testing.T) {
	opts := DefaultOptions()
	opts.ChunkSize = 1024
	opts.MaxBufferedAmount = 4096
	opts.LowWaterMark = 1024
	opts.AckEvery = 1000
	opts.DrainTimeout = 50 * time.Millisecond
	ch := newScripted(t, opts, Hooks{}, true, readyOnStart)

	rec := clipboard.NewFileRecord("stuck.bin", randomBytes(16*1024))
	start := time.Now()
	err := ch.ep.Send(context.Background(), clipboard.FilesContent([]clipboard.FileRecord{rec}))
	require.ErrorIs(t, err, ErrDrainTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)

	chunks := ch.count(isFileChunk)
	assert.Greater(t, chunks, 0)
	assert.Less(t, chunks, 16)

	// 发送端失败时通知接收端
	msgs := ch.messages()
	assert.True(t, isFilesCancel(msgs[len(msgs)-1]))
}

func TestSendAckTimeout(t *testing.T) {
	opts := DefaultOptions()
	opts.ChunkSize = 1024
	opts.AckEvery = 4
	opts.AckTimeout = 50 * time.Millisecond
	ch := newScripted(t, opts, Hooks{}, false, readyOnStart)

	rec := clipboard.NewFileRecord("noack.bin", randomBytes(10*1024))
	err := ch.ep.Send(context.Background(), clipboard.FilesContent([]clipboard.FileRecord{rec}))
	require.ErrorIs(t, err, ErrAckTimeout)
	assert.Equal(t, opts.AckEvery, ch.count(isFileChunk))
	assert.Equal(t, 1, ch.count(isFilesCancel))
}

func TestSendStopsOnPeerCancel(t *testing.T) {
	opts := DefaultOptions()
	opts.ChunkSize = 1024
	opts.AckEvery = 1000

	var chunks int
	reply := func(m protocol.Message) []protocol.Message {
		if chunk, ok := m.(protocol.FileChunk); ok {
			chunks++
			if chunks == 4 {
				return []protocol.Message{protocol.FilesCancel{SessionID: chunk.SessionID, Reason: "user"}}
			}
			return nil
		}
		return readyOnStart(m)
	}
	ch := newScripted(t, opts, Hooks{}, false, reply)

	rec := clipboard.NewFileRecord("cancel.bin", randomBytes(12*1024))
	err := ch.ep.Send(context.Background(), clipboard.FilesContent([]clipboard.FileRecord{rec}))
	require.ErrorIs(t, err, ErrCancelled)
	assert.Contains(t, err.Error(), "user")

	// 取消后不再发送任何分块，也不回送cancel
	assert.Equal(t, 4, ch.count(isFileChunk))
	assert.Zero(t, ch.count(isFilesCancel))
	msgs := ch.messages()
	assert.True(t, isFileChunk(msgs[len(msgs)-1]))
}

func TestSendReportsSessionStatus(t *testing.T) {
	opts := DefaultOptions()
	opts.ChunkSize = 1024

	var mu sync.Mutex
	var statuses []Status
	hooks := Hooks{OnSessionStatus: func(_ string, status Status) {
		mu.Lock()
		statuses = append(statuses, status)
		mu.Unlock()
	}}

	var chunks int64
	reply := func(m protocol.Message) []protocol.Message {
		switch msg := m.(type) {
		case protocol.FileChunk:
			chunks++
		case protocol.FilesEnd:
			return []protocol.Message{protocol.Ack{SessionID: msg.SessionID, Chunks: chunks, Final: true}}
		}
		return readyOnStart(m)
	}
	ch := newScripted(t, opts, hooks, false, reply)

	rec := clipboard.NewFileRecord("status.bin", randomBytes(3*1024))
	require.NoError(t, ch.ep.Send(context.Background(), clipboard.FilesContent([]clipboard.FileRecord{rec})))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{StatusReadyWait, StatusStreaming, StatusFinalizing, StatusCompleted}, statuses)
}

// failingClipboard 写入总是失败
type failingClipboard struct{}

func (failingClipboard) GetContent() (clipboard.Content, error) { return clipboard.Content{}, nil }

func (failingClipboard) SetContent(clipboard.Content) error { return errors.New("clipboard locked") }

func TestClipboardFailureWithholdsFinalAck(t *testing.T) {
	var failed atomic.Value
	hooks := Hooks{OnDownloadFailed: func(reason string) { failed.Store(reason) }}
	dir := t.TempDir()
	h := newHarness(t, DefaultOptions(), PipeOptions{}, Config{
		Clipboard: failingClipboard{},
		Sinks:     NewDirSinks(dir),
		Hooks:     hooks,
	})

	rec := clipboard.NewFileRecord("locked.bin", randomBytes(4096))
	err := h.a.Send(context.Background(), clipboard.FilesContent([]clipboard.FileRecord{rec}))
	require.ErrorIs(t, err, ErrCancelled)
	assert.Contains(t, err.Error(), "clipboard locked")

	require.Eventually(t, func() bool { return failed.Load() != nil }, 2*time.Second, 5*time.Millisecond)
	for _, m := range h.receivedByA() {
		if ack, ok := m.(protocol.Ack); ok {
			assert.False(t, ack.Final, "final ack sent despite clipboard failure")
		}
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
