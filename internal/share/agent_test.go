package share

import (
	"context"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"clipshare/internal/clipboard"
	"clipshare/internal/negotiator"
	"clipshare/internal/session"
	"clipshare/internal/signaling"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type network struct {
	t      *testing.T
	server *signaling.Server
	url    string
	engine *negotiator.MemoryEngine
}

func newNetwork(t *testing.T) *network {
	s := signaling.NewServer(signaling.ServerConfig{Logger: zap.NewNop()})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &network{t: t, server: s, url: ts.URL, engine: negotiator.NewMemoryEngine()}
}

type node struct {
	id     string
	client *signaling.Client
	agent  *Agent
	clip   *clipboard.Memory
	cancel context.CancelFunc
	done   chan error
}

func (n *network) join(initial clipboard.Content, serve bool, hooks session.Hooks) *node {
	t := n.t
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := signaling.Dial(ctx, signaling.ClientConfig{URL: n.url, Logger: zap.NewNop()})
	require.NoError(t, err)
	id, err := client.Register(ctx)
	require.NoError(t, err)

	opts := negotiator.DefaultOptions()
	opts.Linger = 200 * time.Millisecond
	clip := clipboard.NewMemory(initial)
	agent, err := New(Config{
		Relay:     client,
		Engine:    n.engine,
		Clipboard: clip,
		Sinks:     session.MemorySinks{},
		Hooks:     hooks,
		Options:   opts,
		Serve:     serve,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)

	runCtx, stop := context.WithCancel(context.Background())
	nd := &node{id: id, client: client, agent: agent, clip: clip, cancel: stop, done: make(chan error, 1)}
	go func() { nd.done <- agent.Run(runCtx) }()
	t.Cleanup(func() {
		stop()
		<-nd.done
		client.Close()
	})

	if serve {
		require.Eventually(t, func() bool {
			for _, d := range n.server.Hub().List() {
				if d.ID == id {
					return d.Ready
				}
			}
			return false
		}, 5*time.Second, 5*time.Millisecond)
	}
	return nd
}

func TestAgentSharesTextThroughRelay(t *testing.T) {
	net := newNetwork(t)
	var completed atomic.Int32
	sharer := net.join(clipboard.TextContent("hello world"), true, session.Hooks{
		OnShareComplete: func() { completed.Add(1) },
	})
	requester := net.join(clipboard.Content{}, false, session.Hooks{})

	require.NoError(t, requester.agent.RequestShare())

	require.Eventually(t, func() bool {
		c, _ := requester.clip.GetContent()
		return c.Kind == clipboard.KindText && c.Text == "hello world"
	}, 10*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return completed.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	// 再次请求仍由同一个端点共享
	require.NoError(t, sharer.agent.Stage(clipboard.TextContent("second")))
	require.NoError(t, requester.agent.RequestShare())
	require.Eventually(t, func() bool {
		c, _ := requester.clip.GetContent()
		return c.Text == "second"
	}, 10*time.Second, 10*time.Millisecond)
}

func TestAgentSharesFilesThroughRelay(t *testing.T) {
	net := newNetwork(t)
	files := []clipboard.FileRecord{
		clipboard.NewFileRecord("report.pdf", make([]byte, 200*1024)),
		clipboard.NewFileRecord("notes.txt", []byte("remember the milk")),
	}
	net.join(clipboard.FilesContent(files), true, session.Hooks{})
	requester := net.join(clipboard.Content{}, false, session.Hooks{})

	require.NoError(t, requester.agent.RequestShare())

	var got clipboard.Content
	require.Eventually(t, func() bool {
		got, _ = requester.clip.GetContent()
		return got.Kind == clipboard.KindFiles
	}, 10*time.Second, 10*time.Millisecond)
	require.Len(t, got.Files, 2)
	assert.Equal(t, "report.pdf", got.Files[0].Name)
	assert.Equal(t, files[0].Checksum, got.Files[0].Checksum)
	assert.Equal(t, files[1].Checksum, got.Files[1].Checksum)
}

func TestAgentNoSharerAvailable(t *testing.T) {
	net := newNetwork(t)
	var fired atomic.Int32
	requester := net.join(clipboard.Content{}, false, session.Hooks{
		OnNoSharerAvailable: func() { fired.Add(1) },
	})

	require.NoError(t, requester.agent.RequestShare())
	require.Eventually(t, func() bool { return fired.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestAgentNoContentAvailable(t *testing.T) {
	net := newNetwork(t)
	net.join(clipboard.Content{}, true, session.Hooks{})
	var fired atomic.Int32
	requester := net.join(clipboard.Content{}, false, session.Hooks{
		OnNoContentAvailable: func() { fired.Add(1) },
	})

	require.NoError(t, requester.agent.RequestShare())
	require.Eventually(t, func() bool { return fired.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, net.engine.Created())
}

func TestAgentDestroysConnectionOnDisconnect(t *testing.T) {
	net := newNetwork(t)
	sharer := net.join(clipboard.TextContent("bye"), true, session.Hooks{})
	requester := net.join(clipboard.Content{}, false, session.Hooks{})

	require.NoError(t, requester.agent.RequestShare())
	require.Eventually(t, func() bool {
		return sharer.agent.Negotiator().Registry().Lookup(requester.id) != nil
	}, 5*time.Second, 10*time.Millisecond)

	requester.client.Close()
	require.Eventually(t, func() bool {
		return sharer.agent.Negotiator().Registry().Lookup(requester.id) == nil
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case err := <-requester.done:
		assert.ErrorIs(t, err, ErrRelayClosed)
		requester.done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop after the relay closed")
	}
}
