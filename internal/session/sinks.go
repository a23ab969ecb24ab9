package session

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"clipshare/internal/protocol"
)

// Sink 单个文件的写入端
type Sink interface {
	Write(p []byte) (int, error)
	// Close 刷新并关闭，文件保留
	Close() error
	// Discard 关闭并删除已写入的数据
	Discard() error
	// Path 文件在本机的位置，内存写入端返回空串
	Path() string
}

// SinkOpener 为接收的文件获取保存位置并打开写入端
//
// 用户拒绝保存时返回ErrDeclined。实现应遵守ctx取消。
type SinkOpener interface {
	OpenSink(ctx context.Context, sessionID string, meta protocol.FileMeta) (Sink, error)
}

// SinkOpenerFunc 函数适配器，用于弹窗选择保存位置等场景
type SinkOpenerFunc func(ctx context.Context, sessionID string, meta protocol.FileMeta) (Sink, error)

func (f SinkOpenerFunc) OpenSink(ctx context.Context, sessionID string, meta protocol.FileMeta) (Sink, error) {
	return f(ctx, sessionID, meta)
}

// DirSinks 把文件保存到指定目录，同名文件追加 " (n)"
type DirSinks struct {
	Dir string

	mu sync.Mutex
}

// NewDirSinks 创建目录写入端
func NewDirSinks(dir string) *DirSinks {
	return &DirSinks{Dir: dir}
}

func (d *DirSinks) OpenSink(ctx context.Context, _ string, meta protocol.FileMeta) (Sink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir := d.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建保存目录失败: %w", err)
	}

	name := filepath.Base(filepath.Clean("/" + meta.Name))
	if name == "/" || name == "." || name == "" {
		name = "download"
	}

	// 查找可用文件名和创建文件需要原子完成
	d.mu.Lock()
	defer d.mu.Unlock()

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 0; i < 1000; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}
		path := filepath.Join(dir, candidate)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if os.IsExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("创建文件失败: %w", err)
		}
		return &fileSink{file: f, path: path}, nil
	}
	return nil, fmt.Errorf("无法为 %s 找到可用的文件名", name)
}

type fileSink struct {
	file   *os.File
	path   string
	closed bool
}

func (s *fileSink) Write(p []byte) (int, error) {
	return s.file.Write(p)
}

func (s *fileSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return fmt.Errorf("刷新文件失败: %w", err)
	}
	return s.file.Close()
}

func (s *fileSink) Discard() error {
	if !s.closed {
		s.closed = true
		s.file.Close()
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("删除文件失败: %w", err)
	}
	return nil
}

func (s *fileSink) Path() string {
	return s.path
}

// MemorySinks 在内存中接收文件，接收完成后FileRecord.Content被填充
type MemorySinks struct{}

func (MemorySinks) OpenSink(ctx context.Context, _ string, _ protocol.FileMeta) (Sink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memorySink{}, nil
}

type memorySink struct {
	buf bytes.Buffer
}

func (s *memorySink) Write(p []byte) (int, error) { return s.buf.Write(p) }
func (s *memorySink) Close() error { return nil }
func (s *memorySink) Path() string { return "" }

func (s *memorySink) Discard() error {
	s.buf.Reset()
	return nil
}

// Bytes 返回已接收的数据
func (s *memorySink) Bytes() []byte {
	return s.buf.Bytes()
}
