package clipboard

import (
	"fmt"
	"strings"
	"sync"

	sysclip "github.com/atotto/clipboard"
)

// Adapter 本机剪贴板
type Adapter interface {
	GetContent() (Content, error)
	SetContent(Content) error
}

// Memory 内存剪贴板，用于测试和无图形环境
type Memory struct {
	mu      sync.Mutex
	content Content
	writes  int
}

// NewMemory 创建内存剪贴板
func NewMemory(initial Content) *Memory {
	return &Memory{content: initial}
}

func (m *Memory) GetContent() (Content, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.content, nil
}

func (m *Memory) SetContent(c Content) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.content = c
	m.writes++
	return nil
}

// Writes 返回SetContent被调用的次数
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// System 系统剪贴板
//
// 只能读写文本，文本是路径列表时展开为文件；写入文件内容时把保存路径逐行写入。
type System struct {
	mu sync.Mutex
}

// NewSystem 创建系统剪贴板适配器
func NewSystem() (*System, error) {
	if sysclip.Unsupported {
		return nil, fmt.Errorf("当前系统不支持剪贴板（缺少xclip/xsel/wl-clipboard?）")
	}
	return &System{}, nil
}

func (s *System) GetContent() (Content, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	text, err := sysclip.ReadAll()
	if err != nil {
		return Content{}, fmt.Errorf("读取剪贴板失败: %w", err)
	}
	if text == "" {
		return Content{}, nil
	}
	if files, ok := ExpandPaths(text); ok {
		return FilesContent(files), nil
	}
	return TextContent(text), nil
}

func (s *System) SetContent(c Content) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var text string
	switch c.Kind {
	case KindText:
		text = c.Text
	case KindFiles:
		paths := make([]string, 0, len(c.Files))
		for _, f := range c.Files {
			if f.Path != "" {
				paths = append(paths, f.Path)
			}
		}
		text = strings.Join(paths, "\n")
	default:
		return ErrEmpty
	}

	if err := sysclip.WriteAll(text); err != nil {
		return fmt.Errorf("写入剪贴板失败: %w", err)
	}
	return nil
}
