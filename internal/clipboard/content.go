// Package clipboard 剪贴板内容模型和适配器
package clipboard

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	// MaxFiles 单次共享的文件数上限
	MaxFiles = 10
	// MaxFileSize 单个文件大小上限，超过的文件被跳过
	MaxFileSize = 50 * 1024 * 1024
)

var (
	ErrEmpty        = errors.New("剪贴板为空")
	ErrTooLarge     = errors.New("文件超过大小限制")
	ErrTooManyFiles = errors.New("文件数量超过限制")
)

// Kind 内容类型
type Kind int

const (
	KindNone Kind = iota
	KindText
	KindFiles
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindFiles:
		return "files"
	default:
		return "none"
	}
}

// Content 剪贴板内容，Text和Files二选一
type Content struct {
	Kind  Kind
	Text  string
	Files []FileRecord
}

// TextContent 创建文本内容
func TextContent(text string) Content {
	return Content{Kind: KindText, Text: text}
}

// FilesContent 创建文件内容
func FilesContent(files []FileRecord) Content {
	return Content{Kind: KindFiles, Files: files}
}

// IsEmpty 没有可共享的内容
func (c Content) IsEmpty() bool {
	switch c.Kind {
	case KindText:
		return c.Text == ""
	case KindFiles:
		return len(c.Files) == 0
	default:
		return true
	}
}

// Validate 检查内容是否满足共享条件
func (c Content) Validate() error {
	switch c.Kind {
	case KindText:
		if c.Text == "" {
			return ErrEmpty
		}
		if len(c.Files) != 0 {
			return fmt.Errorf("文本内容不能同时包含文件")
		}
	case KindFiles:
		if c.Text != "" {
			return fmt.Errorf("文件内容不能同时包含文本")
		}
		if len(c.Files) == 0 {
			return ErrEmpty
		}
		if len(c.Files) > MaxFiles {
			return fmt.Errorf("%w: %d > %d", ErrTooManyFiles, len(c.Files), MaxFiles)
		}
	default:
		return ErrEmpty
	}
	return nil
}

// FileRecord 文件记录
//
// Content在发送端（从磁盘读取）和最终接收端（重组后）填充，
// Path是文件在本机上的位置，接收端写入磁盘时设置。
type FileRecord struct {
	Name     string
	Size     uint64
	Checksum string // sha256 hex
	Content  []byte
	Path     string
}

// NewFileRecord 从内存数据创建文件记录
func NewFileRecord(name string, data []byte) FileRecord {
	return FileRecord{
		Name:     filepath.Base(name),
		Size:     uint64(len(data)),
		Checksum: Checksum(data),
		Content:  data,
	}
}

// LoadFileRecord 读取磁盘文件创建记录，内容在此刻快照
func LoadFileRecord(path string, maxSize int64) (FileRecord, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileRecord{}, fmt.Errorf("文件不存在: %w", err)
	}
	if info.IsDir() {
		return FileRecord{}, fmt.Errorf("不是文件: %s", path)
	}
	if maxSize > 0 && info.Size() > maxSize {
		return FileRecord{}, fmt.Errorf("%w: %s (%d 字节)", ErrTooLarge, path, info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return FileRecord{}, fmt.Errorf("读取文件失败: %w", err)
	}
	record := NewFileRecord(filepath.Base(path), data)
	record.Path = path
	return record, nil
}

// Verify 校验内容的大小和sha256
func (f FileRecord) Verify() error {
	if f.Content == nil {
		return fmt.Errorf("文件 %s 没有内容", f.Name)
	}
	if uint64(len(f.Content)) != f.Size {
		return fmt.Errorf("文件 %s 大小不符: %d != %d", f.Name, len(f.Content), f.Size)
	}
	if sum := Checksum(f.Content); sum != f.Checksum {
		return fmt.Errorf("文件 %s 校验和不符", f.Name)
	}
	return nil
}

// Open 打开文件内容用于流式读取
func (f FileRecord) Open() (io.ReadCloser, error) {
	if f.Content != nil || f.Size == 0 {
		return io.NopCloser(bytes.NewReader(f.Content)), nil
	}
	if f.Path == "" {
		return nil, fmt.Errorf("文件 %s 没有内容也没有路径", f.Name)
	}
	return os.Open(f.Path)
}

// Checksum 计算sha256 hex
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ExpandPaths 把看起来像文件路径的文本展开为文件记录
//
// 每行一个绝对路径，所有行都必须指向存在的普通文件；超过MaxFileSize的文件被跳过，
// 最多保留MaxFiles个。返回false表示文本不是路径列表。
func ExpandPaths(text string) ([]FileRecord, bool) {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, false
	}

	paths := make([]string, 0, len(lines))
	for _, line := range lines {
		p := strings.Trim(strings.TrimSpace(line), "\"")
		p = strings.TrimPrefix(p, "file://")
		if p == "" {
			continue
		}
		if !filepath.IsAbs(p) {
			return nil, false
		}
		info, err := os.Stat(p)
		if err != nil || info.IsDir() {
			return nil, false
		}
		paths = append(paths, p)
	}

	records := make([]FileRecord, 0, len(paths))
	for _, p := range paths {
		if len(records) == MaxFiles {
			break
		}
		record, err := LoadFileRecord(p, MaxFileSize)
		if err != nil {
			continue
		}
		records = append(records, record)
	}
	if len(records) == 0 {
		return nil, false
	}
	return records, true
}
