// Package protocol 定义数据通道上的信封格式和信令服务器的消息格式
//
// 数据通道上每条消息是一个JSON信封，带协议版本v和类型kind（text / files / ack），
// text和files再用type区分子消息。文件分块数据以base64编码放在data字段中。
// 未知的版本或类型解码为Unrecognized，由调用方忽略。
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version 当前协议版本
const Version = 1

// Kind 信封类型
type Kind string

const (
	KindText  Kind = "text"
	KindFiles Kind = "files"
	KindAck   Kind = "ack"
)

// 子消息类型
const (
	TypeStart     = "start"
	TypeChunk     = "chunk"
	TypeEnd       = "end"
	TypeReady     = "ready"
	TypeCancel    = "cancel"
	TypeFileChunk = "file_chunk"
	TypeFileEnd   = "file_end"
)

// Message 数据通道消息，具体类型见下方各结构体
type Message interface {
	Kind() Kind
	Type() string
}

// FileMeta 文件元数据（不含内容）
type FileMeta struct {
	Name     string `json:"name"`
	Size     uint64 `json:"size"`
	Checksum string `json:"checksum"`
}

// Text 小文本，一个信封发完
type Text struct {
	Content string `json:"content"`
}

// TextStart 大文本开始，Total为分块数，ChunkSize为分块字节数上限
type TextStart struct {
	ID        string `json:"id"`
	Total     int    `json:"total"`
	ChunkSize int    `json:"chunkSize"`
}

// TextChunk 大文本分块
type TextChunk struct {
	ID   string `json:"id"`
	Seq  int    `json:"seq"`
	Data string `json:"data"`
}

// TextEnd 大文本结束
type TextEnd struct {
	ID string `json:"id"`
}

// FilesStart 文件会话开始，只带元数据，接收端可以立即准备保存位置
//
// AckEvery告诉接收端每收到多少块回一次ack，为0时接收端使用本地默认值。
type FilesStart struct {
	SessionID string     `json:"sessionId"`
	Files     []FileMeta `json:"files"`
	AckEvery  int        `json:"ackEvery,omitempty"`
}

// FilesReady 接收端已准备好
type FilesReady struct {
	SessionID string `json:"sessionId"`
}

// FilesCancel 任一方取消会话
type FilesCancel struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// FileChunk 文件分块，Data在JSON中为base64
type FileChunk struct {
	SessionID string `json:"sessionId"`
	FileIndex int    `json:"fileIndex"`
	Data      []byte `json:"data"`
}

// FileEnd 单个文件结束
type FileEnd struct {
	SessionID string `json:"sessionId"`
	FileIndex int    `json:"fileIndex"`
}

// FilesEnd 文件会话结束
type FilesEnd struct {
	SessionID string `json:"sessionId"`
}

// Ack 应用层确认，Chunks为会话内累计收到的分块数，Final表示会话已完成
type Ack struct {
	SessionID string `json:"sessionId"`
	Chunks    int64  `json:"chunks"`
	Final     bool   `json:"final,omitempty"`
}

// Unrecognized 无法识别的信封，调用方应忽略
type Unrecognized struct {
	Version int
	RawKind Kind
	RawType string
}

func (Text) Kind() Kind { return KindText }
func (TextStart) Kind() Kind { return KindText }
func (TextChunk) Kind() Kind { return KindText }
func (TextEnd) Kind() Kind { return KindText }
func (FilesStart) Kind() Kind { return KindFiles }
func (FilesReady) Kind() Kind { return KindFiles }
func (FilesCancel) Kind() Kind { return KindFiles }
func (FileChunk) Kind() Kind { return KindFiles }
func (FileEnd) Kind() Kind { return KindFiles }
func (FilesEnd) Kind() Kind { return KindFiles }
func (Ack) Kind() Kind { return KindAck }
func (u Unrecognized) Kind() Kind { return u.RawKind }

func (Text) Type() string { return "" }
func (TextStart) Type() string { return TypeStart }
func (TextChunk) Type() string { return TypeChunk }
func (TextEnd) Type() string { return TypeEnd }
func (FilesStart) Type() string { return TypeStart }
func (FilesReady) Type() string { return TypeReady }
func (FilesCancel) Type() string { return TypeCancel }
func (FileChunk) Type() string { return TypeFileChunk }
func (FileEnd) Type() string { return TypeFileEnd }
func (FilesEnd) Type() string { return TypeEnd }
func (Ack) Type() string { return "" }
func (u Unrecognized) Type() string { return u.RawType }

// header 所有信封共有的字段
type header struct {
	Version int    `json:"v"`
	Kind    Kind   `json:"kind"`
	Type    string `json:"type,omitempty"`
}

// Encode 编码信封
func Encode(msg Message) ([]byte, error) {
	h := header{Version: Version, Kind: msg.Kind(), Type: msg.Type()}

	switch m := msg.(type) {
	case Text:
		return json.Marshal(struct {
			header
			Text
		}{h, m})
	case TextStart:
		return json.Marshal(struct {
			header
			TextStart
		}{h, m})
	case TextChunk:
		return json.Marshal(struct {
			header
			TextChunk
		}{h, m})
	case TextEnd:
		return json.Marshal(struct {
			header
			TextEnd
		}{h, m})
	case FilesStart:
		return json.Marshal(struct {
			header
			FilesStart
		}{h, m})
	case FilesReady:
		return json.Marshal(struct {
			header
			FilesReady
		}{h, m})
	case FilesCancel:
		return json.Marshal(struct {
			header
			FilesCancel
		}{h, m})
	case FileChunk:
		return json.Marshal(struct {
			header
			FileChunk
		}{h, m})
	case FileEnd:
		return json.Marshal(struct {
			header
			FileEnd
		}{h, m})
	case FilesEnd:
		return json.Marshal(struct {
			header
			FilesEnd
		}{h, m})
	case Ack:
		return json.Marshal(struct {
			header
			Ack
		}{h, m})
	default:
		return nil, fmt.Errorf("无法编码的消息类型: %T", msg)
	}
}

// Decode 解码信封
//
// 只有JSON格式错误才返回error；版本或类型未知时返回Unrecognized。
func Decode(data []byte) (Message, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("解析信封失败: %w", err)
	}

	unknown := Unrecognized{Version: h.Version, RawKind: h.Kind, RawType: h.Type}
	if h.Version != Version {
		return unknown, nil
	}

	var target Message
	switch h.Kind {
	case KindText:
		switch h.Type {
		case "":
			target = &Text{}
		case TypeStart:
			target = &TextStart{}
		case TypeChunk:
			target = &TextChunk{}
		case TypeEnd:
			target = &TextEnd{}
		}
	case KindFiles:
		switch h.Type {
		case TypeStart:
			target = &FilesStart{}
		case TypeReady:
			target = &FilesReady{}
		case TypeCancel:
			target = &FilesCancel{}
		case TypeFileChunk:
			target = &FileChunk{}
		case TypeFileEnd:
			target = &FileEnd{}
		case TypeEnd:
			target = &FilesEnd{}
		}
	case KindAck:
		target = &Ack{}
	}
	if target == nil {
		return unknown, nil
	}

	if err := json.Unmarshal(data, target); err != nil {
		return nil, fmt.Errorf("解析%s/%s信封失败: %w", h.Kind, h.Type, err)
	}
	return deref(target), nil
}

// deref 解码时使用指针，返回值统一为值类型
func deref(m Message) Message {
	switch v := m.(type) {
	case *Text:
		return *v
	case *TextStart:
		return *v
	case *TextChunk:
		return *v
	case *TextEnd:
		return *v
	case *FilesStart:
		return *v
	case *FilesReady:
		return *v
	case *FilesCancel:
		return *v
	case *FileChunk:
		return *v
	case *FileEnd:
		return *v
	case *FilesEnd:
		return *v
	case *Ack:
		return *v
	}
	return m
}
