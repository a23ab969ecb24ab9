// Package session 在一条已打开的数据通道上传输剪贴板内容
//
// 发送端：小文本一个信封；大文本 start/chunk/end；文件 files.start → 等待 files.ready →
// 逐个文件 file_chunk... file_end → files.end → 等待最终ack。
// 发送时同时受两种流控约束：数据通道缓冲区水位和接收端每N块一次的ack。
// 接收端：按顺序处理消息，为每个文件打开写入端，校验大小和sha256，完成后写入剪贴板。
package session

import (
	"errors"
	"time"
)

var (
	ErrCancelled    = errors.New("会话已取消")
	ErrDeclined     = errors.New("用户取消了保存")
	ErrReadyTimeout = errors.New("等待接收端准备超时")
	ErrAckTimeout   = errors.New("等待确认超时")
	ErrDrainTimeout = errors.New("等待发送缓冲区排空超时")
	ErrIdleTimeout  = errors.New("接收数据超时")
	ErrIntegrity    = errors.New("文件完整性校验失败")
	ErrProtocol     = errors.New("协议错误")
	ErrClosed       = errors.New("连接已关闭")
)

// Status 会话状态
type Status string

const (
	StatusActive     Status = "active"
	StatusReadyWait  Status = "ready-wait"
	StatusStreaming  Status = "streaming"
	StatusFinalizing Status = "finalizing"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
)

// Options 传输参数
type Options struct {
	// ChunkSize 文件分块字节数；base64后需小于SCTP单条消息上限
	ChunkSize int
	// TextChunkSize 大文本分块字节数
	TextChunkSize int
	// TextThreshold 文本超过该字节数时分块发送
	TextThreshold int
	// AckEvery 接收端每收到多少块回一次ack
	AckEvery int
	// MaxBufferedAmount 通道缓冲超过该值时暂停发送
	MaxBufferedAmount uint64
	// LowWaterMark 缓冲降到该值以下时恢复发送
	LowWaterMark uint64

	ReadyTimeout time.Duration
	DrainTimeout time.Duration
	AckTimeout   time.Duration
	IdleTimeout  time.Duration
}

// DefaultOptions 默认传输参数
func DefaultOptions() Options {
	return Options{
		ChunkSize:         32 * 1024,
		TextChunkSize:     16 * 1024,
		TextThreshold:     16 * 1024,
		AckEvery:          100,
		MaxBufferedAmount: 1024 * 1024,
		LowWaterMark:      256 * 1024,
		ReadyTimeout:      3 * time.Minute,
		DrainTimeout:      30 * time.Second,
		AckTimeout:        30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// WithDefaults 未设置的字段使用默认值
func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	if o.ChunkSize <= 0 {
		o.ChunkSize = d.ChunkSize
	}
	if o.TextChunkSize <= 0 {
		o.TextChunkSize = d.TextChunkSize
	}
	if o.TextThreshold <= 0 {
		o.TextThreshold = d.TextThreshold
	}
	if o.AckEvery <= 0 {
		o.AckEvery = d.AckEvery
	}
	if o.MaxBufferedAmount == 0 {
		o.MaxBufferedAmount = d.MaxBufferedAmount
	}
	if o.LowWaterMark == 0 || o.LowWaterMark > o.MaxBufferedAmount {
		o.LowWaterMark = o.MaxBufferedAmount / 4
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = d.ReadyTimeout
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = d.DrainTimeout
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = d.AckTimeout
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = d.IdleTimeout
	}
	return o
}
