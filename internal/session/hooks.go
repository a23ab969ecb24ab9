package session

import (
	"clipshare/internal/clipboard"
	"clipshare/internal/protocol"

	"go.uber.org/zap"
)

// Hooks 向宿主程序报告传输事件，所有字段可为nil
//
// 回调在传输协程中同步执行，不应长时间阻塞。
type Hooks struct {
	// OnWaitingForUserLocation 收到files.start，即将为每个文件获取保存位置
	OnWaitingForUserLocation func(sessionID string, files []protocol.FileMeta)
	// OnProgress 接收进度，按10%粒度报告
	OnProgress func(name string, percent int)
	// OnContentReceived 内容已写入剪贴板
	OnContentReceived func(content clipboard.Content)
	// OnDownloadFailed 接收失败
	OnDownloadFailed func(reason string)
	// OnCancelled 会话被用户或对端取消
	OnCancelled func(sessionID, reason string)
	// OnSessionStatus 文件发送会话的状态变化
	OnSessionStatus func(sessionID string, status Status)
	// OnShareComplete 发送完成并收到最终确认
	OnShareComplete func()
	// OnShareFailed 发送失败
	OnShareFailed func(err error)
	// OnNoContentAvailable 对端没有可共享的内容
	OnNoContentAvailable func()
	// OnNoSharerAvailable 没有处于可共享状态的端点
	OnNoSharerAvailable func()
}

// invoke 执行回调并吞掉panic，协议错误不能让宿主程序崩溃
func invoke(logger *zap.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("回调panic", zap.String("hook", name), zap.Any("panic", r))
		}
	}()
	fn()
}

func (h Hooks) waitingForUserLocation(logger *zap.Logger, id string, files []protocol.FileMeta) {
	if h.OnWaitingForUserLocation != nil {
		invoke(logger, "OnWaitingForUserLocation", func() { h.OnWaitingForUserLocation(id, files) })
	}
}

func (h Hooks) progress(logger *zap.Logger, name string, percent int) {
	if h.OnProgress != nil {
		invoke(logger, "OnProgress", func() { h.OnProgress(name, percent) })
	}
}

func (h Hooks) contentReceived(logger *zap.Logger, content clipboard.Content) {
	if h.OnContentReceived != nil {
		invoke(logger, "OnContentReceived", func() { h.OnContentReceived(content) })
	}
}

func (h Hooks) downloadFailed(logger *zap.Logger, reason string) {
	if h.OnDownloadFailed != nil {
		invoke(logger, "OnDownloadFailed", func() { h.OnDownloadFailed(reason) })
	}
}

func (h Hooks) cancelled(logger *zap.Logger, id, reason string) {
	if h.OnCancelled != nil {
		invoke(logger, "OnCancelled", func() { h.OnCancelled(id, reason) })
	}
}

func (h Hooks) sessionStatus(logger *zap.Logger, id string, status Status) {
	if h.OnSessionStatus != nil {
		invoke(logger, "OnSessionStatus", func() { h.OnSessionStatus(id, status) })
	}
}

// ShareComplete 通知发送完成
func (h Hooks) ShareComplete(logger *zap.Logger) {
	if h.OnShareComplete != nil {
		invoke(logger, "OnShareComplete", h.OnShareComplete)
	}
}

// ShareFailed 通知发送失败
func (h Hooks) ShareFailed(logger *zap.Logger, err error) {
	if h.OnShareFailed != nil {
		invoke(logger, "OnShareFailed", func() { h.OnShareFailed(err) })
	}
}

// DownloadFailed 通知接收失败（用于连接层的失败）
func (h Hooks) DownloadFailed(logger *zap.Logger, reason string) {
	h.downloadFailed(logger, reason)
}

// NoContentAvailable 通知对端没有内容
func (h Hooks) NoContentAvailable(logger *zap.Logger) {
	if h.OnNoContentAvailable != nil {
		invoke(logger, "OnNoContentAvailable", h.OnNoContentAvailable)
	}
}

// NoSharerAvailable 通知没有可共享的端点
func (h Hooks) NoSharerAvailable(logger *zap.Logger) {
	if h.OnNoSharerAvailable != nil {
		invoke(logger, "OnNoSharerAvailable", h.OnNoSharerAvailable)
	}
}
