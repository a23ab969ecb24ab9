// Package negotiator 通过信令服务器与对端协商直连，并在数据通道打开后交给session传输
//
// 每个对端一个Connection，Connection上的所有协商操作和回调由一个串行执行队列按到达顺序处理。
// 状态迁移由纯函数Transition决定，副作用在队列中执行。
package negotiator

// State 连接状态
type State int

const (
	StateNew State = iota
	StateOfferSent
	StateOfferReceived
	StateAnswerExchanged
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOfferSent:
		return "offer-sent"
	case StateOfferReceived:
		return "offer-received"
	case StateAnswerExchanged:
		return "answer-exchanged"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event 驱动状态迁移的事件
type Event int

const (
	// EventOfferSent 发起方已设置本地offer并发出
	EventOfferSent Event = iota
	// EventOfferApplied 应答方已应用远端offer
	EventOfferApplied
	// EventAnswerApplied 发起方已应用远端answer
	EventAnswerApplied
	// EventAnswerSent 应答方已设置本地answer并发出
	EventAnswerSent
	// EventTransportConnecting 底层连接开始连通性检查
	EventTransportConnecting
	// EventChannelOpen 数据通道已打开
	EventChannelOpen
	// EventFailed 协商或传输失败，包括数据通道被关闭
	EventFailed
	// EventTimeout 规定时间内数据通道没有打开
	EventTimeout
	// EventReset 显式重置
	EventReset
)

func (e Event) String() string {
	switch e {
	case EventOfferSent:
		return "offer-sent"
	case EventOfferApplied:
		return "offer-applied"
	case EventAnswerApplied:
		return "answer-applied"
	case EventAnswerSent:
		return "answer-sent"
	case EventTransportConnecting:
		return "transport-connecting"
	case EventChannelOpen:
		return "channel-open"
	case EventFailed:
		return "failed"
	case EventTimeout:
		return "timeout"
	case EventReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Effect 迁移产生的副作用
type Effect int

const (
	EffectStartConnectTimer Effect = iota
	EffectStopConnectTimer
	EffectStartTransfer
	EffectTeardown
)

func (e Effect) String() string {
	switch e {
	case EffectStartConnectTimer:
		return "start-connect-timer"
	case EffectStopConnectTimer:
		return "stop-connect-timer"
	case EffectStartTransfer:
		return "start-transfer"
	case EffectTeardown:
		return "teardown"
	default:
		return "unknown"
	}
}

type transition struct {
	next    State
	effects []Effect
}

var transitions = map[State]map[Event]transition{
	StateNew: {
		EventOfferSent:    {next: StateOfferSent, effects: []Effect{EffectStartConnectTimer}},
		EventOfferApplied: {next: StateOfferReceived},
	},
	StateOfferSent: {
		EventAnswerApplied:       {next: StateAnswerExchanged, effects: []Effect{EffectStartConnectTimer}},
		EventTransportConnecting: {next: StateOfferSent},
	},
	StateOfferReceived: {
		EventAnswerSent:          {next: StateAnswerExchanged, effects: []Effect{EffectStartConnectTimer}},
		EventTransportConnecting: {next: StateOfferReceived},
	},
	StateAnswerExchanged: {
		EventTransportConnecting: {next: StateConnecting},
		EventChannelOpen:         {next: StateOpen, effects: []Effect{EffectStopConnectTimer, EffectStartTransfer}},
	},
	StateConnecting: {
		EventTransportConnecting: {next: StateConnecting},
		EventChannelOpen:         {next: StateOpen, effects: []Effect{EffectStopConnectTimer, EffectStartTransfer}},
	},
	StateOpen: {
		EventTransportConnecting: {next: StateOpen},
	},
}

// Transition 计算状态迁移，ok为false表示该事件在当前状态下无效，应忽略
//
// 除closed外的任意状态在失败、超时或重置时进入closed并拆除连接。
func Transition(s State, e Event) (State, []Effect, bool) {
	if s == StateClosed {
		return s, nil, false
	}
	switch e {
	case EventFailed, EventTimeout, EventReset:
		return StateClosed, []Effect{EffectStopConnectTimer, EffectTeardown}, true
	}
	t, ok := transitions[s][e]
	if !ok {
		return s, nil, false
	}
	return t.next, t.effects, true
}
