package negotiator

import (
	"testing"

	"clipshare/internal/protocol"

	"github.com/stretchr/testify/assert"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    State
		event   Event
		to      State
		effects []Effect
		ok      bool
	}{
		{"offer sent", StateNew, EventOfferSent, StateOfferSent, []Effect{EffectStartConnectTimer}, true},
		{"offer applied", StateNew, EventOfferApplied, StateOfferReceived, nil, true},
		{"answer applied", StateOfferSent, EventAnswerApplied, StateAnswerExchanged, []Effect{EffectStartConnectTimer}, true},
		{"answer sent", StateOfferReceived, EventAnswerSent, StateAnswerExchanged, []Effect{EffectStartConnectTimer}, true},
		{"connecting", StateAnswerExchanged, EventTransportConnecting, StateConnecting, nil, true},
		{"open from exchanged", StateAnswerExchanged, EventChannelOpen, StateOpen, []Effect{EffectStopConnectTimer, EffectStartTransfer}, true},
		{"open from connecting", StateConnecting, EventChannelOpen, StateOpen, []Effect{EffectStopConnectTimer, EffectStartTransfer}, true},
		{"timeout", StateConnecting, EventTimeout, StateClosed, []Effect{EffectStopConnectTimer, EffectTeardown}, true},
		{"failed while open", StateOpen, EventFailed, StateClosed, []Effect{EffectStopConnectTimer, EffectTeardown}, true},
		{"reset new", StateNew, EventReset, StateClosed, []Effect{EffectStopConnectTimer, EffectTeardown}, true},

		{"answer without offer", StateNew, EventAnswerApplied, StateNew, nil, false},
		{"duplicate answer", StateAnswerExchanged, EventAnswerApplied, StateAnswerExchanged, nil, false},
		{"answer on responder", StateOfferReceived, EventAnswerApplied, StateOfferReceived, nil, false},
		{"open before answer", StateOfferSent, EventChannelOpen, StateOfferSent, nil, false},
		{"second open", StateOpen, EventChannelOpen, StateOpen, nil, false},
		{"closed ignores reset", StateClosed, EventReset, StateClosed, nil, false},
		{"closed ignores failure", StateClosed, EventFailed, StateClosed, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			to, effects, ok := Transition(tt.from, tt.event)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.to, to)
			assert.Equal(t, tt.effects, effects)
		})
	}
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "answer-exchanged", StateAnswerExchanged.String())
	assert.Equal(t, "channel-open", EventChannelOpen.String())
	assert.Equal(t, "teardown", EffectTeardown.String())
	assert.Equal(t, "initiator", RoleInitiator.String())
	assert.Equal(t, "unknown", State(42).String())
}

type nopSignaler struct{}

func (nopSignaler) SendSignal(string, *protocol.Signal) error { return nil }
func (nopSignaler) NotifyNoContent(string) error              { return nil }

func TestRegistry(t *testing.T) {
	n, err := New(Config{Engine: NewMemoryEngine(), Signaler: nopSignaler{}})
	assert.NoError(t, err)
	r := n.Registry()

	a := r.Acquire("b-peer")
	assert.Same(t, a, r.Acquire("b-peer"))
	r.Acquire("a-peer")
	assert.Equal(t, []string{"a-peer", "b-peer"}, r.Peers())
	assert.Nil(t, r.Lookup("missing"))

	assert.True(t, r.Destroy("b-peer", ErrReset))
	assert.Equal(t, 1, r.Len())

	r.Close(ErrClosed)
	assert.Equal(t, 0, r.Len())
	assert.Nil(t, r.Acquire("c-peer"))
}
