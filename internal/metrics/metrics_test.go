package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	SetRelayEndpoints(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(relayEndpoints))

	before := testutil.ToFloat64(relayShareRequestsTotal.WithLabelValues("no_sharer"))
	RecordShareRequest("no_sharer")
	assert.Equal(t, before+1, testutil.ToFloat64(relayShareRequestsTotal.WithLabelValues("no_sharer")))

	before = testutil.ToFloat64(transferBytesTotal.WithLabelValues(DirectionSend))
	AddTransferBytes(DirectionSend, 1024)
	assert.Equal(t, before+1024, testutil.ToFloat64(transferBytesTotal.WithLabelValues(DirectionSend)))

	before = testutil.ToFloat64(transferSessionsTotal.WithLabelValues(DirectionReceive, "files", "completed"))
	RecordSession(DirectionReceive, "files", "completed")
	assert.Equal(t, before+1, testutil.ToFloat64(transferSessionsTotal.WithLabelValues(DirectionReceive, "files", "completed")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	RecordRelayMessage("register")
	RecordNegotiation("initiator", "connected")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `clipshare_relay_messages_total{type="register"}`)
	assert.Contains(t, string(body), `clipshare_negotiations_total{outcome="connected",role="initiator"}`)
	assert.Contains(t, string(body), "clipshare_relay_endpoints")
}
