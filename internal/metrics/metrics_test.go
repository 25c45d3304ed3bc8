package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_CountersAndHandler(t *testing.T) {
	m := New()
	m.StoreOp("save", nil)
	m.StoreOp("save", errors.New("boom"))
	m.Transition("READY", true)
	m.Reconnect()
	m.Send("ok")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.storeOps.WithLabelValues("save", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storeOps.WithLabelValues("save", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ready))

	m.Transition("DISCONNECTED", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ready))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "wagw_reconnect_attempts_total 1"))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.StoreOp("load", nil)
	m.Transition("READY", true)
	m.Reconnect()
	m.Send("ok")
	m.LogWrite("outbound", nil)
	require.NotNil(t, m.Handler())
}
