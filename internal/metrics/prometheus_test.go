package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionGaugeTracksOpenAndClose(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()

	var out dto.Metric
	require.NoError(t, m.sessionsActive.Write(&out))
	assert.Equal(t, float64(1), out.GetGauge().GetValue())
}

func TestCommandHandledIncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.CommandHandled("RETR", 226, 10*time.Millisecond)

	var out dto.Metric
	require.NoError(t, m.commandsTotal.WithLabelValues("RETR", "226").Write(&out))
	assert.Equal(t, float64(1), out.GetCounter().GetValue())
}

func TestTransferCompletedRecordsBytesAndOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.TransferCompleted("RETR", 2048, 5*time.Millisecond, true)
	m.TransferCompleted("RETR", 0, time.Millisecond, false)

	var success, failure dto.Metric
	require.NoError(t, m.transfersTotal.WithLabelValues("RETR", "success").Write(&success))
	require.NoError(t, m.transfersTotal.WithLabelValues("RETR", "failure").Write(&failure))
	assert.Equal(t, float64(1), success.GetCounter().GetValue())
	assert.Equal(t, float64(1), failure.GetCounter().GetValue())

	var bytes dto.Metric
	require.NoError(t, m.transferBytes.WithLabelValues("RETR").Write(&bytes))
	assert.Equal(t, float64(2048), bytes.GetCounter().GetValue())
}

func TestAuthAttemptLabelsOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.AuthAttempt(true)
	m.AuthAttempt(false)
	m.AuthAttempt(false)

	var ok, bad dto.Metric
	require.NoError(t, m.authAttempts.WithLabelValues("success").Write(&ok))
	require.NoError(t, m.authAttempts.WithLabelValues("failure").Write(&bad))
	assert.Equal(t, float64(1), ok.GetCounter().GetValue())
	assert.Equal(t, float64(2), bad.GetCounter().GetValue())
}

func TestNewWithNilRegistererDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		New(nil)
	})
}
