package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xqueue"
)

func TestNew(t *testing.T) {
	reg := prometheus.NewRegistry()

	m, err := New(reg)
	require.NoError(t, err)
	require.NotNil(t, m)

	// Vectors only show up once a label set is used.
	m.OnEvent(xqueue.Event{Type: xqueue.SendDone, Duration: time.Millisecond, Size: 10})
	metricFamilies, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, metricFamilies)
}

func TestNew_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()

	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	require.Error(t, err)
}

func TestOnEvent_Sends(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.OnEvent(xqueue.Event{Type: xqueue.SendDone, MessageID: "a", Duration: 2 * time.Millisecond, Size: 5})
	m.OnEvent(xqueue.Event{Type: xqueue.SendDone, MessageID: "b", Duration: 3 * time.Millisecond, Size: 7})
	m.OnEvent(xqueue.Event{Type: xqueue.SendDone, Err: &xqueue.TransportError{Op: "send", Err: errors.New("down")}})

	require.Equal(t, float64(3), testutil.ToFloat64(m.events.WithLabelValues(string(xqueue.SendDone))))
	require.Equal(t, float64(2), testutil.ToFloat64(m.sends.WithLabelValues(StatusSuccess)))
	require.Equal(t, float64(1), testutil.ToFloat64(m.sends.WithLabelValues(StatusError)))
	require.Equal(t, float64(1), testutil.ToFloat64(m.errors.WithLabelValues(ErrKindTransport)))
	require.Equal(t, 1, testutil.CollectAndCount(m.sendDuration))
}

func TestOnEvent_ReceiveAndErrors(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.OnEvent(xqueue.Event{Type: xqueue.ReceiveDone, Duration: time.Millisecond, Residence: 2 * time.Second, ResidenceKnown: true})
	m.OnEvent(xqueue.Event{Type: xqueue.ReceiveDone, Duration: time.Millisecond, Err: errors.New("handler")})
	m.OnEvent(xqueue.Event{Type: xqueue.Error, Err: &xqueue.EnvelopeParseError{Reason: "payload missing"}})
	m.OnEvent(xqueue.Event{Type: xqueue.Error, Err: &xqueue.MessageTooLargeError{Size: 1, Limit: 0}})
	m.OnEvent(xqueue.Event{Type: xqueue.LatencyExceeded, Residence: time.Minute})

	require.Equal(t, float64(2), testutil.ToFloat64(m.events.WithLabelValues(string(xqueue.ReceiveDone))))
	require.Equal(t, float64(1), testutil.ToFloat64(m.events.WithLabelValues(string(xqueue.LatencyExceeded))))
	require.Equal(t, float64(1), testutil.ToFloat64(m.errors.WithLabelValues(ErrKindParse)))
	require.Equal(t, float64(1), testutil.ToFloat64(m.errors.WithLabelValues(ErrKindTooLarge)))
	require.Equal(t, 2, testutil.CollectAndCount(m.handlerDuration))
}

func residenceSamples(t *testing.T, m *Metrics) (uint64, float64) {
	t.Helper()
	var pb dto.Metric
	require.NoError(t, m.residence.Write(&pb))
	return pb.GetHistogram().GetSampleCount(), pb.GetHistogram().GetSampleSum()
}

func TestOnEvent_ZeroResidenceIsObserved(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.OnEvent(xqueue.Event{Type: xqueue.ReceiveDone, Duration: time.Millisecond, ResidenceKnown: true})
	m.OnEvent(xqueue.Event{Type: xqueue.ReceiveDone, Duration: time.Millisecond})

	count, sum := residenceSamples(t, m)
	assert.Equal(t, uint64(1), count)
	assert.Zero(t, sum)
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		kind string
	}{
		{&xqueue.MessageTooLargeError{}, ErrKindTooLarge},
		{fmt.Errorf("xqueue: encode envelope: %w", xqueue.ErrInvalidUTF8), ErrKindInvalidUTF8},
		{fmt.Errorf("wrapped: %w", &xqueue.EnvelopeParseError{Reason: "x"}), ErrKindParse},
		{&xqueue.TransportError{Op: "ack", Err: errors.New("x")}, ErrKindTransport},
		{fmt.Errorf("%w: boom", xqueue.ErrHandlerPanic), ErrKindHandler},
		{errors.New("other"), ErrKindOther},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			require.Equal(t, tt.kind, ErrorKind(tt.err))
		})
	}
}
