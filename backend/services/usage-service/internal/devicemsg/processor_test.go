package devicemsg

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"aquatrack/backend/services/usage-service/internal/models"
	"aquatrack/backend/services/usage-service/internal/service"
)

type fakeSessions struct {
	measurements []service.MeasurementInput
	taps         []string
	err          error
}

func (f *fakeSessions) SubmitMeasurement(_ context.Context, in service.MeasurementInput) (*service.MeasurementResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.measurements = append(f.measurements, in)
	return &service.MeasurementResult{SessionID: in.SessionID, Status: models.SessionCompleted, RecordedToLedger: true}, nil
}

func (f *fakeSessions) Tap(_ context.Context, deviceID, tokenID string, resource models.Resource) (any, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.taps = append(f.taps, fmt.Sprintf("%s/%s/%s", deviceID, tokenID, resource))
	return &service.StartResult{SessionID: "sess-1"}, nil
}

type touchRecorder struct {
	touched []string
}

func (r *touchRecorder) TouchDevice(_ context.Context, id string, _ time.Time) error {
	r.touched = append(r.touched, id)
	return nil
}

func newTestProcessor(sessions *fakeSessions, touches DeviceToucher) *Processor {
	router := NewRouter()
	router.Register(TypeMeasurement, NewMeasurementHandler(sessions))
	router.Register(TypeTap, NewTapHandler(sessions))
	return NewProcessor(router, touches, zap.NewNop())
}

func decodeReply(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestProcessMeasurementFrame(t *testing.T) {
	sessions := &fakeSessions{}
	touches := &touchRecorder{}
	p := newTestProcessor(sessions, touches)

	reply, err := p.Process(context.Background(), "dev-1", []byte(`{"type":"measurement","id":"m-1","sessionId":"sess-1","totalAmount":12.5,"duration":300,"endReason":"valve_closed"}`))
	require.NoError(t, err)

	out := decodeReply(t, reply)
	assert.Equal(t, "result", out["type"])
	assert.Equal(t, "m-1", out["id"])
	assert.Equal(t, "measurement", out["replyTo"])

	require.Len(t, sessions.measurements, 1)
	assert.Equal(t, service.MeasurementInput{DeviceID: "dev-1", SessionID: "sess-1", TotalQuantity: 12.5, DurationSeconds: 300, EndReason: "valve_closed"}, sessions.measurements[0])
	assert.Equal(t, []string{"dev-1"}, touches.touched)
}

func TestProcessTapFrame(t *testing.T) {
	sessions := &fakeSessions{}
	p := newTestProcessor(sessions, nil)

	reply, err := p.Process(context.Background(), "dev-1", []byte(`{"type":"tap","tokenId":"tok-1","resource":"water"}`))
	require.NoError(t, err)
	assert.Equal(t, "result", decodeReply(t, reply)["type"])
	assert.Equal(t, []string{"dev-1/tok-1/water"}, sessions.taps)

	reply, err = p.Process(context.Background(), "dev-1", []byte(`{"type":"tap"}`))
	require.NoError(t, err)
	out := decodeReply(t, reply)
	assert.Equal(t, "error", out["type"])
	assert.Equal(t, string(service.KindValidation), out["code"])
}

func TestProcessErrorReplies(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		err  error
		code service.ErrorKind
	}{
		{"not json", `nope`, nil, service.KindValidation},
		{"missing type", `{"id":"x"}`, nil, service.KindValidation},
		{"unknown type", `{"type":"reboot"}`, nil, service.KindValidation},
		{"ledger down", `{"type":"measurement","sessionId":"s"}`, fmt.Errorf("%w: boom", service.ErrLedgerWriteFailed), service.KindLedgerWrite},
		{"wrong device", `{"type":"measurement","sessionId":"s"}`, service.ErrDeviceMismatch, service.KindAuthorization},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProcessor(&fakeSessions{err: tt.err}, nil)
			reply, err := p.Process(context.Background(), "dev-1", []byte(tt.raw))
			require.NoError(t, err)
			out := decodeReply(t, reply)
			assert.Equal(t, "error", out["type"])
			assert.Equal(t, string(tt.code), out["code"])
		})
	}
}
