package envelope

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/livestage/sfu-gateway/internal/apperr"
)

func TestEnvelope_Run_Success(t *testing.T) {
	e := New("room:join", func(raw json.RawMessage) (any, error) {
		return "decoded", nil
	}, func(ctx context.Context, req any) (any, error) {
		return map[string]any{"roomId": req}, nil
	}, zap.NewNop())

	ack := e.Run(context.Background(), json.RawMessage(`{}`))

	require.True(t, ack.OK)
	require.Empty(t, ack.Err)
	require.NotEmpty(t, ack.CorrelationID)
	require.Equal(t, map[string]any{"roomId": "decoded"}, ack.Data)
}

func TestEnvelope_Run_ValidateError_UsesAppErrCode(t *testing.T) {
	e := New("seat:take", func(raw json.RawMessage) (any, error) {
		return nil, apperr.New(apperr.InvalidPayload, "missing seatIndex")
	}, func(ctx context.Context, req any) (any, error) {
		t.Fatal("execute should not run when validate fails")
		return nil, nil
	}, zap.NewNop())

	ack := e.Run(context.Background(), json.RawMessage(`{}`))

	require.False(t, ack.OK)
	require.Equal(t, string(apperr.InvalidPayload), ack.Err)
	require.Nil(t, ack.Data)
}

func TestEnvelope_Run_ValidateError_NonAppErrDefaultsToInvalidPayload(t *testing.T) {
	e := New("seat:take", func(raw json.RawMessage) (any, error) {
		return nil, errors.New("boom")
	}, func(ctx context.Context, req any) (any, error) {
		t.Fatal("execute should not run when validate fails")
		return nil, nil
	}, zap.NewNop())

	ack := e.Run(context.Background(), json.RawMessage(`{}`))

	require.False(t, ack.OK)
	require.Equal(t, string(apperr.InvalidPayload), ack.Err)
}

func TestEnvelope_Run_ExecuteError_PropagatesCode(t *testing.T) {
	e := New("seat:take", func(raw json.RawMessage) (any, error) {
		return nil, nil
	}, func(ctx context.Context, req any) (any, error) {
		return nil, apperr.New(apperr.SeatTaken, "seat already held")
	}, zap.NewNop())

	ack := e.Run(context.Background(), json.RawMessage(`{}`))

	require.False(t, ack.OK)
	require.Equal(t, string(apperr.SeatTaken), ack.Err)
}

func TestEnvelope_Run_PanicRecoveredAsInternal(t *testing.T) {
	e := New("seat:take", func(raw json.RawMessage) (any, error) {
		return nil, nil
	}, func(ctx context.Context, req any) (any, error) {
		panic("unexpected nil pointer")
	}, zap.NewNop())

	ack := e.Run(context.Background(), json.RawMessage(`{}`))

	require.False(t, ack.OK)
	require.Equal(t, string(apperr.Internal), ack.Err)
	require.NotEmpty(t, ack.CorrelationID)
}
