// Package envelope implements HandlerEnvelope: a uniform validate-then-
// execute wrapper around every domain handler, producing {ok|err}
// acknowledgements and measuring handler duration.
package envelope

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/livestage/sfu-gateway/internal/apperr"
	"github.com/livestage/sfu-gateway/internal/metrics"
)

// Ack is the wire shape returned for every inbound event: {ok, data?} on
// success, {ok:false, err} on failure. CorrelationID rides along for log
// correlation but is not part of the documented contract clients parse on.
type Ack struct {
	OK            bool   `json:"ok"`
	Data          any    `json:"data,omitempty"`
	Err           string `json:"err,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Validator decodes and validates a raw payload into a typed request.
type Validator func(raw json.RawMessage) (any, error)

// Handler executes the validated request and returns response data.
type Handler func(ctx context.Context, req any) (any, error)

// Envelope wraps validation, execution, timing and error mapping for a
// single named operation.
type Envelope struct {
	Op       string
	Validate Validator
	Execute  Handler
	logger   *zap.Logger
}

func New(op string, validate Validator, execute Handler, logger *zap.Logger) *Envelope {
	return &Envelope{Op: op, Validate: validate, Execute: execute, logger: logger}
}

// Run drives the validate -> execute -> ack pipeline. Panics from Execute
// are recovered here (this is the single outermost boundary for a
// connection's per-message dispatch) and mapped to an INTERNAL ack rather
// than crashing the connection's read pump.
func (e *Envelope) Run(ctx context.Context, raw json.RawMessage) (ack Ack) {
	correlationID := uuid.NewString()
	ack.CorrelationID = correlationID
	start := time.Now()

	defer func() {
		metrics.HandlerDurationMs.WithLabelValues(e.Op).Observe(float64(time.Since(start).Milliseconds()))
		if r := recover(); r != nil {
			e.logger.Error("handler panic recovered",
				zap.String("op", e.Op), zap.String("correlationId", correlationID), zap.Any("panic", r))
			metrics.HandlerErrorsTotal.WithLabelValues(e.Op, string(apperr.Internal)).Inc()
			ack = Ack{OK: false, Err: string(apperr.Internal), CorrelationID: correlationID}
		}
	}()

	req, err := e.Validate(raw)
	if err != nil {
		code := apperr.InvalidPayload
		if appErr, ok := err.(*apperr.Error); ok {
			code = appErr.Code
		}
		metrics.HandlerErrorsTotal.WithLabelValues(e.Op, string(code)).Inc()
		return Ack{OK: false, Err: string(code), CorrelationID: correlationID}
	}

	data, err := e.Execute(ctx, req)
	if err != nil {
		code := apperr.CodeOf(err)
		e.logger.Debug("handler returned error",
			zap.String("op", e.Op), zap.String("correlationId", correlationID), zap.String("code", string(code)), zap.Error(err))
		metrics.HandlerErrorsTotal.WithLabelValues(e.Op, string(code)).Inc()
		return Ack{OK: false, Err: string(code), CorrelationID: correlationID}
	}

	return Ack{OK: true, Data: data, CorrelationID: correlationID}
}
