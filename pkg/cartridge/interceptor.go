package cartridge

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/wardenhq/warden/pkg/contracts"
)

// ExecuteFunc is the Execute shape interceptors wrap.
type ExecuteFunc func(ctx context.Context, actionType string, params map[string]any, ec contracts.ExecutionContext) (*contracts.ExecutionResult, *contracts.UndoRecipe, error)

// Interceptor wraps cartridge execution. The registry applies the chain
// so the first interceptor is outermost.
type Interceptor interface {
	Wrap(cartridgeID string, next ExecuteFunc) ExecuteFunc
}

// LoggingInterceptor logs every execution with its duration and outcome.
type LoggingInterceptor struct {
	Log *slog.Logger
}

func (li LoggingInterceptor) Wrap(cartridgeID string, next ExecuteFunc) ExecuteFunc {
	log := li.Log
	if log == nil {
		log = slog.Default()
	}
	return func(ctx context.Context, actionType string, params map[string]any, ec contracts.ExecutionContext) (*contracts.ExecutionResult, *contracts.UndoRecipe, error) {
		start := time.Now()
		result, undo, err := next(ctx, actionType, params, ec)
		attrs := []any{
			slog.String("cartridge_id", cartridgeID),
			slog.String("action_type", actionType),
			slog.String("envelope_id", ec.EnvelopeID),
			slog.Duration("duration", time.Since(start)),
		}
		if err != nil {
			log.Error("cartridge execution failed", append(attrs, slog.Any("error", err))...)
		} else {
			log.Info("cartridge execution completed", append(attrs, slog.Bool("success", result.Success))...)
		}
		return result, undo, err
	}
}

// TimeoutInterceptor bounds a single execution. Deadline overruns
// surface as contracts.ErrTimeout.
type TimeoutInterceptor struct {
	Timeout time.Duration
}

func (ti TimeoutInterceptor) Wrap(cartridgeID string, next ExecuteFunc) ExecuteFunc {
	return func(ctx context.Context, actionType string, params map[string]any, ec contracts.ExecutionContext) (*contracts.ExecutionResult, *contracts.UndoRecipe, error) {
		if ti.Timeout <= 0 {
			return next(ctx, actionType, params, ec)
		}
		ctx, cancel := context.WithTimeout(ctx, ti.Timeout)
		defer cancel()
		result, undo, err := next(ctx, actionType, params, ec)
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			err = contracts.ErrTimeout
		}
		return result, undo, err
	}
}
