package dispatch

import (
	"context"
	"time"

	"mlrun-admin/internal/shared/apperr"
)

// bounded 为每次调用施加超时，并把传输错误归类
type bounded struct {
	next    Dispatcher
	timeout time.Duration
}

// WithTimeout 包装 Dispatcher：超时 → TransportTimeout，其余传输错误 → DispatchUnavailable
func WithTimeout(next Dispatcher, d time.Duration) Dispatcher {
	return &bounded{next: next, timeout: d}
}

func (b *bounded) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.timeout)
}

func (b *bounded) Start(ctx context.Context, workerRef string, spec CommandSpec) (string, error) {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	handle, err := b.next.Start(ctx, workerRef, spec)
	return handle, classify(err, "dispatch.start", workerRef)
}

func (b *bounded) Poll(ctx context.Context, workerRef, handle string) (PollResult, error) {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	res, err := b.next.Poll(ctx, workerRef, handle)
	return res, classify(err, "dispatch.poll", workerRef)
}

func classify(err error, op, workerRef string) error {
	if err == nil {
		return nil
	}
	err = apperr.FromContext(err, op)
	if apperr.KindOf(err) != "" {
		return err
	}
	return apperr.DispatchUnavailable(err, "%s on %s", op, workerRef)
}
