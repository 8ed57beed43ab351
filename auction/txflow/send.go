package txflow

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"songcoin/auction"
	"songcoin/observability"
)

var tracer = otel.Tracer("songcoin/auction/txflow")

// Recorder persists submitted transactions so abandoned waits can be
// reconciled later.
type Recorder interface {
	Submitted(ctx context.Context, flow string, step auction.Step, tx common.Hash, detail string)
	Settled(ctx context.Context, tx common.Hash, err error)
}

// Write describes one contract transaction of a workflow.
type Write struct {
	Flow   string
	Step   auction.Step
	Detail string

	Submit  func(ctx context.Context) (common.Hash, error)
	Confirm func(ctx context.Context, tx common.Hash) error

	Recorder    Recorder
	Metrics     *observability.AuctionMetrics
	OnSubmitted func(tx common.Hash)
	Now         func() time.Time
}

// Send submits w, records the hash on op and waits for confirmation.
// Failures are returned as *auction.WriteError with revert reasons mapped to
// the auction sentinels. A wait abandoned through ctx is not settled in the
// journal so it can be reconciled later.
func Send(ctx context.Context, op *Operation, w Write) (hash common.Hash, err error) {
	ctx, span := tracer.Start(ctx, "auction.write", trace.WithAttributes(
		attribute.String("auction.flow", w.Flow),
		attribute.String("auction.step", string(w.Step)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	now := w.Now
	if now == nil {
		now = time.Now
	}
	step := string(w.Step)
	hash, err = w.Submit(ctx)
	if err != nil {
		w.Metrics.RecordWrite(step, "rejected")
		return hash, &auction.WriteError{Step: w.Step, Err: auction.ClassifyRevert(err)}
	}
	span.SetAttributes(attribute.String("auction.tx", hash.Hex()))
	if op != nil {
		op.Submitted(hash.Hex())
	}
	w.Metrics.RecordWrite(step, "submitted")
	if w.Recorder != nil {
		w.Recorder.Submitted(ctx, w.Flow, w.Step, hash, w.Detail)
	}
	if w.OnSubmitted != nil {
		w.OnSubmitted(hash)
	}
	start := now()
	if err := w.Confirm(ctx, hash); err != nil {
		if w.Recorder != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			w.Recorder.Settled(context.WithoutCancel(ctx), hash, err)
		}
		w.Metrics.RecordWrite(step, "failed")
		return hash, &auction.WriteError{Step: w.Step, TxHash: hash.Hex(), Err: auction.ClassifyRevert(err)}
	}
	if w.Recorder != nil {
		w.Recorder.Settled(ctx, hash, nil)
	}
	w.Metrics.ObserveConfirmation(step, now().Sub(start))
	w.Metrics.RecordWrite(step, "confirmed")
	return hash, nil
}
