package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/agentworkforce/notifytrack/internal/history"
)

// Handler processes one batch of changes. Returning an error leaves the
// batch unaccepted, so the same changes come back on the next cycle.
type Handler func(ctx context.Context, changes []history.Change) error

type Options struct {
	Handler Handler
	Logger  *slog.Logger
}

// Result summarizes one drain cycle.
type Result struct {
	Changes      int
	TrackingLost bool
	Reset        bool
}

// Drainer is the single consumer of a tracker's change feed: it reads,
// hands the changes to the handler and accepts them.
type Drainer struct {
	api     API
	handler Handler
	logger  *slog.Logger
}

func NewDrainer(api API, opts Options) (*Drainer, error) {
	if api == nil {
		return nil, fmt.Errorf("api is required")
	}
	handler := opts.Handler
	if handler == nil {
		handler = func(context.Context, []history.Change) error { return nil }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Drainer{api: api, handler: handler, logger: logger}, nil
}

// DrainOnce runs one read/handle/accept cycle. When the tracker reports
// tracking lost, the handler still sees the sentinel change so it can
// rebuild its view, and then tracking is reset.
func (d *Drainer) DrainOnce(ctx context.Context) (Result, error) {
	batch, err := d.api.OpenReader(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("open reader: %w", err)
	}

	if batch.TrackingLost {
		d.logger.Warn("tracking lost; resetting", "reader", batch.ReaderID)
		if err := d.handler(ctx, batch.Changes); err != nil {
			d.closeQuietly(ctx, batch.ReaderID)
			return Result{TrackingLost: true}, fmt.Errorf("handle tracking lost: %w", err)
		}
		d.closeQuietly(ctx, batch.ReaderID)
		if err := d.api.Reset(ctx); err != nil {
			return Result{TrackingLost: true}, fmt.Errorf("reset tracking: %w", err)
		}
		return Result{TrackingLost: true, Reset: true}, nil
	}

	if len(batch.Changes) == 0 {
		d.closeQuietly(ctx, batch.ReaderID)
		return Result{}, nil
	}

	if err := d.handler(ctx, batch.Changes); err != nil {
		d.closeQuietly(ctx, batch.ReaderID)
		return Result{}, fmt.Errorf("handle changes: %w", err)
	}
	if err := d.api.Accept(ctx, batch.ReaderID); err != nil {
		if errors.Is(err, ErrTrackingLost) {
			d.logger.Warn("tracking lost while accepting", "reader", batch.ReaderID)
			return Result{Changes: len(batch.Changes), TrackingLost: true}, nil
		}
		return Result{}, fmt.Errorf("accept changes: %w", err)
	}
	d.closeQuietly(ctx, batch.ReaderID)
	d.logger.Info("accepted changes", "changes", len(batch.Changes), "reader", batch.ReaderID)
	return Result{Changes: len(batch.Changes)}, nil
}

func (d *Drainer) closeQuietly(ctx context.Context, readerID string) {
	if readerID == "" {
		return
	}
	if err := d.api.CloseReader(ctx, readerID); err != nil {
		d.logger.Debug("close reader failed", "reader", readerID, "err", err)
	}
}
