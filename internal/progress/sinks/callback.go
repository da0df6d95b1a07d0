package sinks

import (
	"context"

	"github.com/JakeFAU/contact-harvester/internal/progress"
)

// CallbackSink hands every event to fn, optionally filtered to one batch.
// The CLI uses it to drive its terminal progress bar.
type CallbackSink struct {
	batchID string
	fn      func(progress.Event)
}

// NewCallbackSink returns a sink calling fn for each event of batchID, or of
// every batch when batchID is empty.
func NewCallbackSink(batchID string, fn func(progress.Event)) *CallbackSink {
	return &CallbackSink{batchID: batchID, fn: fn}
}

// Consume forwards matching events in order.
func (s *CallbackSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s.fn == nil {
		return nil
	}
	for _, evt := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.batchID != "" && evt.BatchID != s.batchID && evt.Stage != progress.StageRotation {
			continue
		}
		s.fn(evt)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *CallbackSink) Close(context.Context) error {
	return nil
}
