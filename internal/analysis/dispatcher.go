package analysis

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var ErrChannelUnavailable = errors.New("analysis channel unavailable")

// Sender is the outbound half of the session channel used for analysis.
type Sender interface {
	SendAnalysisRequest(ctx context.Context, req protocol.AnalysisRequest) error
}

type DispatchResult struct {
	Duplicate bool
	Sent      []Request
	Dropped   []Request
}

// Dispatcher issues at most one request per (block, variant). It is owned by
// the session controller and not safe for concurrent use.
type Dispatcher struct {
	sender    Sender
	logger    zerolog.Logger
	processed map[string]struct{}

	pending        bool
	lastDispatched string

	dispatched metric.Int64Counter
	dropped    metric.Int64Counter
}

func NewDispatcher(sender Sender, logger zerolog.Logger) *Dispatcher {
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/internal/analysis")
	dispatched, _ := meter.Int64Counter("scribe.analysis.dispatched",
		metric.WithDescription("Analysis requests sent"))
	dropped, _ := meter.Int64Counter("scribe.analysis.dropped",
		metric.WithDescription("Analysis requests dropped because the channel was unavailable"))
	return &Dispatcher{
		sender:     sender,
		logger:     logger,
		processed:  make(map[string]struct{}),
		dispatched: dispatched,
		dropped:    dropped,
	}
}

// Dispatch fans a finalized block out to every variant the preference allows.
// The block id enters the dedup set before anything is sent. Send failures are
// logged and dropped without retry.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string, blk transcript.Block, pref Preference, agent string) DispatchResult {
	if _, seen := d.processed[blk.ID]; seen {
		d.logger.Debug().Str("blockId", blk.ID).Msg("block already dispatched")
		return DispatchResult{Duplicate: true}
	}
	d.processed[blk.ID] = struct{}{}

	var res DispatchResult
	for _, v := range pref.Variants() {
		req := Request{
			SessionID: sessionID,
			RequestID: RequestID(blk.ID, v),
			BlockID:   blk.ID,
			Variant:   v,
			Text:      blk.Text,
			AgentType: agent,
		}
		attrs := metric.WithAttributes(attribute.String("variant", string(v)))
		if err := d.send(ctx, req); err != nil {
			d.logger.Warn().Err(err).
				Str("blockId", blk.ID).
				Str("variant", string(v)).
				Msg("analysis dispatch dropped")
			d.dropped.Add(ctx, 1, attrs)
			res.Dropped = append(res.Dropped, req)
			continue
		}
		d.dispatched.Add(ctx, 1, attrs)
		res.Sent = append(res.Sent, req)
	}

	if len(res.Sent) > 0 {
		d.pending = true
		d.lastDispatched = blk.ID
	}
	return res
}

func (d *Dispatcher) send(ctx context.Context, req Request) error {
	if d.sender == nil {
		return ErrChannelUnavailable
	}
	return d.sender.SendAnalysisRequest(ctx, req.Wire())
}

// Settle clears the pending indicator once a response for the most recently
// dispatched block arrives.
func (d *Dispatcher) Settle(baseID string) {
	if baseID != "" && baseID == d.lastDispatched {
		d.pending = false
	}
}

func (d *Dispatcher) Pending() bool { return d.pending }

func (d *Dispatcher) Processed(blockID string) bool {
	_, ok := d.processed[blockID]
	return ok
}

func (d *Dispatcher) ProcessedCount() int { return len(d.processed) }

// Reset clears the dedup set and the pending indicator.
func (d *Dispatcher) Reset() {
	d.processed = make(map[string]struct{})
	d.pending = false
	d.lastDispatched = ""
}
