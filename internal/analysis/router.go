package analysis

import (
	"context"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type RouteOutcome int

const (
	// Attached means the result was stored on a finalized block.
	Attached RouteOutcome = iota
	// Logged means the response had no block id and went to the response log.
	Logged
	// Missed means no finalized block matched and the response was discarded.
	Missed
)

func (o RouteOutcome) String() string {
	switch o {
	case Attached:
		return "attached"
	case Logged:
		return "logged"
	default:
		return "missed"
	}
}

type RouteResult struct {
	Outcome RouteOutcome
	BlockID string
	Variant Variant
	Result  Result
}

// Router attaches analyzer responses to history by block id. Bare responses
// are kept in arrival order in a session-level log.
type Router struct {
	logger zerolog.Logger
	log    []Result
	misses metric.Int64Counter
}

func NewRouter(logger zerolog.Logger) *Router {
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/internal/analysis")
	misses, _ := meter.Int64Counter("scribe.analysis.routing_misses",
		metric.WithDescription("Analysis responses with no matching block"))
	return &Router{logger: logger, misses: misses}
}

// Route never attaches a result to a block other than the one named by the
// response's base id. A second result for the same (block, variant) replaces
// the first.
func (r *Router) Route(resp protocol.AnalysisResponse, h *History) RouteResult {
	result := Result{
		Text:      resp.Text,
		Timestamp: resp.Timestamp,
		IsError:   resp.IsError,
		Agent:     resp.Agent,
		Variant:   variantOf(resp),
		Sources:   sourcesOf(resp.RAGSources),
	}
	if result.Timestamp.IsZero() {
		result.Timestamp = time.Now().UTC()
	}

	if strings.TrimSpace(resp.BlockID) == "" {
		r.log = append(r.log, result)
		return RouteResult{Outcome: Logged, Variant: result.Variant, Result: result}
	}

	base, _, _ := SplitID(resp.BlockID)
	if h == nil || !h.attach(base, result.Variant, result) {
		r.logger.Warn().
			Str("blockId", resp.BlockID).
			Str("variant", string(result.Variant)).
			Msg("analysis response has no matching block, discarded")
		r.misses.Add(context.Background(), 1)
		return RouteResult{Outcome: Missed, BlockID: base, Variant: result.Variant, Result: result}
	}
	return RouteResult{Outcome: Attached, BlockID: base, Variant: result.Variant, Result: result}
}

// Log returns the bare responses in arrival order.
func (r *Router) Log() []Result {
	return append([]Result(nil), r.log...)
}

func (r *Router) Reset() {
	r.log = nil
}

func variantOf(resp protocol.AnalysisResponse) Variant {
	if _, v, ok := SplitID(resp.BlockID); ok {
		return v
	}
	switch strings.ToLower(resp.AnalysisType) {
	case protocol.VariantDocument, "document", "rag":
		return Document
	}
	return Original
}

func sourcesOf(in []protocol.RAGSource) []SourceAttribution {
	if len(in) == 0 {
		return nil
	}
	out := make([]SourceAttribution, len(in))
	for i, s := range in {
		out[i] = SourceAttribution{Filename: s.Filename, Bucket: s.Bucket, Similarity: s.Similarity}
	}
	return out
}
