// Package orchestrator owns one pipeline run end to end: step ordering,
// per-step timeouts, the progress event stream, temp-file cleanup, and final
// response assembly.
//
// A run walks the fixed state sequence
//
//	received → step 1 (primary ASR) → step 1.5 (optional review) →
//	step 2 (separation) → step 3 (per-stem transcription) →
//	step 4 (merge) → step 5 (markdown) → step 6 (text analysis) →
//	step 7 (scoring) → completed
//
// Steps 1, 2, and 3 are fatal on failure; 1.5, 6, and 7 degrade gracefully.
// Step 5 always yields a table, falling back to a deterministic render of the
// merged segments when the model output is unusable.
//
// All events reaching the caller are serialized through a single pump
// goroutine: exactly one terminal event per run, nothing after it.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mykolastupakov-spsoft/crosstalk/internal/cache"
	"github.com/mykolastupakov-spsoft/crosstalk/internal/config"
	"github.com/mykolastupakov-spsoft/crosstalk/internal/history"
	"github.com/mykolastupakov-spsoft/crosstalk/internal/observe"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/types"
)

// ─── Timeouts ─────────────────────────────────────────────────────────────────

const (
	heartbeatInterval = 30 * time.Second

	// Primary ASR covers long recordings and cold batch queues.
	asrTimeout = 20 * time.Minute

	// Stems are short single-speaker files.
	stemASRTimeout = 10 * time.Minute

	separationTimeout = 15 * time.Minute

	chatRemoteTimeout    = 3 * time.Minute
	chatLocalTimeout     = 30 * time.Minute
	markdownTimeout      = 10 * time.Minute
	markdownLocalTimeout = 30 * time.Minute
	deepReasoningTimeout = time.Hour
)

// Caches bundles the four JSON stores the pipeline consults.
type Caches struct {
	Diarization *cache.Store
	Separation  *cache.Store
	LLM         *cache.Store
	Roles       *cache.Store
}

// Orchestrator executes pipeline runs. Safe for concurrent use; each run
// carries its own state.
type Orchestrator struct {
	cfg     config.Config
	reg     *config.Registry
	caches  Caches
	metrics *observe.Metrics
	hist    *history.Store
	log     *slog.Logger

	// snapshot is swapped in tests; production runs read the live environment.
	snapshot func() config.RunConfig
}

// Option is a functional option for [New].
type Option func(*Orchestrator)

// WithMetrics attaches the OTel instrument set.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithHistory attaches the optional run-history store. Writes are best-effort.
func WithHistory(h *history.Store) Option {
	return func(o *Orchestrator) { o.hist = h }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// WithSnapshot overrides the environment snapshot source. Test hook.
func WithSnapshot(fn func() config.RunConfig) Option {
	return func(o *Orchestrator) { o.snapshot = fn }
}

// New creates an Orchestrator over the given registry and caches.
func New(cfg config.Config, reg *config.Registry, caches Caches, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		reg:      reg,
		caches:   caches,
		log:      slog.Default(),
		snapshot: config.Snapshot,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Execute starts one pipeline run and returns its event stream. The channel
// is closed after the terminal event (or silently on cancellation). The
// caller must drain it.
func (o *Orchestrator) Execute(ctx context.Context, req types.Request) <-chan types.ProgressEvent {
	events := make(chan types.ProgressEvent, 16)
	bus := make(chan types.ProgressEvent, 256)
	requestID := uuid.NewString()

	go o.pump(bus, events, requestID)
	go o.run(ctx, req, requestID, bus)

	return events
}

// pump is the single writer to the outbound event channel. It forwards bus
// events in order, injects heartbeats, and enforces the terminal discipline:
// at most one terminal event, nothing after it.
func (o *Orchestrator) pump(bus <-chan types.ProgressEvent, events chan<- types.ProgressEvent, requestID string) {
	defer close(events)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	// Initial keep-alive so streaming clients see bytes before step 1 starts.
	events <- heartbeat(requestID)

	terminal := false
	for {
		select {
		case ev, ok := <-bus:
			if !ok {
				return
			}
			if terminal {
				continue
			}
			if ev.IsTerminal() {
				events <- ev
				terminal = true
				continue
			}
			// Non-terminal events are best-effort: a stalled consumer loses
			// progress detail, never the final result.
			select {
			case events <- ev:
			default:
			}
		case <-ticker.C:
			if terminal {
				continue
			}
			select {
			case events <- heartbeat(requestID):
			default:
			}
		}
	}
}

func heartbeat(requestID string) types.ProgressEvent {
	return types.ProgressEvent{
		Type:      types.EventHeartbeat,
		Timestamp: time.Now(),
		RequestID: requestID,
	}
}
