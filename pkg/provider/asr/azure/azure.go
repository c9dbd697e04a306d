// Package azure implements asr.Transcriber against Azure Speech, in two
// flavours: the batch transcription REST API (v3.2) and the realtime
// conversation WebSocket endpoint. Both share credentials and the
// tick-to-seconds conversion; they differ in transport and latency profile.
package azure

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mykolastupakov-spsoft/crosstalk/internal/resilience"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/segment"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/types"
)

// ticksPerSecond is Azure's 100ns tick unit.
const ticksPerSecond = 10_000_000

type config struct {
	httpClient   *http.Client
	pollInterval time.Duration
	pollBudget   int
}

// Option configures [NewBatch] and [NewRealtime].
type Option func(*config)

// WithHTTPClient replaces the default HTTP client (batch only).
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *config) { cfg.httpClient = c }
}

// WithPollInterval sets the delay between batch job polls. Default: 10s.
func WithPollInterval(d time.Duration) Option {
	return func(cfg *config) { cfg.pollInterval = d }
}

// WithPollBudget caps the number of batch job polls. Default: 120.
func WithPollBudget(n int) Option {
	return func(cfg *config) { cfg.pollBudget = n }
}

func newConfig(opts []Option) *config {
	cfg := &config{
		httpClient:   &http.Client{Timeout: 2 * time.Minute},
		pollInterval: 10 * time.Second,
		pollBudget:   120,
	}
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

func validateCreds(key, region string) error {
	if key == "" {
		return fmt.Errorf("azure: subscription key must not be empty")
	}
	if region == "" {
		return fmt.Errorf("azure: region must not be empty")
	}
	return nil
}

// ticksToSeconds converts Azure 100ns ticks to float seconds.
func ticksToSeconds(ticks int64) float64 {
	return float64(ticks) / ticksPerSecond
}

// speakerLabel maps Azure's 1-based speaker numbers to SPEAKER_NN. In channel
// mode every phrase collapses onto SPEAKER_00.
func speakerLabel(speaker int, mode types.DiarizationMode) string {
	if mode == types.DiarizeChannel {
		return "SPEAKER_00"
	}
	if speaker < 1 {
		return segment.NormalizeSpeaker("", 0)
	}
	return segment.NormalizeSpeaker(fmt.Sprintf("%d", speaker-1), 0)
}

func buildDiarization(engine types.ASREngine, id, baseName, language string, segs []types.Segment) *types.Diarization {
	speakers := map[string]bool{}
	for _, s := range segs {
		speakers[s.Speaker] = true
	}
	d := &types.Diarization{
		Recording: types.Recording{
			ID:           id,
			Name:         baseName,
			Language:     language,
			SpeakerCount: len(speakers),
			Results: map[string]types.ServiceResult{
				string(engine): {Segments: segs, SpeakerCount: len(speakers)},
			},
		},
		ServicesTested: []string{string(engine)},
	}
	if n := len(segs); n > 0 {
		d.Recording.Duration = segs[n-1].End
	}
	return d
}

var defaultRetry = resilience.DefaultRetryPolicy()
