// Package markdown turns the merged diarization into the final Agent/Client
// conversation table.
//
// Two strategies exist. The single-shot path asks the model for the whole
// table at once, optionally followed by a verification pass. The multi-step
// path splits the work into six ordered, individually cached calls so a
// failure late in the chain does not re-bill the earlier steps. Both paths
// end in the same post-processing, and both degrade to a deterministic table
// built straight from the merged segments when the model lets them down.
package markdown

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mykolastupakov-spsoft/crosstalk/internal/cache"
	"github.com/mykolastupakov-spsoft/crosstalk/internal/llmjson"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/provider/chat"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/segment"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/types"
)

// maxTurnGap is the pause above which consecutive same-speaker rows may stay
// separate turns.
const maxTurnGap = 2.0

// Output is the refiner's result for one run.
type Output struct {
	// Markdown is the rendered final table.
	Markdown string `json:"markdown"`

	// Segments is the table re-expressed as segments with roles attached.
	Segments []types.Segment `json:"segments"`

	// UsedFallback is true when the table came from the deterministic
	// builder instead of the model.
	UsedFallback bool `json:"usedFallback"`

	// GroundTruthNotes is the model's prose comparison against the
	// reference transcript, when one was supplied.
	GroundTruthNotes string `json:"groundTruthNotes,omitempty"`
}

// cachedCompletion is the on-disk shape of one cached model call.
type cachedCompletion struct {
	Content string `json:"content"`
}

// Refiner drives the markdown refinement for one configured model.
type Refiner struct {
	model         chat.Model
	modelName     string
	fastModelName string
	store         *cache.Store
	mode          types.LLMMode
	demoMode      string
	multiStep     bool
	verify        bool
	log           *slog.Logger
}

// Option is a functional option for [New].
type Option func(*Refiner)

// WithMultiStep switches to the six-step refinement chain.
func WithMultiStep() Option {
	return func(r *Refiner) { r.multiStep = true }
}

// WithVerification adds the verification pass to the single-shot path.
func WithVerification() Option {
	return func(r *Refiner) { r.verify = true }
}

// WithFastModelName names the model that serves fast-mode runs. Local-mode
// runs use it to probe fast-mode cache entries, which are keyed by that
// model's name, not the local one's.
func WithFastModelName(name string) Option {
	return func(r *Refiner) { r.fastModelName = name }
}

// WithDemoMode tags cache keys with a demo-mode suffix.
func WithDemoMode(demo string) Option {
	return func(r *Refiner) { r.demoMode = demo }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(r *Refiner) { r.log = log }
}

// New creates a Refiner. store may be nil to disable caching.
func New(model chat.Model, store *cache.Store, mode types.LLMMode, opts ...Option) *Refiner {
	r := &Refiner{
		model:     model,
		modelName: model.Name(),
		store:     store,
		mode:      mode,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Refine produces the final conversation table for in. It returns an error
// only on context cancellation; every model failure degrades to the
// deterministic fallback table instead.
func (r *Refiner) Refine(ctx context.Context, in Input) (*Output, error) {
	var (
		table *segment.Table
		notes string
		err   error
	)
	if r.multiStep {
		table, notes, err = r.refineMultiStep(ctx, in)
	} else {
		table, err = r.refineSingleShot(ctx, in)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("markdown: %w", ctx.Err())
		}
		r.log.Warn("markdown refinement failed, building fallback table", "error", err)
	}

	out := &Output{GroundTruthNotes: notes}
	if table != nil {
		table = postProcess(table)
	}
	if table == nil || len(table.Rows) == 0 {
		table = postProcess(segment.FromSegments(in.Merged, in.Roles()))
		out.UsedFallback = true
	}

	out.Markdown = table.Render()
	out.Segments = tableSegments(table)
	return out, nil
}

// ─── Single shot ──────────────────────────────────────────────────────────────

func (r *Refiner) refineSingleShot(ctx context.Context, in Input) (*segment.Table, error) {
	material := buildContext(in)
	content, err := r.completeCached(ctx, in.BaseName, variantSingleShot, singleShotPrompt, material)
	if err != nil {
		return nil, err
	}
	table, err := extractTable(content)
	if err != nil {
		return nil, err
	}

	if r.verify {
		user := table.Render() + "\n\nSOURCE MATERIAL:\n" + material
		verified, verr := r.completeCached(ctx, in.BaseName, variantVerify, verifyPrompt, user)
		if verr != nil {
			r.log.Warn("verification pass failed, keeping unverified table", "error", verr)
			return table, nil
		}
		if vt, perr := extractTable(verified); perr == nil && len(vt.Rows) > 0 {
			return vt, nil
		}
		r.log.Warn("verification pass returned no table, keeping unverified table")
	}
	return table, nil
}

// ─── Multi step ───────────────────────────────────────────────────────────────

func (r *Refiner) refineMultiStep(ctx context.Context, in Input) (*segment.Table, string, error) {
	material := buildContext(in)

	dialogue, err := r.completeCached(ctx, in.BaseName, variantStep1, step1Prompt, material)
	if err != nil {
		return nil, "", err
	}

	// From here on a failed step keeps the previous step's output and the
	// chain continues; only the initial dialogue extraction is load-bearing.
	if next, serr := r.completeCached(ctx, in.BaseName, variantStep2, step2Prompt,
		dialogue+"\n\nROLE GUIDANCE:\n"+roleGuidanceJSON(in.Tracks)); serr == nil && strings.TrimSpace(next) != "" {
		dialogue = next
	} else if serr != nil {
		r.log.Warn("role assignment step failed, keeping previous dialogue", "error", serr)
	}

	if next, serr := r.completeCached(ctx, in.BaseName, variantStep3, step3Prompt, dialogue); serr == nil && strings.TrimSpace(next) != "" {
		dialogue = next
	} else if serr != nil {
		r.log.Warn("deduplication step failed, keeping previous dialogue", "error", serr)
	}

	rendered, err := r.completeCached(ctx, in.BaseName, variantStep4, step4Prompt,
		dialogue+"\n\nSEGMENT TIMESTAMPS:\n"+timestampsJSON(in.Merged))
	if err != nil {
		r.log.Warn("table formatting step failed, parsing previous dialogue", "error", err)
		rendered = dialogue
	}
	table, err := extractTable(rendered)
	if err != nil {
		return nil, "", fmt.Errorf("markdown: table formatting step: %w", err)
	}

	// Verification and ground-truth analysis must not undo a good table.
	verified, verr := r.completeCached(ctx, in.BaseName, variantStep5, step5Prompt,
		table.Render()+"\n\nDIALOGUE CONTEXT:\n"+material)
	if verr == nil {
		if vt, perr := extractTable(verified); perr == nil && len(vt.Rows) > 0 {
			table = vt
		}
	} else {
		r.log.Warn("table verification step failed, keeping step 4 output", "error", verr)
	}

	var notes string
	if strings.TrimSpace(in.GroundTruth) != "" {
		notes, err = r.completeCached(ctx, in.BaseName, variantStep6, step6Prompt,
			table.Render()+"\n\nREFERENCE TRANSCRIPT:\n"+in.GroundTruth)
		if err != nil {
			r.log.Warn("ground-truth analysis step failed", "error", err)
			notes = ""
		}
	}
	return table, strings.TrimSpace(notes), nil
}

// ─── Shared plumbing ──────────────────────────────────────────────────────────

// completeCached runs one model call through the cache. Local-mode runs also
// probe the fast-mode entry for the same prompt: a remote run usually came
// first and its answer is just as good.
func (r *Refiner) completeCached(ctx context.Context, baseName, variant, system, user string) (string, error) {
	prompt := system + "\n" + user
	key := cache.LLMKey(baseName, prompt, r.modelName, r.mode, variant, r.demoMode)

	if r.store != nil {
		var hit cachedCompletion
		if r.store.Get(key, &hit) {
			return hit.Content, nil
		}
		if r.mode.IsLocal() && r.fastModelName != "" {
			fastKey := cache.LLMKey(baseName, prompt, r.fastModelName, types.LLMModeFast, variant, r.demoMode)
			if r.store.Get(fastKey, &hit) {
				return hit.Content, nil
			}
		}
	}

	content, err := r.model.Complete(ctx, chat.Request{
		System:      system,
		User:        user,
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("markdown: %s: %w", variant, err)
	}
	if r.store != nil {
		if perr := r.store.Put(key, cachedCompletion{Content: content}); perr != nil {
			r.log.Warn("cache write failed", "key", key, "error", perr)
		}
	}
	return content, nil
}

// extractTable parses a table from raw model output, trying the text as-is
// and then the first fenced block.
func extractTable(content string) (*segment.Table, error) {
	t, err := segment.ParseTable(content)
	if err == nil {
		return t, nil
	}
	if fenced := llmjson.ExtractFenced(content); fenced != "" {
		if t, ferr := segment.ParseTable(fenced); ferr == nil {
			return t, nil
		}
	}
	return nil, err
}

// postProcess applies the deterministic cleanup every table gets regardless
// of how it was produced.
func postProcess(t *segment.Table) *segment.Table {
	return t.RemoveFillers().MergeConsecutiveSameSpeaker(maxTurnGap)
}

// tableSegments re-expresses table rows as segments for the final artifact.
func tableSegments(t *segment.Table) []types.Segment {
	out := make([]types.Segment, 0, len(t.Rows))
	for _, row := range t.Rows {
		out = append(out, types.Segment{
			Speaker: row.Speaker,
			Role:    types.Role(row.Speaker),
			Text:    row.Text,
			Start:   row.Start,
			End:     row.End,
			Source:  types.SourceLLMRefined,
		})
	}
	return out
}
