package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/mykolastupakov-spsoft/crosstalk/internal/cache"
	"github.com/mykolastupakov-spsoft/crosstalk/internal/config"
	"github.com/mykolastupakov-spsoft/crosstalk/internal/groundtruth"
	"github.com/mykolastupakov-spsoft/crosstalk/internal/history"
	"github.com/mykolastupakov-spsoft/crosstalk/internal/llmjson"
	"github.com/mykolastupakov-spsoft/crosstalk/internal/markdown"
	"github.com/mykolastupakov-spsoft/crosstalk/internal/merge"
	"github.com/mykolastupakov-spsoft/crosstalk/internal/observe"
	"github.com/mykolastupakov-spsoft/crosstalk/internal/roles"
	"github.com/mykolastupakov-spsoft/crosstalk/internal/textanalysis"
	"github.com/mykolastupakov-spsoft/crosstalk/internal/voicetrack"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/provider/asr"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/provider/chat"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/provider/separation"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/segment"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/types"
)

// Step names as they appear in events and the final steps list.
const (
	namePrimary      = "primary-diarization"
	nameGeminiReview = "gemini-review"
	nameSeparation   = "source-separation"
	nameStems        = "stem-transcription"
	nameMerge        = "programmatic-merge"
	nameMarkdown     = "markdown-refinement"
	nameTextAnalysis = "text-analysis"
	nameScoring      = "ground-truth-scoring"
)

// runState is the mutable per-run context. Owned by the run goroutine; step 3
// workers only write their own slice index.
type runState struct {
	id       string
	req      types.Request
	rc       config.RunConfig
	bus      chan<- types.ProgressEvent
	log      *slog.Logger
	started  time.Time
	baseName string
	tempDir  string

	audioPath string
	audioURL  string

	chatModel   chat.Model
	transcriber asr.Transcriber

	steps []types.StepState

	primary   *types.Diarization
	sep       *types.SeparationResult
	tracks    []types.VoiceTrack
	voiceSegs []types.Segment
	corrected *types.Diarization
	refined   *markdown.Output
	analysis  *textanalysis.Analysis
	score     *groundtruth.Report
}

// progress emits a step event. Best-effort: a full bus drops the event rather
// than stalling a worker.
func (st *runState) progress(step int, status types.StepStatus, desc string, details map[string]any) {
	ev := types.ProgressEvent{
		Type:        types.EventStepProgress,
		Step:        step,
		Status:      status,
		Description: desc,
		Details:     details,
		Timestamp:   time.Now(),
		RequestID:   st.id,
	}
	select {
	case st.bus <- ev:
	default:
	}
}

func (st *runState) record(step int, name string, status types.StepStatus, started time.Time, details map[string]any) {
	st.steps = append(st.steps, types.StepState{
		Step:     step,
		Name:     name,
		Status:   status,
		Duration: time.Since(started).Seconds(),
		Details:  details,
	})
}

// busSink forwards adapter progress (poll events, subprocess lines) onto the
// run's event bus under the current step number.
type busSink struct {
	st   *runState
	step int
}

func (s busSink) Progress(description string, details map[string]any) {
	s.st.progress(s.step, types.StepProcessing, description, details)
}

// ─── State machine ────────────────────────────────────────────────────────────

func (o *Orchestrator) run(ctx context.Context, req types.Request, requestID string, bus chan<- types.ProgressEvent) {
	defer close(bus)

	ctx, cancel := context.WithTimeout(ctx, o.cfg.Pipeline.RunTimeout)
	defer cancel()

	if o.metrics != nil {
		o.metrics.ActiveRuns.Add(ctx, 1)
		defer o.metrics.ActiveRuns.Add(ctx, -1)
	}

	st := &runState{
		id:      requestID,
		req:     req,
		rc:      o.snapshot(),
		bus:     bus,
		log:     o.log.With("request_id", requestID),
		started: time.Now(),
	}

	if err := st.rc.ValidateFor(req); err != nil {
		o.fail(ctx, st, 0, "validation", err)
		return
	}

	model, err := o.reg.CreateChat(req.LLMMode, st.rc)
	if err != nil {
		o.fail(ctx, st, 0, "validation", err)
		return
	}
	st.chatModel = o.withChatFallback(req.LLMMode, model, st.rc)

	st.transcriber, err = o.reg.CreateASR(req.Engine, st.rc)
	if err != nil {
		o.fail(ctx, st, 0, "validation", err)
		return
	}

	if err := os.MkdirAll(o.cfg.Paths.TempDir, 0o755); err != nil {
		o.fail(ctx, st, 0, "validation", fmt.Errorf("orchestrator: create temp root: %w", err))
		return
	}
	st.tempDir, err = os.MkdirTemp(o.cfg.Paths.TempDir, "run-*")
	if err != nil {
		o.fail(ctx, st, 0, "validation", fmt.Errorf("orchestrator: create run temp dir: %w", err))
		return
	}
	// Temp files never survive the run, whatever the exit path.
	defer func() {
		if err := os.RemoveAll(st.tempDir); err != nil {
			st.log.Warn("temp dir cleanup failed", "dir", st.tempDir, "error", err)
		}
	}()

	if err := o.resolveAudio(ctx, st); err != nil {
		o.fail(ctx, st, 0, "validation", err)
		return
	}

	if err := o.traced(ctx, st, 1, namePrimary, o.stepPrimary); err != nil {
		o.fail(ctx, st, 1, namePrimary, err)
		return
	}
	o.tracedOptional(ctx, st, 1, nameGeminiReview, o.stepGeminiReview)
	if err := o.traced(ctx, st, 2, nameSeparation, o.stepSeparate); err != nil {
		o.fail(ctx, st, 2, nameSeparation, err)
		return
	}
	if err := o.traced(ctx, st, 3, nameStems, o.stepStems); err != nil {
		o.fail(ctx, st, 3, nameStems, err)
		return
	}
	o.stepMerge(st)
	if err := o.traced(ctx, st, 5, nameMarkdown, o.stepMarkdown); err != nil {
		o.fail(ctx, st, 5, nameMarkdown, err)
		return
	}
	o.tracedOptional(ctx, st, 6, nameTextAnalysis, o.stepTextAnalysis)
	o.stepScore(st)

	o.complete(ctx, st)
}

// withChatFallback backs the remote reasoning modes with the fast model: a
// failing smart-tier vendor degrades the refinement instead of killing the
// run. The fast model itself, local inference, and the gemini review mode
// have no cheaper stand-in and stay unwrapped.
func (o *Orchestrator) withChatFallback(mode types.LLMMode, model chat.Model, rc config.RunConfig) chat.Model {
	switch mode {
	case types.LLMModeSmart, types.LLMModeSmart2, types.LLMModeTest, types.LLMModeTest2:
	default:
		return model
	}
	backup, err := o.reg.CreateChat(types.LLMModeFast, rc)
	if err != nil {
		return model
	}
	return chat.NewFallback(model, backup)
}

// traced runs one pipeline step inside its span.
func (o *Orchestrator) traced(ctx context.Context, st *runState, step int, name string, fn func(context.Context, *runState) error) error {
	sctx, span := observe.StepSpan(ctx, step, name, st.id)
	defer span.End()
	err := fn(sctx, st)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// tracedOptional is traced for the non-fatal steps, which report failure
// through the event stream instead of an error return.
func (o *Orchestrator) tracedOptional(ctx context.Context, st *runState, step int, name string, fn func(context.Context, *runState)) {
	sctx, span := observe.StepSpan(ctx, step, name, st.id)
	defer span.End()
	fn(sctx, st)
}

// resolveAudio normalises the audio input: the local separation back-ends
// need a file on disk, AudioShake needs a public HTTPS URL.
func (o *Orchestrator) resolveAudio(ctx context.Context, st *runState) error {
	st.audioPath = st.req.AudioPath
	st.audioURL = st.req.AudioURL

	switch {
	case st.audioPath != "":
		st.baseName = cache.SanitizeName(trimExt(filepath.Base(st.audioPath)))
	case st.audioURL != "":
		st.baseName = cache.SanitizeName(trimExt(filepath.Base(strings.TrimRight(st.audioURL, "/"))))
	default:
		return errors.New("orchestrator: neither audio file nor url provided")
	}

	// Primary ASR always needs a local file; the original URL is kept as the
	// separation source for back-ends that fetch the audio themselves.
	if st.audioPath == "" {
		path, err := downloadAudio(ctx, st.audioURL, st.tempDir)
		if err != nil {
			return fmt.Errorf("orchestrator: fetch audio: %w", err)
		}
		st.audioPath = path
	}

	if st.audioURL == "" && st.rc.PublicURL != "" && st.audioPath != "" {
		st.audioURL = strings.TrimRight(st.rc.PublicURL, "/") + "/uploads/" + filepath.Base(st.audioPath)
	}
	return nil
}

// ─── Step 1: primary diarization ──────────────────────────────────────────────

func (o *Orchestrator) stepPrimary(ctx context.Context, st *runState) error {
	started := time.Now()
	st.progress(1, types.StepProcessing, "transcribing mixed recording", nil)

	key := cache.DiarizationKey(st.baseName, st.req.Language, st.req.SpeakerHint, types.DiarizeMix, st.req.Engine)
	var cached types.Diarization
	hit := o.caches.Diarization.Get(key, &cached)
	o.recordCacheLookup(ctx, "diarization", hit)
	if hit {
		st.primary = &cached
		details := map[string]any{"cache": "hit", "segments": len(cached.Result(string(st.req.Engine)).Segments)}
		st.record(1, namePrimary, types.StepCompleted, started, details)
		st.progress(1, types.StepCompleted, "primary diarization loaded from cache", details)
		o.recordStep(ctx, 1, string(types.StepCompleted), started)
		return nil
	}

	asrCtx, cancel := context.WithTimeout(ctx, asrTimeout)
	defer cancel()

	d, err := st.transcriber.Transcribe(asrCtx, asr.Request{
		AudioPath:   st.audioPath,
		AudioURL:    st.audioURL,
		BaseName:    st.baseName,
		Language:    st.req.Language,
		SpeakerHint: st.req.SpeakerHint,
		Mode:        types.DiarizeMix,
		Progress:    busSink{st: st, step: 1},
	})
	o.recordVendor(ctx, string(st.req.Engine), err)
	if err != nil {
		st.record(1, namePrimary, types.StepFailed, started, nil)
		o.recordStep(ctx, 1, string(types.StepFailed), started)
		return fmt.Errorf("orchestrator: primary transcription: %w", err)
	}

	if err := o.caches.Diarization.Put(key, d); err != nil {
		st.log.Warn("diarization cache write failed", "key", key, "error", err)
	}
	st.primary = d
	details := map[string]any{"cache": "miss", "segments": len(d.Result(string(st.req.Engine)).Segments)}
	st.record(1, namePrimary, types.StepCompleted, started, details)
	st.progress(1, types.StepCompleted, "primary diarization ready", details)
	o.recordStep(ctx, 1, string(types.StepCompleted), started)
	return nil
}

// ─── Step 1.5: optional review pass ───────────────────────────────────────────

// geminiReview is the decoded shape of the review model's verdict.
type geminiReview struct {
	Segments []struct {
		Speaker string  `json:"speaker"`
		Text    string  `json:"text"`
		Start   float64 `json:"start"`
		End     float64 `json:"end"`
	} `json:"segments"`
}

// stepGeminiReview asks the deep-reasoning model for a second opinion on the
// primary speaker attribution. Runs only in gemini25 mode and never fails the
// run: a usable primary diarization already exists.
func (o *Orchestrator) stepGeminiReview(ctx context.Context, st *runState) {
	started := time.Now()
	if st.req.LLMMode != types.LLMModeGemini25 {
		st.record(1, nameGeminiReview, types.StepSkipped, started, nil)
		return
	}
	st.progress(1, types.StepProcessing, "reviewing speaker attribution", nil)

	primary := st.primary.Result(string(st.req.Engine)).Segments
	var b strings.Builder
	for _, s := range primary {
		fmt.Fprintf(&b, "[%.2f-%.2f] %s: %s\n", s.Start, s.End, s.Speaker, s.Text)
	}

	reviewCtx, cancel := context.WithTimeout(ctx, deepReasoningTimeout)
	defer cancel()

	content, err := st.chatModel.Complete(reviewCtx, chat.Request{
		System: "You review speaker diarization of a two-person phone call. Fix segments attributed to the wrong speaker. Respond with ONLY JSON: {\"segments\": [{\"speaker\", \"text\", \"start\", \"end\"}]}. Keep every text and timestamp verbatim; only speaker labels may change.",
		User:   b.String(),
	})
	if err == nil {
		var review geminiReview
		err = llmjson.Decode(content, &review)
		if err == nil && len(review.Segments) > 0 {
			segs := make([]types.Segment, 0, len(review.Segments))
			for i, rs := range review.Segments {
				segs = append(segs, segment.Sanitize(types.Segment{
					Speaker: rs.Speaker,
					Text:    rs.Text,
					Start:   rs.Start,
					End:     rs.End,
					Source:  types.SourcePrimary,
				}, i))
			}
			if st.primary.Recording.Results == nil {
				st.primary.Recording.Results = map[string]types.ServiceResult{}
			}
			st.primary.Recording.Results["gemini"] = types.ServiceResult{
				Segments:     segs,
				SpeakerCount: st.primary.Result(string(st.req.Engine)).SpeakerCount,
			}
			st.primary.ServicesTested = append(st.primary.ServicesTested, "gemini")
			details := map[string]any{"segments": len(segs)}
			st.record(1, nameGeminiReview, types.StepCompleted, started, details)
			st.progress(1, types.StepCompleted, "speaker attribution reviewed", details)
			return
		}
		if err == nil {
			err = errors.New("review returned no segments")
		}
	}
	st.log.Warn("review pass failed, keeping primary attribution", "error", err)
	st.record(1, nameGeminiReview, types.StepFailed, started, map[string]any{"error": err.Error()})
	st.progress(1, types.StepFailed, "review pass failed, keeping primary attribution", nil)
}

// ─── Step 2: source separation ────────────────────────────────────────────────

func (o *Orchestrator) stepSeparate(ctx context.Context, st *runState) error {
	started := time.Now()
	st.progress(2, types.StepProcessing, "separating speakers", nil)

	key := cache.SeparationKey(st.baseName, st.req.PipelineMode, hashFile(st.audioPath))
	if st.rc.SeparationCacheEnabled {
		var cached types.SeparationResult
		hit := o.caches.Separation.Get(key, &cached) && o.reviveStems(ctx, st, &cached)
		o.recordCacheLookup(ctx, "separation", hit)
		if hit {
			st.sep = &cached
			details := map[string]any{"cache": "hit", "stems": len(cached.Stems)}
			st.record(2, nameSeparation, types.StepCompleted, started, details)
			st.progress(2, types.StepCompleted, "separation loaded from cache", details)
			o.recordStep(ctx, 2, string(types.StepCompleted), started)
			return nil
		}
	}

	sep, err := o.reg.CreateSeparator(st.req.PipelineMode, st.rc)
	if err != nil {
		st.record(2, nameSeparation, types.StepFailed, started, nil)
		o.recordStep(ctx, 2, string(types.StepFailed), started)
		return err
	}

	sepCtx, cancel := context.WithTimeout(ctx, separationTimeout)
	defer cancel()

	res, err := sep.Separate(sepCtx, separation.Request{
		AudioPath: st.audioPath,
		AudioURL:  st.audioURL,
		BaseName:  st.baseName,
		Progress:  busSink{st: st, step: 2},
	})
	o.recordVendor(ctx, string(st.req.PipelineMode), err)
	if err != nil {
		st.record(2, nameSeparation, types.StepFailed, started, nil)
		o.recordStep(ctx, 2, string(types.StepFailed), started)
		return fmt.Errorf("orchestrator: separation: %w", err)
	}

	if st.rc.SeparationCacheEnabled {
		if err := o.caches.Separation.Put(key, res); err != nil {
			st.log.Warn("separation cache write failed", "key", key, "error", err)
		}
	}
	st.sep = res
	details := map[string]any{"cache": "miss", "stems": len(res.Stems)}
	st.record(2, nameSeparation, types.StepCompleted, started, details)
	st.progress(2, types.StepCompleted, "separation ready", details)
	o.recordStep(ctx, 2, string(types.StepCompleted), started)
	return nil
}

// reviveStems decides whether a cached separation result can be trusted.
// Local stem files are stat-checked (they can be pruned independently of the
// JSON cache). Vendor-hosted stems are never replayed as stored: their links
// expire, so the back-end must hand out fresh ones for the original job.
// Any doubt means re-separating.
func (o *Orchestrator) reviveStems(ctx context.Context, st *runState, res *types.SeparationResult) bool {
	if len(res.Stems) == 0 {
		return false
	}
	remote := false
	for _, s := range res.Stems {
		if strings.Contains(s.AudioRef, "://") {
			remote = true
			continue
		}
		if _, err := os.Stat(s.AudioRef); err != nil {
			return false
		}
	}
	if !remote {
		return true
	}
	if res.TaskID == "" {
		return false
	}
	sep, err := o.reg.CreateSeparator(st.req.PipelineMode, st.rc)
	if err != nil {
		return false
	}
	refresher, ok := sep.(separation.StemRefresher)
	if !ok {
		return false
	}
	fresh, err := refresher.RefreshStems(ctx, res.TaskID)
	if err != nil {
		st.log.Warn("cached stems could not be refreshed, re-separating", "task_id", res.TaskID, "error", err)
		return false
	}
	res.Stems = fresh
	return true
}

// ─── Step 3: per-stem transcription ───────────────────────────────────────────

func (o *Orchestrator) stepStems(ctx context.Context, st *runState) error {
	started := time.Now()

	stems := st.sep.SpeakerStems()
	// Deterministic output ordering regardless of fan-out.
	sort.Slice(stems, func(i, j int) bool { return stems[i].Name < stems[j].Name })

	st.progress(3, types.StepProcessing, "transcribing separated stems", map[string]any{"stems": len(stems)})

	classifier := roles.New(st.chatModel, o.caches.Roles, st.req.LLMMode, roles.WithLogger(st.log))
	aggregator := voicetrack.New(st.log)

	tracks := make([]types.VoiceTrack, len(stems))
	perStem := make([][]types.Segment, len(stems))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Pipeline.StemFanOut)

	for i, stem := range stems {
		g.Go(func() error {
			d, err := o.transcribeStem(gctx, st, stem)
			if err != nil {
				return fmt.Errorf("orchestrator: stem %s: %w", stem.Name, err)
			}

			agg := aggregator.Aggregate(stem.Name, d, string(st.req.Engine))
			transcript := segment.JoinText(agg)

			track := types.VoiceTrack{
				Speaker:        stem.Name,
				AudioRef:       stem.AudioRef,
				Transcription:  d,
				TranscriptText: transcript,
			}
			analysis, roleErr := classifier.Classify(gctx, transcript, st.req.Language)
			track.RoleAnalysis = analysis
			if roleErr != nil {
				track.RoleError = roleErr.Error()
			}
			if analysis != nil {
				for j := range agg {
					agg[j].Role = analysis.Role
				}
			}

			tracks[i] = track
			perStem[i] = agg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		st.record(3, nameStems, types.StepFailed, started, nil)
		o.recordStep(ctx, 3, string(types.StepFailed), started)
		return err
	}

	st.tracks = tracks
	for _, segs := range perStem {
		st.voiceSegs = append(st.voiceSegs, segs...)
	}

	details := map[string]any{"stems": len(stems), "voice_segments": len(st.voiceSegs)}
	st.record(3, nameStems, types.StepCompleted, started, details)
	st.progress(3, types.StepCompleted, "stem transcription ready", details)
	o.recordStep(ctx, 3, string(types.StepCompleted), started)
	return nil
}

func (o *Orchestrator) transcribeStem(ctx context.Context, st *runState, stem types.Stem) (*types.Diarization, error) {
	stemBase := st.baseName + "_" + stem.Name
	key := cache.DiarizationKey(stemBase, st.req.Language, 1, types.DiarizeChannel, st.req.Engine)

	var cached types.Diarization
	hit := o.caches.Diarization.Get(key, &cached)
	o.recordCacheLookup(ctx, "diarization", hit)
	if hit {
		return &cached, nil
	}

	stemCtx, cancel := context.WithTimeout(ctx, stemASRTimeout)
	defer cancel()

	req := asr.Request{
		BaseName:    stemBase,
		Language:    st.req.Language,
		SpeakerHint: 1,
		Mode:        types.DiarizeChannel,
		Progress:    busSink{st: st, step: 3},
	}
	if strings.Contains(stem.AudioRef, "://") {
		req.AudioURL = stem.AudioRef
	} else {
		req.AudioPath = stem.AudioRef
	}

	d, err := st.transcriber.Transcribe(stemCtx, req)
	o.recordVendor(ctx, string(st.req.Engine), err)
	if err != nil {
		return nil, err
	}
	if err := o.caches.Diarization.Put(key, d); err != nil {
		st.log.Warn("stem diarization cache write failed", "key", key, "error", err)
	}
	return d, nil
}

// ─── Step 4: programmatic merge ───────────────────────────────────────────────

func (o *Orchestrator) stepMerge(st *runState) {
	started := time.Now()
	st.progress(4, types.StepProcessing, "merging voice tracks into primary timeline", nil)

	primary := st.primary.Result(string(st.req.Engine))
	merged, stats := merge.New(st.log).Merge(primary.Segments, st.voiceSegs)

	corrected := &types.Diarization{
		Recording:      st.primary.Recording,
		ServicesTested: append(append([]string{}, st.primary.ServicesTested...), types.OverlapCorrectedKey),
	}
	corrected.Recording.Results = map[string]types.ServiceResult{
		types.OverlapCorrectedKey: {
			Segments:     merged,
			SpeakerCount: primary.SpeakerCount,
			RawMeta: map[string]any{
				"primarySegments": stats.PrimarySegments,
				"voiceSegments":   stats.VoiceSegments,
				"enhanced":        stats.Enhanced,
				"lowConfidence":   stats.LowConfidence,
				"unmatchedVoice":  stats.UnmatchedVoice,
			},
		},
	}
	st.corrected = corrected

	details := map[string]any{"segments": len(merged), "enhanced": stats.Enhanced}
	st.record(4, nameMerge, types.StepCompleted, started, details)
	st.progress(4, types.StepCompleted, "merge complete", details)
}

// ─── Step 5: markdown refinement ──────────────────────────────────────────────

func (o *Orchestrator) stepMarkdown(ctx context.Context, st *runState) error {
	started := time.Now()
	st.progress(5, types.StepProcessing, "refining dialogue into markdown", nil)

	store := o.caches.LLM
	if !st.rc.LLMCacheEnabled {
		// A cache rooted in the run temp dir vanishes with the run, which is
		// exactly what "disabled" means here.
		var err error
		store, err = cache.NewStore(filepath.Join(st.tempDir, "llm"), cache.WithLogger(st.log))
		if err != nil {
			return fmt.Errorf("orchestrator: scratch llm cache: %w", err)
		}
	}

	opts := []markdown.Option{markdown.WithLogger(st.log)}
	if st.rc.UseMultiStepMarkdown || st.req.LLMMode.IsLocal() {
		opts = append(opts, markdown.WithMultiStep())
	} else if st.req.LLMMode == types.LLMModeSmart || st.req.LLMMode == types.LLMModeSmart2 {
		opts = append(opts, markdown.WithVerification())
	}
	if st.req.LLMMode.IsLocal() {
		// Fast-mode cache entries are keyed by the fast model's name; the
		// refiner needs it to reuse them for the same prompts.
		if fast, err := o.reg.CreateChat(types.LLMModeFast, st.rc); err == nil {
			opts = append(opts, markdown.WithFastModelName(fast.Name()))
		}
	}
	if st.rc.DemoLLMMode != "" {
		opts = append(opts, markdown.WithDemoMode(st.rc.DemoLLMMode))
	}
	refiner := markdown.New(st.chatModel, store, st.req.LLMMode, opts...)

	mdCtx, cancel := context.WithTimeout(ctx, o.markdownDeadline(st.req.LLMMode))
	defer cancel()

	out, err := refiner.Refine(mdCtx, markdown.Input{
		BaseName:    st.baseName,
		Language:    st.req.Language,
		Merged:      st.corrected.Result(types.OverlapCorrectedKey).Segments,
		Tracks:      st.tracks,
		GroundTruth: st.req.GroundTruth,
	})
	if err != nil {
		st.record(5, nameMarkdown, types.StepFailed, started, nil)
		o.recordStep(ctx, 5, string(types.StepFailed), started)
		return fmt.Errorf("orchestrator: markdown refinement: %w", err)
	}

	st.refined = out
	status := types.StepCompleted
	if out.UsedFallback {
		status = types.StepCompletedWithFallback
	}
	details := map[string]any{"rows": len(out.Segments), "fallback": out.UsedFallback}
	st.record(5, nameMarkdown, status, started, details)
	st.progress(5, status, "markdown table ready", details)
	o.recordStep(ctx, 5, string(status), started)
	return nil
}

func (o *Orchestrator) markdownDeadline(mode types.LLMMode) time.Duration {
	switch {
	case mode.IsLocal():
		return markdownLocalTimeout
	case mode == types.LLMModeSmart2 || mode == types.LLMModeGemini25:
		return deepReasoningTimeout
	default:
		return markdownTimeout
	}
}

// ─── Step 6: text analysis ────────────────────────────────────────────────────

func (o *Orchestrator) stepTextAnalysis(ctx context.Context, st *runState) {
	started := time.Now()

	mode := st.req.TextAnalysisMode
	if !mode.IsValid() {
		mode = st.rc.TextAnalysisMode
	}
	st.progress(6, types.StepProcessing, "classifying word provenance", map[string]any{"mode": string(mode)})

	timeout := chatRemoteTimeout
	if st.req.LLMMode.IsLocal() {
		timeout = chatLocalTimeout
	}
	taCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	primary := st.primary.Result(string(st.req.Engine)).Segments
	st.analysis = textanalysis.New(st.chatModel, st.log).Analyze(taCtx, mode, primary, st.voiceSegs)

	status := types.StepCompleted
	if mode == types.TextAnalysisLLM && st.analysis.Mode == types.TextAnalysisScript {
		status = types.StepCompletedWithFallback
	}
	details := map[string]any{
		"green": st.analysis.Green,
		"blue":  st.analysis.Blue,
		"red":   st.analysis.Red,
	}
	st.record(6, nameTextAnalysis, status, started, details)
	st.progress(6, status, "text analysis ready", details)
}

// ─── Step 7: ground-truth scoring ─────────────────────────────────────────────

func (o *Orchestrator) stepScore(st *runState) {
	started := time.Now()
	if strings.TrimSpace(st.req.GroundTruth) == "" {
		st.record(7, nameScoring, types.StepSkipped, started, nil)
		return
	}
	st.progress(7, types.StepProcessing, "scoring against reference transcript", nil)

	words := finalWords(st.refined)
	baseline := segment.JoinText(st.primary.Result(string(st.req.Engine)).Segments)
	st.score = groundtruth.Compare(words, baseline, st.req.GroundTruth)

	details := map[string]any{"match_percent": st.score.Refined.MatchPercent}
	st.record(7, nameScoring, types.StepCompleted, started, details)
	st.progress(7, types.StepCompleted, "scoring complete", details)
}

// finalWords extracts the scored word list from the rendered table, falling
// back to the refined segments when the table cannot be re-parsed.
func finalWords(out *markdown.Output) []string {
	if tbl, err := segment.ParseTable(out.Markdown); err == nil {
		return tbl.Words()
	}
	var words []string
	for _, s := range out.Segments {
		words = append(words, segment.TokenizeWords(s.Text)...)
	}
	return words
}

// ─── Terminal transitions ─────────────────────────────────────────────────────

func (o *Orchestrator) complete(ctx context.Context, st *runState) {
	res := &Result{
		RequestID:            st.id,
		PipelineMode:         st.req.PipelineMode,
		PrimaryDiarization:   st.primary,
		CorrectedDiarization: st.corrected,
		MarkdownTable:        st.refined.Markdown,
		TextAnalysis:         st.analysis,
		GroundTruthMetrics:   st.score,
		VoiceTracks:          st.tracks,
		Steps:                st.steps,
		TotalDuration:        time.Since(st.started).Seconds(),
	}
	if st.sep != nil {
		res.Separation = &SeparationSummary{TaskID: st.sep.TaskID, Speakers: st.sep.SpeakerStems()}
	}
	sanitize(res, st.tempDir)

	if o.metrics != nil {
		o.metrics.RunDuration.Record(ctx, res.TotalDuration)
	}
	o.recordHistory(st, "completed", res)
	o.writeFlowState(st, "completed")

	st.bus <- types.ProgressEvent{
		Type:        types.EventFinalResult,
		Status:      types.StepCompleted,
		Description: "pipeline completed",
		Details:     map[string]any{"result": res},
		Timestamp:   time.Now(),
		RequestID:   st.id,
	}
}

func (o *Orchestrator) fail(ctx context.Context, st *runState, step int, name string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		// Client is gone: clean up silently, nobody is listening.
		st.log.Info("run cancelled", "step", step, "error", err)
		o.recordHistory(st, "cancelled", nil)
		return
	}
	st.log.Error("run failed", "step", step, "step_name", name, "error", err)
	o.recordHistory(st, "failed", nil)
	o.writeFlowState(st, "failed")

	st.bus <- types.ProgressEvent{
		Type:        types.EventPipelineError,
		Step:        step,
		Status:      types.StepFailed,
		Description: err.Error(),
		Details:     map[string]any{"step_name": name},
		Timestamp:   time.Now(),
		RequestID:   st.id,
	}
}

func (o *Orchestrator) recordHistory(st *runState, status string, res *Result) {
	if o.hist == nil {
		return
	}
	rec := history.RunRecord{
		RequestID:     st.id,
		BaseName:      st.baseName,
		Engine:        string(st.req.Engine),
		PipelineMode:  string(st.req.PipelineMode),
		LLMMode:       string(st.req.LLMMode),
		Status:        status,
		TotalDuration: time.Since(st.started).Seconds(),
		Steps:         map[string]any{},
	}
	for _, s := range st.steps {
		rec.Steps[s.Name] = string(s.Status)
	}
	if res != nil && res.GroundTruthMetrics != nil && res.GroundTruthMetrics.Refined != nil {
		mp := res.GroundTruthMetrics.Refined.MatchPercent
		rec.MatchPercent = &mp
	}
	hctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.hist.Record(hctx, rec); err != nil {
		st.log.Warn("run history write failed", "error", err)
	}
}

// flowState is the last-run summary some clients use to restore their view
// after a reload.
type flowState struct {
	RequestID  string `json:"request_id"`
	BaseName   string `json:"base_name"`
	LLMMode    string `json:"llm_mode"`
	Engine     string `json:"asr_engine"`
	Status     string `json:"status"`
	FinishedAt string `json:"finished_at"`
}

// writeFlowState records the terminal state of the latest run next to the
// caches. Best-effort; a failed write never affects the run outcome.
func (o *Orchestrator) writeFlowState(st *runState, status string) {
	state := flowState{
		RequestID:  st.id,
		BaseName:   st.baseName,
		LLMMode:    string(st.req.LLMMode),
		Engine:     string(st.req.Engine),
		Status:     status,
		FinishedAt: time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(o.cfg.Paths.CacheDir, "diarization_flow_state.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		st.log.Warn("flow state write failed", "error", err)
	}
}

// ─── Metric helpers ───────────────────────────────────────────────────────────

func (o *Orchestrator) recordStep(ctx context.Context, step int, status string, started time.Time) {
	if o.metrics != nil {
		o.metrics.RecordStep(ctx, step, status, time.Since(started).Seconds())
	}
}

func (o *Orchestrator) recordVendor(ctx context.Context, vendor string, err error) {
	if o.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	o.metrics.RecordVendorRequest(ctx, vendor, status)
}

func (o *Orchestrator) recordCacheLookup(ctx context.Context, name string, hit bool) {
	if o.metrics != nil {
		o.metrics.RecordCacheLookup(ctx, name, hit)
	}
}

// ─── Audio helpers ────────────────────────────────────────────────────────────

func trimExt(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// hashFile fingerprints the audio content so same-named uploads with
// different bytes get distinct separation cache entries. Unreadable files
// yield an empty hash and a coarser key.
func hashFile(path string) string {
	if path == "" {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}

// downloadAudio fetches url into dir and returns the local path.
func downloadAudio(ctx context.Context, url, dir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}

	name := filepath.Base(strings.TrimRight(url, "/"))
	if name == "" || name == "." || name == "/" {
		name = "audio"
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return path, nil
}
