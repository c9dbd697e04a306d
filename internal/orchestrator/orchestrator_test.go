package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mykolastupakov-spsoft/crosstalk/internal/cache"
	"github.com/mykolastupakov-spsoft/crosstalk/internal/config"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/provider/asr"
	asrmock "github.com/mykolastupakov-spsoft/crosstalk/pkg/provider/asr/mock"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/provider/chat"
	chatmock "github.com/mykolastupakov-spsoft/crosstalk/pkg/provider/chat/mock"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/provider/separation"
	sepmock "github.com/mykolastupakov-spsoft/crosstalk/pkg/provider/separation/mock"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/types"
)

const sampleTable = `| Segment ID | Speaker | Text | Start Time | End Time |
|---|---|---|---|---|
| 1 | Agent | Hello how can I help you | 0.00 | 2.00 |
| 2 | Client | I need to reset my password | 2.50 | 5.00 |`

func primaryDiarization() *types.Diarization {
	return &types.Diarization{
		Recording: types.Recording{
			Name:         "call",
			SpeakerCount: 2,
			Results: map[string]types.ServiceResult{
				string(types.EngineSpeechmaticsBatch): {
					Segments: []types.Segment{
						{Speaker: "SPEAKER_00", Text: "hello how can i help you", Start: 0, End: 2},
						{Speaker: "SPEAKER_01", Text: "i need to reset my password", Start: 2.5, End: 5},
					},
					SpeakerCount: 2,
				},
			},
		},
		ServicesTested: []string{string(types.EngineSpeechmaticsBatch)},
	}
}

func stemDiarization(text string, start, end float64) *types.Diarization {
	return &types.Diarization{
		Recording: types.Recording{
			Results: map[string]types.ServiceResult{
				string(types.EngineSpeechmaticsBatch): {
					Segments:     []types.Segment{{Speaker: "S0", Text: text, Start: start, End: end}},
					SpeakerCount: 1,
				},
			},
		},
	}
}

// scriptedASR answers mix requests with the primary diarization and channel
// requests with the matching stem transcript.
func scriptedASR() *asrmock.Transcriber {
	return &asrmock.Transcriber{
		TranscribeFunc: func(_ context.Context, req asr.Request) (*types.Diarization, error) {
			if req.Mode == types.DiarizeMix {
				return primaryDiarization(), nil
			}
			if strings.HasSuffix(req.BaseName, "SPEAKER_00") {
				return stemDiarization("hello how can i help you", 0, 2), nil
			}
			return stemDiarization("i need to reset my password", 2.5, 5), nil
		},
	}
}

type fixture struct {
	orch *Orchestrator
	asr  *asrmock.Transcriber
	sep  *sepmock.Separator
	chat *chatmock.Model
	req  types.Request
	dir  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	audioPath := filepath.Join(dir, "call.wav")
	if err := os.WriteFile(audioPath, []byte("RIFF-fake-audio"), 0o644); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	stem0 := filepath.Join(dir, "stem_00.wav")
	stem1 := filepath.Join(dir, "stem_01.wav")
	for _, p := range []string{stem0, stem1} {
		if err := os.WriteFile(p, []byte("stem"), 0o644); err != nil {
			t.Fatalf("write stem: %v", err)
		}
	}

	f := &fixture{
		asr: scriptedASR(),
		sep: &sepmock.Separator{
			Result: &types.SeparationResult{
				TaskID: "task-1",
				Stems: []types.Stem{
					{Name: "SPEAKER_00", AudioRef: stem0, Format: "wav"},
					{Name: "SPEAKER_01", AudioRef: stem1, Format: "wav"},
				},
			},
		},
		chat: &chatmock.Model{
			Responses: []string{
				`{"role": "operator", "confidence": 0.92, "summary": "Handles the call."}`,
				`{"role": "client", "confidence": 0.88, "summary": "Asks for help."}`,
				sampleTable,
			},
		},
		dir: dir,
	}

	reg := config.NewRegistry()
	reg.RegisterASR(types.EngineSpeechmaticsBatch, func(config.RunConfig) (asr.Transcriber, error) {
		return f.asr, nil
	})
	reg.RegisterSeparator(types.PipelinePyAnnote, func(config.RunConfig) (separation.Separator, error) {
		return f.sep, nil
	})
	reg.RegisterChat(types.LLMModeFast, func(config.RunConfig) (chat.Model, error) {
		return f.chat, nil
	})

	caches := Caches{
		Diarization: newStore(t, filepath.Join(dir, "cache", "diarization_results")),
		Separation:  newStore(t, filepath.Join(dir, "cache", "separation")),
		LLM:         newStore(t, filepath.Join(dir, "cache", "llm_responses")),
		Roles:       newStore(t, filepath.Join(dir, "cache", "role_analysis")),
	}

	cfg := config.Config{
		Paths: config.PathsConfig{
			CacheDir:   filepath.Join(dir, "cache"),
			UploadsDir: filepath.Join(dir, "uploads"),
			TempDir:    filepath.Join(dir, "temp_uploads"),
		},
		Pipeline: config.PipelineConfig{
			MaxConcurrentRuns: 1,
			StemFanOut:        1,
			RunTimeout:        time.Minute,
		},
	}

	f.orch = New(cfg, reg, caches, WithSnapshot(testSnapshot))
	f.req = types.Request{
		AudioPath:        audioPath,
		Language:         "en",
		LLMMode:          types.LLMModeFast,
		PipelineMode:     types.PipelinePyAnnote,
		Engine:           types.EngineSpeechmaticsBatch,
		TextAnalysisMode: types.TextAnalysisScript,
	}
	return f
}

func testSnapshot() config.RunConfig {
	return config.RunConfig{
		SpeechmaticsAPIKey:     "key",
		HuggingFaceToken:       "token",
		OpenRouterAPIKey:       "key",
		FastModelID:            "vendor/fast-model",
		LLMCacheEnabled:        true,
		SeparationCacheEnabled: true,
		TextAnalysisMode:       types.TextAnalysisScript,
	}
}

func newStore(t *testing.T, dir string) *cache.Store {
	t.Helper()
	s, err := cache.NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore(%s): %v", dir, err)
	}
	return s
}

// drain collects every event until the stream closes.
func drain(t *testing.T, events <-chan types.ProgressEvent) []types.ProgressEvent {
	t.Helper()
	var out []types.ProgressEvent
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("event stream did not close; got %d events", len(out))
		}
	}
}

func finalResult(t *testing.T, events []types.ProgressEvent) *Result {
	t.Helper()
	for _, ev := range events {
		if ev.Type == types.EventFinalResult {
			res, ok := ev.Details["result"].(*Result)
			if !ok {
				t.Fatalf("final event result type = %T", ev.Details["result"])
			}
			return res
		}
	}
	t.Fatal("no final-result event")
	return nil
}

func TestRunCompletes(t *testing.T) {
	f := newFixture(t)
	events := drain(t, f.orch.Execute(context.Background(), f.req))

	if events[0].Type != types.EventHeartbeat {
		t.Errorf("first event = %q, want initial heartbeat", events[0].Type)
	}
	res := finalResult(t, events)

	if res.RequestID == "" {
		t.Error("request id not set")
	}
	if res.PipelineMode != types.PipelinePyAnnote {
		t.Errorf("pipeline mode = %q", res.PipelineMode)
	}
	if res.MarkdownTable == "" {
		t.Error("markdown table empty")
	}
	if strings.Contains(res.MarkdownTable, "SPEAKER_") {
		t.Errorf("speaker labels leaked into markdown:\n%s", res.MarkdownTable)
	}
	if res.GroundTruthMetrics != nil {
		t.Error("ground truth metrics should be null without a reference")
	}
	if res.Separation == nil || len(res.Separation.Speakers) != 2 {
		t.Fatalf("separation summary = %+v", res.Separation)
	}
	if len(res.VoiceTracks) != 2 {
		t.Fatalf("voice tracks = %d, want 2", len(res.VoiceTracks))
	}
	if got := res.VoiceTracks[0].RoleAnalysis.Role; got != types.RoleAgent {
		t.Errorf("track 0 role = %q, want Agent", got)
	}
	if got := res.VoiceTracks[1].RoleAnalysis.Role; got != types.RoleClient {
		t.Errorf("track 1 role = %q, want Client", got)
	}
	corrected := res.CorrectedDiarization.Result(types.OverlapCorrectedKey)
	if len(corrected.Segments) != 2 {
		t.Fatalf("corrected segments = %d, want 2", len(corrected.Segments))
	}
}

func TestRunEmitsSingleTerminalEventLast(t *testing.T) {
	f := newFixture(t)
	events := drain(t, f.orch.Execute(context.Background(), f.req))

	terminals := 0
	lastTerminal := -1
	for i, ev := range events {
		if ev.IsTerminal() {
			terminals++
			lastTerminal = i
		}
	}
	if terminals != 1 {
		t.Fatalf("terminal events = %d, want 1", terminals)
	}
	if lastTerminal != len(events)-1 {
		t.Errorf("terminal at index %d of %d; events leaked past it", lastTerminal, len(events))
	}
}

func TestPrimaryFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	f.asr.TranscribeFunc = nil
	f.asr.Err = errors.New("speechmatics: job rejected")

	events := drain(t, f.orch.Execute(context.Background(), f.req))

	var terminal types.ProgressEvent
	for _, ev := range events {
		if ev.IsTerminal() {
			terminal = ev
		}
	}
	if terminal.Type != types.EventPipelineError {
		t.Fatalf("terminal type = %q, want pipeline-error", terminal.Type)
	}
	if terminal.Step != 1 {
		t.Errorf("failed step = %d, want 1", terminal.Step)
	}
	if !strings.Contains(terminal.Description, "job rejected") {
		t.Errorf("error description = %q", terminal.Description)
	}
}

func TestSeparationFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	f.sep.Result = nil
	f.sep.Err = separation.ErrHTTPSRequired

	events := drain(t, f.orch.Execute(context.Background(), f.req))

	var terminal types.ProgressEvent
	for _, ev := range events {
		if ev.IsTerminal() {
			terminal = ev
		}
	}
	if terminal.Type != types.EventPipelineError {
		t.Fatalf("terminal type = %q, want pipeline-error", terminal.Type)
	}
	if terminal.Step != 2 {
		t.Errorf("failed step = %d, want 2", terminal.Step)
	}
	if !strings.Contains(terminal.Description, "HTTPS") {
		t.Errorf("error description = %q", terminal.Description)
	}
}

func TestWarmCacheSkipsVendorCalls(t *testing.T) {
	f := newFixture(t)
	drain(t, f.orch.Execute(context.Background(), f.req))

	asrCalls := len(f.asr.Requests())
	sepCalls := len(f.sep.Requests())
	chatCalls := f.chat.CallCount()
	if asrCalls != 3 {
		t.Fatalf("cold run asr calls = %d, want 3", asrCalls)
	}

	events := drain(t, f.orch.Execute(context.Background(), f.req))
	finalResult(t, events)

	if got := len(f.asr.Requests()); got != asrCalls {
		t.Errorf("warm run made %d extra asr calls", got-asrCalls)
	}
	if got := len(f.sep.Requests()); got != sepCalls {
		t.Errorf("warm run made %d extra separation calls", got-sepCalls)
	}
	if got := f.chat.CallCount(); got != chatCalls {
		t.Errorf("warm run made %d extra chat calls", got-chatCalls)
	}
}

func TestGroundTruthScored(t *testing.T) {
	f := newFixture(t)
	f.req.GroundTruth = "Speaker1: hello how can i help you\nSpeaker2: i need to reset my password"

	events := drain(t, f.orch.Execute(context.Background(), f.req))
	res := finalResult(t, events)

	if res.GroundTruthMetrics == nil || res.GroundTruthMetrics.Refined == nil {
		t.Fatal("ground truth metrics missing")
	}
	if res.GroundTruthMetrics.Refined.MatchPercent < 90 {
		t.Errorf("match percent = %.1f, want near 100", res.GroundTruthMetrics.Refined.MatchPercent)
	}
	for _, s := range res.Steps {
		if s.Name == nameScoring && s.Status != types.StepCompleted {
			t.Errorf("scoring step status = %q", s.Status)
		}
	}
}

func TestTempFilesDoNotSurviveRun(t *testing.T) {
	f := newFixture(t)
	drain(t, f.orch.Execute(context.Background(), f.req))

	tempRoot := filepath.Join(f.dir, "temp_uploads")
	entries, err := os.ReadDir(tempRoot)
	if err != nil {
		t.Fatalf("read temp root: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("temp root still holds %d entries after the run", len(entries))
	}
}

func TestMissingCredentialsFailFast(t *testing.T) {
	f := newFixture(t)
	f.orch.snapshot = func() config.RunConfig {
		rc := testSnapshot()
		rc.SpeechmaticsAPIKey = ""
		return rc
	}

	events := drain(t, f.orch.Execute(context.Background(), f.req))

	var terminal types.ProgressEvent
	for _, ev := range events {
		if ev.IsTerminal() {
			terminal = ev
		}
	}
	if terminal.Type != types.EventPipelineError {
		t.Fatalf("terminal type = %q, want pipeline-error", terminal.Type)
	}
	if terminal.Step != 0 {
		t.Errorf("failed step = %d, want 0 (pipeline entry)", terminal.Step)
	}
	if !strings.Contains(terminal.Description, "SPEECHMATICS_API_KEY") {
		t.Errorf("error description = %q", terminal.Description)
	}
	if len(f.asr.Requests()) != 0 {
		t.Error("vendor called despite missing credentials")
	}
}

func TestURLSourceTranscribedBeforeSeparationGate(t *testing.T) {
	f := newFixture(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("RIFF-fake-audio"))
	}))
	defer srv.Close()

	// An http:// source passes primary ASR (which works on the downloaded
	// file) and must only be rejected by the URL-based separation back-end.
	shake := &sepmock.Separator{
		PipelineMode: types.PipelineAudioShake,
		SeparateFunc: func(_ context.Context, req separation.Request) (*types.SeparationResult, error) {
			if !strings.HasPrefix(req.AudioURL, "https://") {
				return nil, fmt.Errorf("%w (got %q)", separation.ErrHTTPSRequired, req.AudioURL)
			}
			return nil, errors.New("test source should not have been https")
		},
	}
	f.orch.reg.RegisterSeparator(types.PipelineAudioShake, func(config.RunConfig) (separation.Separator, error) {
		return shake, nil
	})
	f.orch.snapshot = func() config.RunConfig {
		rc := testSnapshot()
		rc.AudioShakeAPIKey = "key"
		return rc
	}
	f.req.AudioPath = ""
	f.req.AudioURL = srv.URL + "/call.wav"
	f.req.PipelineMode = types.PipelineAudioShake

	events := drain(t, f.orch.Execute(context.Background(), f.req))

	var terminal types.ProgressEvent
	step1Completed := false
	for _, ev := range events {
		if ev.Step == 1 && ev.Status == types.StepCompleted {
			step1Completed = true
		}
		if ev.IsTerminal() {
			terminal = ev
		}
	}
	if !step1Completed {
		t.Error("primary diarization did not complete before the separation gate")
	}
	if terminal.Type != types.EventPipelineError || terminal.Step != 2 {
		t.Fatalf("terminal = %q at step %d, want pipeline-error at step 2", terminal.Type, terminal.Step)
	}
	if !strings.Contains(terminal.Description, "HTTPS") {
		t.Errorf("error description = %q, want the HTTPS requirement", terminal.Description)
	}

	reqs := f.asr.Requests()
	if len(reqs) == 0 {
		t.Fatal("primary transcription never ran")
	}
	if reqs[0].AudioPath == "" {
		t.Error("primary transcription got no local file for a url source")
	}
}

func TestCachedVendorStemLinksRefreshed(t *testing.T) {
	f := newFixture(t)
	f.sep.Result = nil
	f.sep.Err = errors.New("separation must be served from cache")
	f.sep.RefreshFunc = func(_ context.Context, taskID string) ([]types.Stem, error) {
		if taskID != "task-9" {
			return nil, fmt.Errorf("unexpected task id %q", taskID)
		}
		return []types.Stem{
			{Name: "SPEAKER_00", AudioRef: "https://vendor.example/fresh/stem0.wav", Format: "wav"},
			{Name: "SPEAKER_01", AudioRef: "https://vendor.example/fresh/stem1.wav", Format: "wav"},
		}, nil
	}

	key := cache.SeparationKey("call", f.req.PipelineMode, hashFile(f.req.AudioPath))
	stale := types.SeparationResult{
		TaskID: "task-9",
		Stems: []types.Stem{
			{Name: "SPEAKER_00", AudioRef: "https://vendor.example/expired/stem0.wav", Format: "wav"},
			{Name: "SPEAKER_01", AudioRef: "https://vendor.example/expired/stem1.wav", Format: "wav"},
		},
	}
	if err := f.orch.caches.Separation.Put(key, stale); err != nil {
		t.Fatalf("seed separation cache: %v", err)
	}

	events := drain(t, f.orch.Execute(context.Background(), f.req))
	res := finalResult(t, events)

	if got := len(f.sep.Requests()); got != 0 {
		t.Errorf("separation calls = %d, want the cached job reused", got)
	}
	if got := f.sep.RefreshCalls(); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
	for _, s := range res.Separation.Speakers {
		if strings.Contains(s.AudioRef, "expired") {
			t.Errorf("stale stem link survived the cache read: %s", s.AudioRef)
		}
	}
}

func TestStaleVendorStemsReseparatedWhenRefreshFails(t *testing.T) {
	f := newFixture(t)

	key := cache.SeparationKey("call", f.req.PipelineMode, hashFile(f.req.AudioPath))
	stale := types.SeparationResult{
		TaskID: "task-9",
		Stems: []types.Stem{
			{Name: "SPEAKER_00", AudioRef: "https://vendor.example/expired/stem0.wav", Format: "wav"},
		},
	}
	if err := f.orch.caches.Separation.Put(key, stale); err != nil {
		t.Fatalf("seed separation cache: %v", err)
	}

	// RefreshFunc unset: the mock cannot refresh, so the cached entry must
	// not be trusted and the job runs again.
	events := drain(t, f.orch.Execute(context.Background(), f.req))
	res := finalResult(t, events)

	if got := len(f.sep.Requests()); got != 1 {
		t.Errorf("separation calls = %d, want a fresh job after failed refresh", got)
	}
	if res.Separation == nil || len(res.Separation.Speakers) != 2 {
		t.Fatalf("separation summary = %+v", res.Separation)
	}
}

func TestSmartModeFailsOverToFastModel(t *testing.T) {
	f := newFixture(t)
	smart := &chatmock.Model{ModelName: "openai:o3", Err: errors.New("upstream overloaded")}
	f.orch.reg.RegisterChat(types.LLMModeSmart, func(config.RunConfig) (chat.Model, error) {
		return smart, nil
	})
	f.orch.snapshot = func() config.RunConfig {
		rc := testSnapshot()
		rc.SmartModelID = "vendor/smart-model"
		return rc
	}
	f.req.LLMMode = types.LLMModeSmart

	events := drain(t, f.orch.Execute(context.Background(), f.req))
	res := finalResult(t, events)

	if smart.CallCount() == 0 {
		t.Error("smart model never tried")
	}
	if f.chat.CallCount() == 0 {
		t.Error("fast model never served as backup")
	}
	if res.MarkdownTable == "" || !strings.Contains(res.MarkdownTable, "I need to reset my password") {
		t.Errorf("markdown table missing refined content:\n%s", res.MarkdownTable)
	}
	// LLM-provided verdicts, not the 0.5 heuristic, prove the backup handled
	// role classification too.
	if got := res.VoiceTracks[0].RoleAnalysis.Confidence; got != 0.92 {
		t.Errorf("track 0 confidence = %v, want the backup model's verdict", got)
	}
}

func TestRoleFailureFallsBackToHeuristic(t *testing.T) {
	f := newFixture(t)
	f.chat.Responses = nil
	f.chat.CompleteFunc = func(_ context.Context, req chat.Request) (string, error) {
		if strings.Contains(req.User, "| Segment ID |") || strings.Contains(req.System, "table") {
			return sampleTable, nil
		}
		return "", errors.New("model overloaded")
	}

	events := drain(t, f.orch.Execute(context.Background(), f.req))
	res := finalResult(t, events)

	for i, track := range res.VoiceTracks {
		if track.RoleAnalysis == nil {
			t.Fatalf("track %d has no heuristic role", i)
		}
		if track.RoleError == "" {
			t.Errorf("track %d should record the classification failure", i)
		}
		if track.RoleAnalysis.Confidence != 0.5 {
			t.Errorf("track %d confidence = %v, want heuristic 0.5", i, track.RoleAnalysis.Confidence)
		}
	}
}
