// Package speechmatics implements asr.Transcriber against the Speechmatics
// batch jobs API (v2): submit media, poll the job, fetch the json-v2
// transcript, and fold the word stream into diarized segments.
package speechmatics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mykolastupakov-spsoft/crosstalk/internal/resilience"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/provider/asr"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/segment"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/types"
)

const defaultEndpoint = "https://asr.api.speechmatics.com/v2"

// segmentGap is the silence length at which consecutive same-speaker words
// start a new segment.
const segmentGap = 2.0

// Transcriber implements asr.Transcriber for the Speechmatics batch API.
type Transcriber struct {
	apiKey       string
	endpoint     string
	httpClient   *http.Client
	pollInterval time.Duration
	pollBudget   int
	retry        resilience.RetryPolicy
}

var _ asr.Transcriber = (*Transcriber)(nil)

// Option is a functional option for [New].
type Option func(*Transcriber)

// WithEndpoint overrides the API base URL. Tests point it at a local server.
func WithEndpoint(url string) Option {
	return func(t *Transcriber) { t.endpoint = strings.TrimRight(url, "/") }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transcriber) { t.httpClient = c }
}

// WithPollInterval sets the delay between job status polls. Default: 5s.
func WithPollInterval(d time.Duration) Option {
	return func(t *Transcriber) { t.pollInterval = d }
}

// WithPollBudget caps the number of status polls. Default: 240 (20 minutes at
// the default interval).
func WithPollBudget(n int) Option {
	return func(t *Transcriber) { t.pollBudget = n }
}

// New creates a Transcriber. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Transcriber, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("speechmatics: apiKey must not be empty")
	}
	t := &Transcriber{
		apiKey:       apiKey,
		endpoint:     defaultEndpoint,
		httpClient:   &http.Client{Timeout: 2 * time.Minute},
		pollInterval: 5 * time.Second,
		pollBudget:   240,
		retry:        resilience.DefaultRetryPolicy(),
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Engine implements asr.Transcriber.
func (t *Transcriber) Engine() types.ASREngine { return types.EngineSpeechmaticsBatch }

// Transcribe implements asr.Transcriber.
func (t *Transcriber) Transcribe(ctx context.Context, req asr.Request) (*types.Diarization, error) {
	if req.AudioPath == "" {
		return nil, fmt.Errorf("speechmatics: request needs a local audio path")
	}
	sink := req.Progress
	if sink == nil {
		sink = types.NopSink{}
	}

	var jobID string
	err := t.retry.Do(ctx, "speechmatics submit", func(ctx context.Context) error {
		var err error
		jobID, err = t.submitJob(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	sink.Progress("transcription job submitted", map[string]any{"jobId": jobID})

	if err := t.awaitJob(ctx, jobID, sink); err != nil {
		return nil, err
	}

	var raw transcriptResponse
	err = t.retry.Do(ctx, "speechmatics fetch transcript", func(ctx context.Context) error {
		return t.fetchTranscript(ctx, jobID, &raw)
	})
	if err != nil {
		return nil, err
	}

	segs := foldWords(raw)
	sink.Progress("segments normalized", map[string]any{"segments": len(segs)})

	d := &types.Diarization{
		Recording: types.Recording{
			ID:           jobID,
			Name:         req.BaseName,
			Language:     req.Language,
			SpeakerCount: countSpeakers(segs),
			Results: map[string]types.ServiceResult{
				string(types.EngineSpeechmaticsBatch): {
					Segments:     segs,
					SpeakerCount: countSpeakers(segs),
				},
			},
		},
		ServicesTested: []string{string(types.EngineSpeechmaticsBatch)},
	}
	if n := len(segs); n > 0 {
		d.Recording.Duration = segs[n-1].End
	}
	return d, nil
}

// ─── Wire format ──────────────────────────────────────────────────────────────

type jobConfig struct {
	Type                string              `json:"type"`
	TranscriptionConfig transcriptionConfig `json:"transcription_config"`
}

type transcriptionConfig struct {
	Language       string              `json:"language"`
	Diarization    string              `json:"diarization"`
	SpeakerConfig  *speakerDiarization `json:"speaker_diarization_config,omitempty"`
	OperatingPoint string              `json:"operating_point,omitempty"`
}

type speakerDiarization struct {
	MaxSpeakers int `json:"max_speakers"`
}

type jobStatusResponse struct {
	Job struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors,omitempty"`
	} `json:"job"`
}

type transcriptResponse struct {
	Results []transcriptItem `json:"results"`
}

type transcriptItem struct {
	Type         string  `json:"type"`
	StartTime    float64 `json:"start_time"`
	EndTime      float64 `json:"end_time"`
	Alternatives []struct {
		Content    string  `json:"content"`
		Speaker    string  `json:"speaker"`
		Confidence float64 `json:"confidence"`
	} `json:"alternatives"`
}

// ─── HTTP plumbing ────────────────────────────────────────────────────────────

func (t *Transcriber) submitJob(ctx context.Context, req asr.Request) (string, error) {
	cfg := jobConfig{
		Type: "transcription",
		TranscriptionConfig: transcriptionConfig{
			Language:       req.Language,
			Diarization:    diarizationValue(req.Mode),
			OperatingPoint: "enhanced",
		},
	}
	if req.SpeakerHint > 0 && req.Mode == types.DiarizeMix {
		cfg.TranscriptionConfig.SpeakerConfig = &speakerDiarization{MaxSpeakers: req.SpeakerHint}
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("speechmatics: encode config: %w", err)
	}

	audio, err := os.Open(req.AudioPath)
	if err != nil {
		return "", resilience.Permanent(fmt.Errorf("speechmatics: open audio: %w", err))
	}
	defer audio.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("config", string(cfgJSON)); err != nil {
		return "", fmt.Errorf("speechmatics: write config field: %w", err)
	}
	fw, err := mw.CreateFormFile("data_file", filepath.Base(req.AudioPath))
	if err != nil {
		return "", fmt.Errorf("speechmatics: create form file: %w", err)
	}
	if _, err := io.Copy(fw, audio); err != nil {
		return "", fmt.Errorf("speechmatics: copy audio: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("speechmatics: finalize form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint+"/jobs", &body)
	if err != nil {
		return "", fmt.Errorf("speechmatics: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("speechmatics: submit: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return "", err
	}

	// Job creation returns a flat {"id": ...}; status polls nest it under
	// "job". Accept both.
	var created struct {
		ID  string `json:"id"`
		Job struct {
			ID string `json:"id"`
		} `json:"job"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("speechmatics: decode job response: %w", err)
	}
	if created.ID == "" {
		created.ID = created.Job.ID
	}
	if created.ID == "" {
		return "", fmt.Errorf("speechmatics: job id missing in response")
	}
	return created.ID, nil
}

func (t *Transcriber) awaitJob(ctx context.Context, jobID string, sink types.ProgressSink) error {
	for attempt := 1; attempt <= t.pollBudget; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("speechmatics: await job: %w", ctx.Err())
		case <-time.After(t.pollInterval):
		}

		var status jobStatusResponse
		err := t.retry.Do(ctx, "speechmatics poll", func(ctx context.Context) error {
			return t.getJSON(ctx, t.endpoint+"/jobs/"+jobID, &status)
		})
		if err != nil {
			return err
		}
		sink.Progress("transcription job polling", map[string]any{
			"attempt": attempt, "of": t.pollBudget, "status": status.Job.Status,
		})

		switch status.Job.Status {
		case "done":
			return nil
		case "rejected", "deleted", "expired":
			msg := status.Job.Status
			if len(status.Job.Errors) > 0 {
				msg += ": " + status.Job.Errors[0].Message
			}
			return fmt.Errorf("speechmatics: job %s %s", jobID, msg)
		}
	}
	return fmt.Errorf("speechmatics: job %s not finished after %d polls", jobID, t.pollBudget)
}

func (t *Transcriber) fetchTranscript(ctx context.Context, jobID string, out *transcriptResponse) error {
	return t.getJSON(ctx, t.endpoint+"/jobs/"+jobID+"/transcript?format=json-v2", out)
}

func (t *Transcriber) getJSON(ctx context.Context, url string, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("speechmatics: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("speechmatics: get %s: %w", url, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("speechmatics: decode response: %w", err)
	}
	return nil
}

// checkStatus classifies HTTP errors: 5xx and 429 stay retryable, other 4xx
// are permanent (bad key, insufficient credits, malformed media).
func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("speechmatics: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return err
	}
	return resilience.Permanent(err)
}

// ─── Transcript folding ───────────────────────────────────────────────────────

// diarizationValue maps the adapter-level mode onto the vendor field.
func diarizationValue(mode types.DiarizationMode) string {
	if mode == types.DiarizeChannel {
		return "channel"
	}
	return "speaker"
}

// foldWords groups the flat word stream into segments: a new segment starts
// on a speaker change or a silence longer than segmentGap.
func foldWords(raw transcriptResponse) []types.Segment {
	var (
		segs    []types.Segment
		current *types.Segment
		parts   []string
	)
	flush := func() {
		if current == nil {
			return
		}
		current.Text = strings.Join(parts, " ")
		segs = append(segs, segment.Sanitize(*current, len(segs)))
		current = nil
		parts = nil
	}

	for _, item := range raw.Results {
		if len(item.Alternatives) == 0 {
			continue
		}
		alt := item.Alternatives[0]
		if item.Type == "punctuation" {
			// Attach punctuation to the previous word without a space.
			if len(parts) > 0 {
				parts[len(parts)-1] += alt.Content
			}
			continue
		}
		if item.Type != "word" {
			continue
		}

		speaker := segment.NormalizeSpeaker(alt.Speaker, 0)
		if current == nil || current.Speaker != speaker || item.StartTime-current.End > segmentGap {
			flush()
			current = &types.Segment{
				Speaker: speaker,
				Start:   item.StartTime,
				Source:  types.SourcePrimary,
			}
		}
		current.End = item.EndTime
		current.Words = append(current.Words, types.Word{
			Text:       alt.Content,
			Start:      item.StartTime,
			End:        item.EndTime,
			Speaker:    speaker,
			Confidence: alt.Confidence,
		})
		parts = append(parts, alt.Content)
	}
	flush()
	return segs
}

func countSpeakers(segs []types.Segment) int {
	seen := map[string]bool{}
	for _, s := range segs {
		seen[s.Speaker] = true
	}
	return len(seen)
}
