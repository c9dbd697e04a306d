package azure

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mykolastupakov-spsoft/crosstalk/internal/resilience"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/provider/asr"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/segment"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/types"
)

// Batch implements asr.Transcriber using the Azure Speech batch transcription
// REST API. Azure fetches the audio itself, so requests must carry a
// publicly reachable AudioURL.
type Batch struct {
	key      string
	endpoint string
	cfg      *config
}

var _ asr.Transcriber = (*Batch)(nil)

// NewBatch creates a batch transcriber for the given subscription key and
// region (e.g. "westeurope").
func NewBatch(key, region string, opts ...Option) (*Batch, error) {
	if err := validateCreds(key, region); err != nil {
		return nil, err
	}
	return &Batch{
		key:      key,
		endpoint: fmt.Sprintf("https://%s.api.cognitive.microsoft.com/speechtotext/v3.2", region),
		cfg:      newConfig(opts),
	}, nil
}

// Engine implements asr.Transcriber.
func (b *Batch) Engine() types.ASREngine { return types.EngineAzureBatch }

// Transcribe implements asr.Transcriber.
func (b *Batch) Transcribe(ctx context.Context, req asr.Request) (*types.Diarization, error) {
	if req.AudioURL == "" {
		return nil, fmt.Errorf("azure batch: request needs a publicly reachable audio URL")
	}
	sink := req.Progress
	if sink == nil {
		sink = types.NopSink{}
	}

	var jobURL string
	err := defaultRetry.Do(ctx, "azure batch submit", func(ctx context.Context) error {
		var err error
		jobURL, err = b.createTranscription(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	sink.Progress("transcription job submitted", map[string]any{"job": jobURL})

	if err := b.awaitTranscription(ctx, jobURL, sink); err != nil {
		return nil, err
	}

	phrases, err := b.fetchResult(ctx, jobURL)
	if err != nil {
		return nil, err
	}
	segs := phrasesToSegments(phrases, req.Mode)
	sink.Progress("segments normalized", map[string]any{"segments": len(segs)})

	return buildDiarization(types.EngineAzureBatch, jobURL, req.BaseName, req.Language, segs), nil
}

// ─── Wire format ──────────────────────────────────────────────────────────────

type transcriptionRequest struct {
	ContentURLs []string       `json:"contentUrls"`
	Locale      string         `json:"locale"`
	DisplayName string         `json:"displayName"`
	Properties  map[string]any `json:"properties"`
}

type transcriptionStatus struct {
	Self       string `json:"self"`
	Status     string `json:"status"`
	Properties struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"properties"`
}

type fileList struct {
	Values []struct {
		Kind  string `json:"kind"`
		Links struct {
			ContentURL string `json:"contentUrl"`
		} `json:"links"`
	} `json:"values"`
}

type recognizedPhrase struct {
	Speaker         int   `json:"speaker"`
	Channel         int   `json:"channel"`
	OffsetInTicks   int64 `json:"offsetInTicks"`
	DurationInTicks int64 `json:"durationInTicks"`
	NBest           []struct {
		Display string `json:"display"`
		Words   []struct {
			Word            string  `json:"word"`
			OffsetInTicks   int64   `json:"offsetInTicks"`
			DurationInTicks int64   `json:"durationInTicks"`
			Confidence      float64 `json:"confidence"`
		} `json:"words"`
	} `json:"nBest"`
}

type transcriptionResult struct {
	RecognizedPhrases []recognizedPhrase `json:"recognizedPhrases"`
}

// ─── HTTP plumbing ────────────────────────────────────────────────────────────

func (b *Batch) createTranscription(ctx context.Context, req asr.Request) (string, error) {
	props := map[string]any{
		"wordLevelTimestampsEnabled": true,
		"punctuationMode":            "DictatedAndAutomatic",
		"profanityFilterMode":        "None",
	}
	if req.Mode == types.DiarizeChannel {
		props["diarizationEnabled"] = false
	} else {
		props["diarizationEnabled"] = true
		maxSpeakers := req.SpeakerHint
		if maxSpeakers <= 0 {
			maxSpeakers = 10
		}
		props["diarization"] = map[string]any{
			"speakers": map[string]any{"minCount": 1, "maxCount": maxSpeakers},
		}
	}

	payload, err := json.Marshal(transcriptionRequest{
		ContentURLs: []string{req.AudioURL},
		Locale:      azureLocale(req.Language),
		DisplayName: req.BaseName,
		Properties:  props,
	})
	if err != nil {
		return "", fmt.Errorf("azure batch: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+"/transcriptions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("azure batch: build request: %w", err)
	}
	httpReq.Header.Set("Ocp-Apim-Subscription-Key", b.key)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.cfg.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("azure batch: submit: %w", err)
	}
	defer resp.Body.Close()
	if err := checkAzureStatus(resp); err != nil {
		return "", err
	}

	var status transcriptionStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return "", fmt.Errorf("azure batch: decode create response: %w", err)
	}
	if status.Self == "" {
		return "", fmt.Errorf("azure batch: self link missing in create response")
	}
	return status.Self, nil
}

func (b *Batch) awaitTranscription(ctx context.Context, jobURL string, sink types.ProgressSink) error {
	for attempt := 1; attempt <= b.cfg.pollBudget; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("azure batch: await job: %w", ctx.Err())
		case <-time.After(b.cfg.pollInterval):
		}

		var status transcriptionStatus
		err := defaultRetry.Do(ctx, "azure batch poll", func(ctx context.Context) error {
			return b.getJSON(ctx, jobURL, &status)
		})
		if err != nil {
			return err
		}
		sink.Progress("transcription job polling", map[string]any{
			"attempt": attempt, "of": b.cfg.pollBudget, "status": status.Status,
		})

		switch status.Status {
		case "Succeeded":
			return nil
		case "Failed":
			return fmt.Errorf("azure batch: job failed: %s", status.Properties.Error.Message)
		}
	}
	return fmt.Errorf("azure batch: job not finished after %d polls", b.cfg.pollBudget)
}

func (b *Batch) fetchResult(ctx context.Context, jobURL string) ([]recognizedPhrase, error) {
	var files fileList
	err := defaultRetry.Do(ctx, "azure batch list files", func(ctx context.Context) error {
		return b.getJSON(ctx, jobURL+"/files", &files)
	})
	if err != nil {
		return nil, err
	}
	for _, f := range files.Values {
		if f.Kind != "Transcription" {
			continue
		}
		var result transcriptionResult
		err := defaultRetry.Do(ctx, "azure batch fetch result", func(ctx context.Context) error {
			return b.getJSON(ctx, f.Links.ContentURL, &result)
		})
		if err != nil {
			return nil, err
		}
		return result.RecognizedPhrases, nil
	}
	return nil, fmt.Errorf("azure batch: no transcription file in job output")
}

func (b *Batch) getJSON(ctx context.Context, url string, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("azure batch: build request: %w", err)
	}
	httpReq.Header.Set("Ocp-Apim-Subscription-Key", b.key)

	resp, err := b.cfg.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("azure batch: get %s: %w", url, err)
	}
	defer resp.Body.Close()
	if err := checkAzureStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("azure batch: decode response: %w", err)
	}
	return nil
}

func checkAzureStatus(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("azure batch: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return err
	}
	return resilience.Permanent(err)
}

// azureLocale widens a bare language code to the locale form Azure expects.
func azureLocale(language string) string {
	switch strings.ToLower(language) {
	case "", "auto", "en":
		return "en-US"
	case "uk":
		return "uk-UA"
	case "ru":
		return "ru-RU"
	case "de":
		return "de-DE"
	case "es":
		return "es-ES"
	case "fr":
		return "fr-FR"
	}
	if strings.Contains(language, "-") {
		return language
	}
	return language + "-" + strings.ToUpper(language)
}

// phrasesToSegments converts recognized phrases, ordered by offset, into
// canonical segments.
func phrasesToSegments(phrases []recognizedPhrase, mode types.DiarizationMode) []types.Segment {
	segs := make([]types.Segment, 0, len(phrases))
	for _, p := range phrases {
		if len(p.NBest) == 0 {
			continue
		}
		best := p.NBest[0]
		if strings.TrimSpace(best.Display) == "" {
			continue
		}
		label := speakerLabel(p.Speaker, mode)
		seg := types.Segment{
			Speaker: label,
			Text:    best.Display,
			Start:   ticksToSeconds(p.OffsetInTicks),
			End:     ticksToSeconds(p.OffsetInTicks + p.DurationInTicks),
			Source:  types.SourcePrimary,
		}
		for _, w := range best.Words {
			seg.Words = append(seg.Words, types.Word{
				Text:       w.Word,
				Start:      ticksToSeconds(w.OffsetInTicks),
				End:        ticksToSeconds(w.OffsetInTicks + w.DurationInTicks),
				Speaker:    label,
				Confidence: w.Confidence,
			})
		}
		segs = append(segs, segment.Sanitize(seg, len(segs)))
	}
	segment.SortChronological(segs)
	return segs
}
