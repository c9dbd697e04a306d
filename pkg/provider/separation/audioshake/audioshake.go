// Package audioshake implements separation.Separator against the AudioShake
// job API. AudioShake downloads the source itself, so the request must carry
// a publicly reachable HTTPS URL; stems come back as vendor-hosted links.
package audioshake

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mykolastupakov-spsoft/crosstalk/internal/resilience"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/provider/separation"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/segment"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/types"
)

const defaultEndpoint = "https://groovy.audioshake.ai"

// Separator implements separation.Separator for AudioShake.
type Separator struct {
	apiKey       string
	endpoint     string
	httpClient   *http.Client
	pollInterval time.Duration
	pollBudget   int
	retry        resilience.RetryPolicy
}

var _ separation.Separator = (*Separator)(nil)
var _ separation.StemRefresher = (*Separator)(nil)

// Option is a functional option for [New].
type Option func(*Separator)

// WithEndpoint overrides the API base URL.
func WithEndpoint(u string) Option {
	return func(s *Separator) { s.endpoint = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Separator) { s.httpClient = c }
}

// WithPollInterval sets the delay between job polls. Default: 5s.
func WithPollInterval(d time.Duration) Option {
	return func(s *Separator) { s.pollInterval = d }
}

// WithPollBudget caps the number of job polls. Default: 180.
func WithPollBudget(n int) Option {
	return func(s *Separator) { s.pollBudget = n }
}

// New creates a Separator. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Separator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("audioshake: apiKey must not be empty")
	}
	s := &Separator{
		apiKey:       apiKey,
		endpoint:     defaultEndpoint,
		httpClient:   &http.Client{Timeout: 2 * time.Minute},
		pollInterval: 5 * time.Second,
		pollBudget:   180,
		retry:        resilience.DefaultRetryPolicy(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Mode implements separation.Separator.
func (s *Separator) Mode() types.PipelineMode { return types.PipelineAudioShake }

// Separate implements separation.Separator.
func (s *Separator) Separate(ctx context.Context, req separation.Request) (*types.SeparationResult, error) {
	if err := validateSourceURL(req.AudioURL); err != nil {
		return nil, err
	}
	sink := req.Progress
	if sink == nil {
		sink = types.NopSink{}
	}

	var jobID string
	err := s.retry.Do(ctx, "audioshake submit", func(ctx context.Context) error {
		var err error
		jobID, err = s.createJob(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	sink.Progress("separation job submitted", map[string]any{"jobId": jobID})

	assets, err := s.awaitJob(ctx, jobID, sink)
	if err != nil {
		return nil, err
	}

	result := &types.SeparationResult{TaskID: jobID, Stems: stemsFromAssets(assets)}
	sink.Progress("separation stems ready", map[string]any{"stems": len(result.Stems)})
	return result, nil
}

// RefreshStems implements separation.StemRefresher: it re-reads a completed
// job and returns the stems with current download links. Vendor links expire,
// so a cached result is only as good as the links this returns.
func (s *Separator) RefreshStems(ctx context.Context, taskID string) ([]types.Stem, error) {
	if taskID == "" {
		return nil, fmt.Errorf("audioshake: refresh stems: empty job id")
	}
	var status jobResponse
	err := s.retry.Do(ctx, "audioshake refresh", func(ctx context.Context) error {
		return s.fetchJob(ctx, taskID, &status)
	})
	if err != nil {
		return nil, err
	}
	if strings.ToLower(status.Job.Status) != "completed" {
		return nil, fmt.Errorf("audioshake: job %s is %s, not completed", taskID, status.Job.Status)
	}
	stems := stemsFromAssets(status.Job.StemAssets)
	if len(stems) == 0 {
		return nil, fmt.Errorf("audioshake: job %s has no stem assets", taskID)
	}
	return stems, nil
}

func stemsFromAssets(assets []stemAsset) []types.Stem {
	var stems []types.Stem
	speakerIdx := 0
	for _, a := range assets {
		stem := types.Stem{
			AudioRef:     a.Link,
			Format:       a.FileType,
			IsBackground: isBackgroundName(a.Name),
		}
		if stem.IsBackground {
			stem.Name = "background"
		} else {
			stem.Name = segment.NormalizeSpeaker(a.Name, speakerIdx)
			speakerIdx++
		}
		stems = append(stems, stem)
	}
	return stems
}

// validateSourceURL enforces the HTTPS requirement up front with the exact
// failure class callers look for; passing a local path or plain HTTP here
// must never fall through to a confusing vendor error.
func validateSourceURL(raw string) error {
	if raw == "" {
		return resilience.Permanent(ErrSource("no audio URL provided"))
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return resilience.Permanent(ErrSource(raw))
	}
	if host := u.Hostname(); host == "localhost" || strings.HasPrefix(host, "127.") {
		return resilience.Permanent(ErrSource(raw))
	}
	return nil
}

// ErrSource wraps separation.ErrHTTPSRequired with the offending ref.
func ErrSource(ref string) error {
	return fmt.Errorf("%w (got %q)", separation.ErrHTTPSRequired, ref)
}

// ─── Wire format ──────────────────────────────────────────────────────────────

type stemAsset struct {
	Name     string `json:"name"`
	Link     string `json:"link"`
	FileType string `json:"fileType"`
}

type jobResponse struct {
	Job struct {
		ID         string      `json:"id"`
		Status     string      `json:"status"`
		StatusInfo string      `json:"statusInfo"`
		StemAssets []stemAsset `json:"stemAssets"`
	} `json:"job"`
}

func (s *Separator) createJob(ctx context.Context, req separation.Request) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"link": req.AudioURL,
		"metadata": map[string]any{
			"name":     req.BaseName,
			"format":   "wav",
			"stemType": "voice",
		},
	})
	if err != nil {
		return "", fmt.Errorf("audioshake: encode job: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/job/", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("audioshake: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("audioshake: submit: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return "", err
	}

	var created jobResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("audioshake: decode job response: %w", err)
	}
	if created.Job.ID == "" {
		return "", fmt.Errorf("audioshake: job id missing in response")
	}
	return created.Job.ID, nil
}

func (s *Separator) awaitJob(ctx context.Context, jobID string, sink types.ProgressSink) ([]stemAsset, error) {
	for attempt := 1; attempt <= s.pollBudget; attempt++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("audioshake: await job: %w", ctx.Err())
		case <-time.After(s.pollInterval):
		}

		var status jobResponse
		err := s.retry.Do(ctx, "audioshake poll", func(ctx context.Context) error {
			return s.fetchJob(ctx, jobID, &status)
		})
		if err != nil {
			return nil, err
		}
		sink.Progress("separation job polling", map[string]any{
			"attempt": attempt, "of": s.pollBudget, "status": status.Job.Status,
		})

		switch strings.ToLower(status.Job.Status) {
		case "completed":
			return status.Job.StemAssets, nil
		case "failed":
			return nil, fmt.Errorf("audioshake: job failed: %s", status.Job.StatusInfo)
		}
	}
	return nil, fmt.Errorf("audioshake: job %s not finished after %d polls", jobID, s.pollBudget)
}

// fetchJob reads the current state of one job into status.
func (s *Separator) fetchJob(ctx context.Context, jobID string, status *jobResponse) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"/job/"+jobID, nil)
	if err != nil {
		return fmt.Errorf("audioshake: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("audioshake: poll: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(status)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("audioshake: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return err
	}
	return resilience.Permanent(err)
}

func isBackgroundName(name string) bool {
	n := strings.ToLower(name)
	return strings.Contains(n, "background") || strings.Contains(n, "residual") ||
		strings.Contains(n, "noise") || strings.Contains(n, "music")
}
