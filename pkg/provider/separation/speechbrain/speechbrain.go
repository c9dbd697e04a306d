// Package speechbrain implements separation.Separator by driving the
// SpeechBrain SepFormer script as a subprocess. Unlike the pyannote runner it
// accepts debug parameters for chunked inference and spectral gating, which
// the script exposes as command line flags.
package speechbrain

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/mykolastupakov-spsoft/crosstalk/pkg/provider/separation"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/segment"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/types"
)

type scriptOutput struct {
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
	Speakers []struct {
		Name         string `json:"name"`
		LocalPath    string `json:"local_path"`
		Format       string `json:"format"`
		IsBackground bool   `json:"isBackground"`
	} `json:"speakers"`
	Timeline any `json:"timeline,omitempty"`
}

// Separator implements separation.Separator by spawning the SpeechBrain
// script.
type Separator struct {
	python  string
	script  string
	timeout time.Duration
}

var _ separation.Separator = (*Separator)(nil)

// Option is a functional option for [New].
type Option func(*Separator)

// WithPython overrides the interpreter binary. Default: "python3".
func WithPython(bin string) Option {
	return func(s *Separator) { s.python = bin }
}

// WithTimeout caps one separation run. Chunked inference keeps memory flat
// but takes longer. Default: 10 minutes.
func WithTimeout(d time.Duration) Option {
	return func(s *Separator) { s.timeout = d }
}

// New creates a Separator for the given script path.
func New(script string, opts ...Option) (*Separator, error) {
	if script == "" {
		return nil, fmt.Errorf("speechbrain: script path must not be empty")
	}
	s := &Separator{
		python:  "python3",
		script:  script,
		timeout: 10 * time.Minute,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Mode implements separation.Separator.
func (s *Separator) Mode() types.PipelineMode { return types.PipelineSpeechBrain }

// Separate implements separation.Separator.
func (s *Separator) Separate(ctx context.Context, req separation.Request) (*types.SeparationResult, error) {
	if req.AudioPath == "" {
		return nil, fmt.Errorf("speechbrain: request needs a local audio path")
	}
	sink := req.Progress
	if sink == nil {
		sink = types.NopSink{}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.python, buildArgs(s.script, req)...)
	out, err := runScript(ctx, cmd, sink)
	if err != nil {
		return nil, err
	}

	result := &types.SeparationResult{TaskID: fmt.Sprintf("speechbrain-%d", time.Now().UnixNano())}
	speakerIdx := 0
	for _, sp := range out.Speakers {
		stem := types.Stem{
			AudioRef:     sp.LocalPath,
			Format:       sp.Format,
			IsBackground: sp.IsBackground,
		}
		if stem.IsBackground {
			stem.Name = "background"
		} else {
			stem.Name = segment.NormalizeSpeaker(sp.Name, speakerIdx)
			speakerIdx++
		}
		result.Stems = append(result.Stems, stem)
	}
	sink.Progress("separation stems ready", map[string]any{"stems": len(result.Stems)})
	return result, nil
}

// buildArgs assembles the script invocation including optional debug flags.
func buildArgs(script string, req separation.Request) []string {
	args := []string{script, "--audio", req.AudioPath}
	if d := req.Debug; d != nil {
		if d.ChunkSeconds > 0 {
			args = append(args, "--chunk-seconds", strconv.FormatFloat(d.ChunkSeconds, 'f', -1, 64))
		}
		if d.EnableSpectralGating {
			args = append(args, "--enable-spectral-gating")
			if d.GateThreshold != 0 {
				args = append(args, "--gate-threshold", strconv.FormatFloat(d.GateThreshold, 'f', -1, 64))
			}
			if d.GateAlpha != 0 {
				args = append(args, "--gate-alpha", strconv.FormatFloat(d.GateAlpha, 'f', -1, 64))
			}
		}
	}
	return args
}

func runScript(ctx context.Context, cmd *exec.Cmd, sink types.ProgressSink) (*scriptOutput, error) {
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("speechbrain: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("speechbrain: start: %w", err)
	}

	var lastLines []string
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		sink.Progress("separation progress", map[string]any{"line": line})
		lastLines = append(lastLines, line)
		if len(lastLines) > 10 {
			lastLines = lastLines[1:]
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("speechbrain: %w", ctx.Err())
		}
		return nil, fmt.Errorf("speechbrain: subprocess: %w (stderr tail: %s)", err, strings.Join(lastLines, " | "))
	}

	var out scriptOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("speechbrain: decode output: %w", err)
	}
	if !out.Success {
		return nil, fmt.Errorf("speechbrain: script reported failure: %s", out.Error)
	}
	return &out, nil
}
