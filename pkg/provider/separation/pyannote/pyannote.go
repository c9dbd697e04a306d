// Package pyannote implements separation.Separator by driving the bundled
// pyannote diarization/separation script as a subprocess. The script writes
// its result JSON to stdout and human-readable progress lines to stderr.
package pyannote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/mykolastupakov-spsoft/crosstalk/pkg/provider/separation"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/segment"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/types"
)

// scriptOutput is the JSON contract with the python side.
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

// Separator implements separation.Separator by spawning the pyannote script.
type Separator struct {
	python  string
	script  string
	hfToken string
	timeout time.Duration
}

var _ separation.Separator = (*Separator)(nil)

// Option is a functional option for [New].
type Option func(*Separator)

// WithPython overrides the interpreter binary. Default: "python3".
func WithPython(bin string) Option {
	return func(s *Separator) { s.python = bin }
}

// WithTimeout caps one separation run. Default: 15 minutes.
func WithTimeout(d time.Duration) Option {
	return func(s *Separator) { s.timeout = d }
}

// New creates a Separator for the given script path. hfToken is passed to the
// subprocess so it can pull gated pyannote models.
func New(script, hfToken string, opts ...Option) (*Separator, error) {
	if script == "" {
		return nil, fmt.Errorf("pyannote: script path must not be empty")
	}
	s := &Separator{
		python:  "python3",
		script:  script,
		hfToken: hfToken,
		timeout: 15 * time.Minute,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Mode implements separation.Separator.
func (s *Separator) Mode() types.PipelineMode { return types.PipelinePyAnnote }

// Separate implements separation.Separator.
func (s *Separator) Separate(ctx context.Context, req separation.Request) (*types.SeparationResult, error) {
	if req.AudioPath == "" {
		return nil, fmt.Errorf("pyannote: request needs a local audio path")
	}
	sink := req.Progress
	if sink == nil {
		sink = types.NopSink{}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.python, s.script, "--audio", req.AudioPath)
	if s.hfToken != "" {
		cmd.Env = append(cmd.Environ(), "HUGGINGFACE_TOKEN="+s.hfToken)
	}

	out, err := runScript(ctx, cmd, "pyannote", sink)
	if err != nil {
		return nil, err
	}

	result := &types.SeparationResult{TaskID: fmt.Sprintf("pyannote-%d", time.Now().UnixNano())}
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

// runScript starts cmd, forwards stderr lines to the sink, and decodes the
// stdout JSON. Shared shape with the speechbrain runner but kept local: the
// two scripts drift independently.
func runScript(ctx context.Context, cmd *exec.Cmd, name string, sink types.ProgressSink) (*scriptOutput, error) {
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%s: stderr pipe: %w", name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%s: start: %w", name, err)
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
			return nil, fmt.Errorf("%s: %w", name, ctx.Err())
		}
		return nil, fmt.Errorf("%s: subprocess: %w (stderr tail: %s)", name, err, strings.Join(lastLines, " | "))
	}

	var out scriptOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("%s: decode output: %w", name, err)
	}
	if !out.Success {
		return nil, fmt.Errorf("%s: script reported failure: %s", name, out.Error)
	}
	return &out, nil
}
