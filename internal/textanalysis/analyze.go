// Package textanalysis grades where each recognised word came from.
//
// Green words appear in both the primary diarization and a separated stem's
// transcription, blue words only in the primary, red words only in a stem.
// The categories surface what separation actually contributed: a run with no
// red words gained nothing from the stems.
package textanalysis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mykolastupakov-spsoft/crosstalk/internal/llmjson"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/provider/chat"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/segment"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/types"
)

// Category is the provenance grade of one word.
type Category string

const (
	// CategoryGreen marks words confirmed by both sources.
	CategoryGreen Category = "green"

	// CategoryBlue marks words only the primary diarization heard.
	CategoryBlue Category = "blue"

	// CategoryRed marks words only a separated stem heard.
	CategoryRed Category = "red"
)

// WordMark is one graded word.
type WordMark struct {
	Word     string   `json:"word"`
	Category Category `json:"category"`
	Speaker  string   `json:"speaker,omitempty"`
}

// Analysis is the full grading of one run.
type Analysis struct {
	Mode  types.TextAnalysisMode `json:"mode"`
	Words []WordMark             `json:"words"`
	Green int                    `json:"green"`
	Blue  int                    `json:"blue"`
	Red   int                    `json:"red"`
}

// matchWindow is how far (seconds) a stem segment may sit from a primary
// segment and still confirm its words.
const matchWindow = 2.0

const llmPrompt = `You compare a phone call transcript from mixed audio against transcripts of the same call from separated per-speaker audio tracks.

Classify every word of the conversation:
- "green": the word appears in both the mixed transcript and a separated track
- "blue": the word appears only in the mixed transcript
- "red": the word appears only in a separated track

Respond with ONLY a JSON array, no markdown:
[{"word": "...", "category": "green" | "blue" | "red"}, ...]`

// Analyzer grades words by provenance.
type Analyzer struct {
	model chat.Model
	log   *slog.Logger
}

// New creates an Analyzer. model may be nil when only script mode is used.
func New(model chat.Model, log *slog.Logger) *Analyzer {
	if log == nil {
		log = slog.Default()
	}
	return &Analyzer{model: model, log: log}
}

// Analyze grades the primary segments against the voice-track segments using
// the requested mode. LLM failures degrade to the script implementation with
// a warning rather than failing the run.
func (a *Analyzer) Analyze(ctx context.Context, mode types.TextAnalysisMode, primary, voice []types.Segment) *Analysis {
	if mode == types.TextAnalysisLLM && a.model != nil {
		out, err := a.analyzeLLM(ctx, primary, voice)
		if err == nil {
			return out
		}
		a.log.Warn("llm text analysis failed, using script mode", "error", err)
	}
	out := analyzeScript(primary, voice)
	out.Mode = types.TextAnalysisScript
	return out
}

// analyzeScript matches tokens between the two sources. A primary word is
// confirmed when a voice segment of the same speaker within the time window
// contains the same token; leftover voice tokens become red words.
func analyzeScript(primary, voice []types.Segment) *Analysis {
	out := &Analysis{}

	// Track per-voice-segment token budgets so one stem word confirms at most
	// one primary word.
	voiceTokens := make([]map[string]int, len(voice))
	for i, v := range voice {
		counts := map[string]int{}
		for _, w := range segment.TokenizeWords(v.Text) {
			counts[w]++
		}
		voiceTokens[i] = counts
	}

	for _, p := range primary {
		tokens := segment.TokenizeWords(p.Text)
		for _, tok := range tokens {
			if consumeNearby(voice, voiceTokens, p, tok) {
				out.add(WordMark{Word: tok, Category: CategoryGreen, Speaker: p.Speaker})
			} else {
				out.add(WordMark{Word: tok, Category: CategoryBlue, Speaker: p.Speaker})
			}
		}
	}

	for i, v := range voice {
		for _, tok := range segment.TokenizeWords(v.Text) {
			if voiceTokens[i][tok] > 0 {
				voiceTokens[i][tok]--
				out.add(WordMark{Word: tok, Category: CategoryRed, Speaker: v.Speaker})
			}
		}
	}
	return out
}

// consumeNearby spends one budget unit of tok from a voice segment that
// matches p's speaker and time window.
func consumeNearby(voice []types.Segment, budgets []map[string]int, p types.Segment, tok string) bool {
	for i, v := range voice {
		if v.Speaker != p.Speaker {
			continue
		}
		if v.End < p.Start-matchWindow || v.Start > p.End+matchWindow {
			continue
		}
		if budgets[i][tok] > 0 {
			budgets[i][tok]--
			return true
		}
	}
	return false
}

func (a *Analyzer) analyzeLLM(ctx context.Context, primary, voice []types.Segment) (*Analysis, error) {
	var sb strings.Builder
	sb.WriteString("MIXED AUDIO TRANSCRIPT:\n")
	for _, s := range primary {
		fmt.Fprintf(&sb, "[%s] %s\n", s.Speaker, s.Text)
	}
	sb.WriteString("\nSEPARATED TRACK TRANSCRIPTS:\n")
	for _, s := range voice {
		fmt.Fprintf(&sb, "[%s] %s\n", s.Speaker, s.Text)
	}

	content, err := a.model.Complete(ctx, chat.Request{
		System:      llmPrompt,
		User:        sb.String(),
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("textanalysis: %w", err)
	}

	var marks []WordMark
	if err := llmjson.Decode(content, &marks); err != nil {
		return nil, fmt.Errorf("textanalysis: %w", err)
	}

	out := &Analysis{Mode: types.TextAnalysisLLM}
	for _, m := range marks {
		switch m.Category {
		case CategoryGreen, CategoryBlue, CategoryRed:
			out.add(m)
		default:
			return nil, fmt.Errorf("textanalysis: unrecognised category %q", m.Category)
		}
	}
	if len(out.Words) == 0 {
		return nil, fmt.Errorf("textanalysis: model returned no words")
	}
	return out, nil
}

func (a *Analysis) add(m WordMark) {
	a.Words = append(a.Words, m)
	switch m.Category {
	case CategoryGreen:
		a.Green++
	case CategoryBlue:
		a.Blue++
	case CategoryRed:
		a.Red++
	}
}
