package markdown

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mykolastupakov-spsoft/crosstalk/pkg/types"
)

// Input carries everything the refiner may show the model for one run.
type Input struct {
	BaseName string
	Language string

	// Merged is the overlap-corrected primary segment list.
	Merged []types.Segment

	// Tracks are the per-stem voice tracks with role verdicts.
	Tracks []types.VoiceTrack

	// GroundTruth is the optional reference transcript. Shown to the model
	// only in the dedicated analysis step, never in the refinement steps.
	GroundTruth string
}

// Roles maps primary speaker labels to classified roles.
func (in *Input) Roles() map[string]types.Role {
	roles := map[string]types.Role{}
	for _, t := range in.Tracks {
		if t.RoleAnalysis != nil {
			roles[t.Speaker] = t.RoleAnalysis.Role
		}
	}
	return roles
}

// primarySpeakers are the only raw labels shown in the per-speaker section.
// SPEAKER_02 and above are separation artifacts the model must not see as
// legitimate participants.
var primarySpeakers = map[string]bool{
	"SPEAKER_00": true,
	"SPEAKER_01": true,
}

// buildContext renders the model-facing description of the conversation:
// the combined dialogue, per-speaker views, separated-track dialogues, role
// guidance, and exact segment timestamps.
func buildContext(in Input) string {
	var sb strings.Builder

	sb.WriteString("## Combined dialogue\n")
	for _, s := range in.Merged {
		fmt.Fprintf(&sb, "[%.2f-%.2f] %s: %s\n", s.Start, s.End, s.Speaker, s.Text)
	}

	sb.WriteString("\n## Per-speaker transcripts\n")
	for _, label := range []string{"SPEAKER_00", "SPEAKER_01"} {
		var parts []string
		for _, s := range in.Merged {
			if s.Speaker == label {
				parts = append(parts, s.Text)
			}
		}
		if len(parts) > 0 {
			fmt.Fprintf(&sb, "### %s\n%s\n", label, strings.Join(parts, " "))
		}
	}

	if tracks := trackSection(in.Tracks); tracks != "" {
		sb.WriteString("\n## Separated track transcripts\n")
		sb.WriteString(tracks)
	}

	sb.WriteString("\n## Role guidance\n")
	sb.WriteString(roleGuidanceJSON(in.Tracks))
	sb.WriteString("\n")

	sb.WriteString("\n## Segment timestamps\n")
	sb.WriteString(timestampsJSON(in.Merged))
	sb.WriteString("\n")

	return sb.String()
}

func trackSection(tracks []types.VoiceTrack) string {
	var sb strings.Builder
	for _, t := range tracks {
		if t.RoleAnalysis == nil || strings.TrimSpace(t.TranscriptText) == "" {
			continue
		}
		role := t.RoleAnalysis.Role
		if role != types.RoleAgent && role != types.RoleClient {
			continue
		}
		fmt.Fprintf(&sb, "### %s track (%s)\n%s\n", role, t.Speaker, t.TranscriptText)
	}
	return sb.String()
}

func roleGuidanceJSON(tracks []types.VoiceTrack) string {
	type guidance struct {
		Speaker    string  `json:"speaker"`
		Role       string  `json:"role"`
		Confidence float64 `json:"confidence"`
		Summary    string  `json:"summary,omitempty"`
	}
	out := []guidance{}
	for _, t := range tracks {
		if t.RoleAnalysis == nil {
			continue
		}
		out = append(out, guidance{
			Speaker:    t.Speaker,
			Role:       string(t.RoleAnalysis.Role),
			Confidence: t.RoleAnalysis.Confidence,
			Summary:    t.RoleAnalysis.Summary,
		})
	}
	b, _ := json.Marshal(out)
	return string(b)
}

func timestampsJSON(segs []types.Segment) string {
	type stamp struct {
		ID      int     `json:"id"`
		Speaker string  `json:"speaker"`
		Start   float64 `json:"start"`
		End     float64 `json:"end"`
	}
	out := make([]stamp, 0, len(segs))
	for i, s := range segs {
		out = append(out, stamp{ID: i + 1, Speaker: s.Speaker, Start: s.Start, End: s.End})
	}
	b, _ := json.Marshal(out)
	return string(b)
}
