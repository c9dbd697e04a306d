package segment

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mykolastupakov-spsoft/crosstalk/pkg/types"
)

// Row is one dialogue line in the final Markdown table.
type Row struct {
	ID      int
	Speaker string // "Agent" or "Client" in valid tables
	Text    string
	Start   float64
	End     float64
}

// Table is the parsed form of the final Markdown dialogue table with columns
// Segment ID | Speaker | Text | Start Time | End Time.
type Table struct {
	Rows []Row
}

// tableHeader is the canonical header emitted by Render.
const tableHeader = "| Segment ID | Speaker | Text | Start Time | End Time |\n|---|---|---|---|---|"

// ParseTable extracts a dialogue table from md. Header and separator rows are
// skipped; malformed rows are dropped rather than failing the whole table.
// Returns an error only when no data row could be parsed.
func ParseTable(md string) (*Table, error) {
	t := &Table{}
	for _, line := range strings.Split(md, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "|") {
			continue
		}
		cells := splitCells(line)
		if len(cells) < 5 {
			continue
		}
		if isHeaderOrSeparator(cells) {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSpace(cells[0]))
		if err != nil {
			continue
		}
		start, err1 := parseSeconds(cells[3])
		end, err2 := parseSeconds(cells[4])
		if err1 != nil || err2 != nil {
			continue
		}
		t.Rows = append(t.Rows, Row{
			ID:      id,
			Speaker: strings.TrimSpace(cells[1]),
			Text:    strings.TrimSpace(cells[2]),
			Start:   start,
			End:     end,
		})
	}
	if len(t.Rows) == 0 {
		return nil, fmt.Errorf("segment: no table rows found in markdown")
	}
	return t, nil
}

// splitCells splits a pipe-delimited row into its inner cells.
func splitCells(line string) []string {
	line = strings.Trim(line, "|")
	return strings.Split(line, "|")
}

// isHeaderOrSeparator reports whether cells form the header or the |---| row.
func isHeaderOrSeparator(cells []string) bool {
	first := strings.TrimSpace(cells[0])
	if strings.EqualFold(first, "Segment ID") {
		return true
	}
	return strings.Trim(first, "-: ") == ""
}

// parseSeconds parses a numeric time cell, tolerating a trailing "s" unit.
func parseSeconds(cell string) (float64, error) {
	s := strings.TrimSpace(cell)
	s = strings.TrimSuffix(s, "s")
	s = strings.TrimSpace(s)
	return strconv.ParseFloat(s, 64)
}

// Render serialises the table back to Markdown with 2-decimal times and
// sequential IDs starting at 1.
func (t *Table) Render() string {
	var sb strings.Builder
	sb.WriteString(tableHeader)
	for i, r := range t.Rows {
		fmt.Fprintf(&sb, "\n| %d | %s | %s | %.2f | %.2f |",
			i+1, r.Speaker, sanitizeCell(r.Text), r.Start, r.End)
	}
	return sb.String()
}

// sanitizeCell strips characters that would break the table structure.
func sanitizeCell(s string) string {
	s = strings.ReplaceAll(s, "|", "/")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.TrimSpace(s)
}

// RemoveFillers strips hesitation sounds from every text cell, dropping rows
// whose text becomes empty.
func (t *Table) RemoveFillers() *Table {
	out := &Table{Rows: make([]Row, 0, len(t.Rows))}
	for _, r := range t.Rows {
		r.Text = RemoveFillerWords(r.Text)
		if strings.TrimSpace(r.Text) == "" {
			continue
		}
		out.Rows = append(out.Rows, r)
	}
	return out
}

// topicChanged is the heuristic used to allow a same-speaker double turn:
// almost no token overlap between the two texts means the speaker switched
// topic and the rows may stay separate.
func topicChanged(a, b string) bool {
	return JaccardSimilarity(a, b) < 0.2
}

// MergeConsecutiveSameSpeaker merges adjacent rows with the same Speaker
// unless the time gap between them exceeds maxGap AND the topic changed.
// Rows whose Speaker is not Agent or Client are dropped (safety net against
// SPEAKER_02+ leaking through the LLM). IDs are renumbered. Idempotent.
func (t *Table) MergeConsecutiveSameSpeaker(maxGap float64) *Table {
	if maxGap <= 0 {
		maxGap = 2.0
	}
	out := &Table{}
	for _, r := range t.Rows {
		if r.Speaker != string(types.RoleAgent) && r.Speaker != string(types.RoleClient) {
			continue
		}
		if n := len(out.Rows); n > 0 {
			prev := &out.Rows[n-1]
			if prev.Speaker == r.Speaker {
				gap := r.Start - prev.End
				if !(gap > maxGap && topicChanged(prev.Text, r.Text)) {
					prev.Text = strings.TrimSpace(prev.Text + " " + r.Text)
					if r.End > prev.End {
						prev.End = r.End
					}
					continue
				}
			}
		}
		out.Rows = append(out.Rows, r)
	}
	for i := range out.Rows {
		out.Rows[i].ID = i + 1
	}
	return out
}

// FromSegments builds a deterministic table directly from merged segments:
// the fallback path when every LLM attempt fails. Roles come from the
// speaker-to-role map; unmapped speakers are skipped.
func FromSegments(segs []types.Segment, roles map[string]types.Role) *Table {
	t := &Table{}
	for _, s := range segs {
		role, ok := roles[s.Speaker]
		if !ok || (role != types.RoleAgent && role != types.RoleClient) {
			continue
		}
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		t.Rows = append(t.Rows, Row{
			ID:      len(t.Rows) + 1,
			Speaker: string(role),
			Text:    text,
			Start:   s.Start,
			End:     s.End,
		})
	}
	return t
}

// Words returns all normalised word tokens from the table's text cells.
func (t *Table) Words() []string {
	var out []string
	for _, r := range t.Rows {
		out = append(out, TokenizeWords(r.Text)...)
	}
	return out
}
