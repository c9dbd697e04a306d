package segment

import (
	"strings"
	"testing"

	"github.com/mykolastupakov-spsoft/crosstalk/pkg/types"
)

const sampleTable = `Here is the corrected dialogue:

| Segment ID | Speaker | Text | Start Time | End Time |
|---|---|---|---|---|
| 1 | Agent | Hello, how can I help? | 0.00 | 2.50 |
| 2 | Client | I have a billing question. | 2.80 | 5.10 |
| 3 | Client | About last month. | 5.30 | 6.00 |
`

func TestParseTable(t *testing.T) {
	tbl, err := ParseTable(sampleTable)
	if err != nil {
		t.Fatalf("ParseTable: %v", err)
	}
	if len(tbl.Rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(tbl.Rows))
	}
	r := tbl.Rows[1]
	if r.ID != 2 || r.Speaker != "Client" || r.Start != 2.8 || r.End != 5.1 {
		t.Errorf("row 2 = %+v", r)
	}
	if r.Text != "I have a billing question." {
		t.Errorf("row 2 text = %q", r.Text)
	}
}

func TestParseTableTolerance(t *testing.T) {
	md := strings.Join([]string{
		"| Segment ID | Speaker | Text | Start Time | End Time |",
		"|:---|:---|:---|---:|---:|",
		"| 1 | Agent | Hi | 0.5s | 1.2s |", // units tolerated
		"| oops | Agent | broken id | 1 | 2 |",
		"| 2 | Client | Bye | bad | 3 |",
	}, "\n")
	tbl, err := ParseTable(md)
	if err != nil {
		t.Fatalf("ParseTable: %v", err)
	}
	if len(tbl.Rows) != 1 {
		t.Fatalf("rows = %d, want 1 (malformed rows dropped)", len(tbl.Rows))
	}
	if tbl.Rows[0].Start != 0.5 || tbl.Rows[0].End != 1.2 {
		t.Errorf("times = %v..%v, want 0.5..1.2", tbl.Rows[0].Start, tbl.Rows[0].End)
	}
}

func TestParseTableNoRows(t *testing.T) {
	if _, err := ParseTable("no table here at all"); err == nil {
		t.Fatal("expected error for markdown without a table")
	}
}

func TestRenderRoundTrip(t *testing.T) {
	tbl, err := ParseTable(sampleTable)
	if err != nil {
		t.Fatalf("ParseTable: %v", err)
	}
	rendered := tbl.Render()
	back, err := ParseTable(rendered)
	if err != nil {
		t.Fatalf("re-parse: %v", err)
	}
	if len(back.Rows) != len(tbl.Rows) {
		t.Fatalf("round trip rows = %d, want %d", len(back.Rows), len(tbl.Rows))
	}
	for i := range back.Rows {
		if back.Rows[i].Text != tbl.Rows[i].Text || back.Rows[i].Speaker != tbl.Rows[i].Speaker {
			t.Errorf("row %d changed: %+v vs %+v", i, back.Rows[i], tbl.Rows[i])
		}
	}
	if !strings.Contains(rendered, "| 1 | Agent |") {
		t.Errorf("rendered table missing renumbered first row:\n%s", rendered)
	}
}

func TestMergeConsecutiveSameSpeaker(t *testing.T) {
	tbl := &Table{Rows: []Row{
		{ID: 1, Speaker: "Agent", Text: "Hello,", Start: 0, End: 1},
		{ID: 2, Speaker: "Agent", Text: "how can I help?", Start: 1.2, End: 2.5},
		{ID: 3, Speaker: "Client", Text: "Billing question.", Start: 2.8, End: 4},
		{ID: 4, Speaker: "SPEAKER_02", Text: "background noise", Start: 4, End: 5},
		{ID: 5, Speaker: "Client", Text: "About my invoice amount.", Start: 4.2, End: 6},
	}}
	got := tbl.MergeConsecutiveSameSpeaker(2.0)
	if len(got.Rows) != 2 {
		t.Fatalf("rows = %d, want 2: %+v", len(got.Rows), got.Rows)
	}
	if got.Rows[0].Text != "Hello, how can I help?" {
		t.Errorf("merged agent text = %q", got.Rows[0].Text)
	}
	if got.Rows[0].End != 2.5 {
		t.Errorf("merged agent end = %v, want 2.5", got.Rows[0].End)
	}
	if got.Rows[1].Text != "Billing question. About my invoice amount." {
		t.Errorf("merged client text = %q", got.Rows[1].Text)
	}
	if got.Rows[0].ID != 1 || got.Rows[1].ID != 2 {
		t.Errorf("IDs not renumbered: %+v", got.Rows)
	}
}

func TestMergeKeepsDoubleTurnAcrossTopicChange(t *testing.T) {
	tbl := &Table{Rows: []Row{
		{ID: 1, Speaker: "Client", Text: "So that resolves the billing issue then.", Start: 0, End: 2},
		{ID: 2, Speaker: "Client", Text: "Actually, one more thing about delivery dates.", Start: 8, End: 10},
	}}
	got := tbl.MergeConsecutiveSameSpeaker(2.0)
	if len(got.Rows) != 2 {
		t.Fatalf("double turn collapsed, rows = %d, want 2", len(got.Rows))
	}
}

func TestMergeIdempotent(t *testing.T) {
	tbl := &Table{Rows: []Row{
		{ID: 1, Speaker: "Agent", Text: "One", Start: 0, End: 1},
		{ID: 2, Speaker: "Agent", Text: "Two", Start: 1.1, End: 2},
		{ID: 3, Speaker: "Client", Text: "Three", Start: 2.2, End: 3},
	}}
	once := tbl.MergeConsecutiveSameSpeaker(2.0)
	twice := once.MergeConsecutiveSameSpeaker(2.0)
	if len(once.Rows) != len(twice.Rows) {
		t.Fatalf("second pass changed row count: %d vs %d", len(once.Rows), len(twice.Rows))
	}
	for i := range once.Rows {
		if once.Rows[i] != twice.Rows[i] {
			t.Errorf("row %d changed on second pass: %+v vs %+v", i, once.Rows[i], twice.Rows[i])
		}
	}
}

func TestRemoveFillers(t *testing.T) {
	tbl := &Table{Rows: []Row{
		{ID: 1, Speaker: "Agent", Text: "Um, hello there", Start: 0, End: 1},
		{ID: 2, Speaker: "Client", Text: "uh um", Start: 1, End: 2},
	}}
	got := tbl.RemoveFillers()
	if len(got.Rows) != 1 {
		t.Fatalf("rows = %d, want 1 (all-filler row dropped)", len(got.Rows))
	}
	if got.Rows[0].Text != "hello there" {
		t.Errorf("text = %q, want %q", got.Rows[0].Text, "hello there")
	}
}

func TestFromSegments(t *testing.T) {
	segs := []types.Segment{
		{Speaker: "SPEAKER_00", Text: "Hello", Start: 0, End: 1},
		{Speaker: "SPEAKER_01", Text: "Hi", Start: 1, End: 2},
		{Speaker: "SPEAKER_02", Text: "noise", Start: 2, End: 3},
		{Speaker: "SPEAKER_00", Text: "   ", Start: 3, End: 4},
	}
	roles := map[string]types.Role{
		"SPEAKER_00": types.RoleAgent,
		"SPEAKER_01": types.RoleClient,
		"SPEAKER_02": types.RoleUnknown,
	}
	tbl := FromSegments(segs, roles)
	if len(tbl.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(tbl.Rows))
	}
	if tbl.Rows[0].Speaker != "Agent" || tbl.Rows[1].Speaker != "Client" {
		t.Errorf("speakers = %q, %q", tbl.Rows[0].Speaker, tbl.Rows[1].Speaker)
	}
}
