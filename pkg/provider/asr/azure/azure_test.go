package azure

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/mykolastupakov-spsoft/crosstalk/pkg/provider/asr"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/types"
)

func TestTicksToSeconds(t *testing.T) {
	if got := ticksToSeconds(15_000_000); got != 1.5 {
		t.Fatalf("ticksToSeconds = %v, want 1.5", got)
	}
}

func TestSpeakerLabel(t *testing.T) {
	if got := speakerLabel(1, types.DiarizeMix); got != "SPEAKER_00" {
		t.Errorf("speaker 1 = %q, want SPEAKER_00", got)
	}
	if got := speakerLabel(2, types.DiarizeMix); got != "SPEAKER_01" {
		t.Errorf("speaker 2 = %q, want SPEAKER_01", got)
	}
	if got := speakerLabel(2, types.DiarizeChannel); got != "SPEAKER_00" {
		t.Errorf("channel mode = %q, want SPEAKER_00", got)
	}
}

func TestAzureLocale(t *testing.T) {
	tests := []struct{ in, want string }{
		{"en", "en-US"},
		{"auto", "en-US"},
		{"uk", "uk-UA"},
		{"de-AT", "de-AT"},
		{"pl", "pl-PL"},
	}
	for _, tt := range tests {
		if got := azureLocale(tt.in); got != tt.want {
			t.Errorf("azureLocale(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPhrasesToSegments(t *testing.T) {
	raw := `[
		{"speaker": 2, "offsetInTicks": 10000000, "durationInTicks": 20000000,
		 "nBest": [{"display": "Hi there.", "words": [
			{"word": "Hi", "offsetInTicks": 10000000, "durationInTicks": 5000000, "confidence": 0.95},
			{"word": "there", "offsetInTicks": 16000000, "durationInTicks": 8000000, "confidence": 0.9}
		 ]}]},
		{"speaker": 1, "offsetInTicks": 0, "durationInTicks": 9000000,
		 "nBest": [{"display": "Hello."}]},
		{"speaker": 1, "offsetInTicks": 40000000, "durationInTicks": 1,
		 "nBest": [{"display": "   "}]}
	]`
	var phrases []recognizedPhrase
	if err := json.Unmarshal([]byte(raw), &phrases); err != nil {
		t.Fatalf("decode fixture: %v", err)
	}

	segs := phrasesToSegments(phrases, types.DiarizeMix)
	if len(segs) != 2 {
		t.Fatalf("segments = %d, want 2 (blank phrase dropped)", len(segs))
	}
	// Chronological order despite input order.
	if segs[0].Speaker != "SPEAKER_00" || segs[0].Text != "Hello." {
		t.Errorf("segment 0 = %+v", segs[0])
	}
	if segs[1].Speaker != "SPEAKER_01" || segs[1].Start != 1.0 || segs[1].End != 3.0 {
		t.Errorf("segment 1 = %+v", segs[1])
	}
	if len(segs[1].Words) != 2 {
		t.Errorf("segment 1 words = %d, want 2", len(segs[1].Words))
	}
}

func TestBatchRequiresURL(t *testing.T) {
	b, err := NewBatch("key", "westeurope")
	if err != nil {
		t.Fatalf("NewBatch: %v", err)
	}
	_, err = b.Transcribe(context.Background(), asr.Request{AudioPath: "/tmp/x.wav"})
	if err == nil || !strings.Contains(err.Error(), "publicly reachable") {
		t.Fatalf("err = %v, want URL requirement", err)
	}
}

func TestRealtimeTranscribe(t *testing.T) {
	phrase := phraseMessage{
		RecognitionStatus: "Success",
		DisplayText:       "Hello from realtime.",
		Offset:            10_000_000,
		Duration:          20_000_000,
		SpeakerID:         "1",
	}
	end := phraseMessage{RecognitionStatus: "EndOfDictation"}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Ocp-Apim-Subscription-Key"); got != "rt-key" {
			t.Errorf("subscription key = %q", got)
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		ctx := r.Context()
		// Drain audio until the zero-length end frame.
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if len(data) == 0 {
				break
			}
		}
		for _, msg := range []phraseMessage{phrase, end} {
			payload, _ := json.Marshal(msg)
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	audio := filepath.Join(t.TempDir(), "short.wav")
	if err := os.WriteFile(audio, make([]byte, 8000), 0o644); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	rt, err := NewRealtime("rt-key", "westeurope",
		WithWSEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")),
		WithChunkInterval(time.Millisecond))
	if err != nil {
		t.Fatalf("NewRealtime: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	d, err := rt.Transcribe(ctx, asr.Request{AudioPath: audio, BaseName: "short", Language: "en"})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	result := d.Result(string(types.EngineAzureRealtime))
	if len(result.Segments) != 1 {
		t.Fatalf("segments = %d, want 1", len(result.Segments))
	}
	seg := result.Segments[0]
	if seg.Text != "Hello from realtime." || seg.Speaker != "SPEAKER_01" {
		t.Errorf("segment = %+v", seg)
	}
	if seg.Start != 1.0 || seg.End != 3.0 {
		t.Errorf("bounds = %v..%v, want 1..3", seg.Start, seg.End)
	}
}
