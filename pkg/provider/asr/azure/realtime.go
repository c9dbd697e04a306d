package azure

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/mykolastupakov-spsoft/crosstalk/pkg/provider/asr"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/segment"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/types"
)

// audioChunkSize is the number of bytes streamed per WebSocket frame.
// Roughly 100ms of 16kHz 16-bit mono audio.
const audioChunkSize = 3200

// Realtime implements asr.Transcriber using the Azure Speech conversation
// WebSocket endpoint. It streams the audio file as fast as the service
// accepts it and collects the final recognition phrases. Latency is better
// than batch for short recordings; diarization is limited to the service's
// conversational speaker attribution.
type Realtime struct {
	key      string
	region   string
	wsURL    string
	interval time.Duration
}

var _ asr.Transcriber = (*Realtime)(nil)

// RealtimeOption configures [NewRealtime].
type RealtimeOption func(*Realtime)

// WithWSEndpoint overrides the WebSocket URL. Tests point it at a local
// server.
func WithWSEndpoint(u string) RealtimeOption {
	return func(r *Realtime) { r.wsURL = u }
}

// WithChunkInterval throttles audio frames. Default: 20ms, well above
// realtime so the service keeps up without dropping the socket.
func WithChunkInterval(d time.Duration) RealtimeOption {
	return func(r *Realtime) { r.interval = d }
}

// NewRealtime creates a realtime transcriber.
func NewRealtime(key, region string, opts ...RealtimeOption) (*Realtime, error) {
	if err := validateCreds(key, region); err != nil {
		return nil, err
	}
	r := &Realtime{
		key:      key,
		region:   region,
		interval: 20 * time.Millisecond,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Engine implements asr.Transcriber.
func (r *Realtime) Engine() types.ASREngine { return types.EngineAzureRealtime }

// phraseMessage is the detailed-format recognition result pushed by the
// service after each utterance.
type phraseMessage struct {
	RecognitionStatus string `json:"RecognitionStatus"`
	DisplayText       string `json:"DisplayText"`
	Offset            int64  `json:"Offset"`
	Duration          int64  `json:"Duration"`
	SpeakerID         string `json:"SpeakerId"`
	NBest             []struct {
		Display string `json:"Display"`
		Words   []struct {
			Word     string `json:"Word"`
			Offset   int64  `json:"Offset"`
			Duration int64  `json:"Duration"`
		} `json:"Words"`
	} `json:"NBest"`
}

// Transcribe implements asr.Transcriber.
func (r *Realtime) Transcribe(ctx context.Context, req asr.Request) (*types.Diarization, error) {
	if req.AudioPath == "" {
		return nil, fmt.Errorf("azure realtime: request needs a local audio path")
	}
	sink := req.Progress
	if sink == nil {
		sink = types.NopSink{}
	}

	endpoint, err := r.buildURL(req)
	if err != nil {
		return nil, err
	}
	requestID := strings.ReplaceAll(uuid.NewString(), "-", "")

	headers := http.Header{}
	headers.Set("Ocp-Apim-Subscription-Key", r.key)
	headers.Set("X-ConnectionId", requestID)

	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, fmt.Errorf("azure realtime: dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	conn.SetReadLimit(1 << 20)

	audio, err := os.Open(req.AudioPath)
	if err != nil {
		return nil, fmt.Errorf("azure realtime: open audio: %w", err)
	}
	defer audio.Close()

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- r.streamAudio(ctx, conn, audio)
	}()

	var phrases []phraseMessage
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			// Normal closure after the service flushed its last phrase.
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || strings.Contains(err.Error(), "EOF") {
				break
			}
			return nil, fmt.Errorf("azure realtime: read: %w", err)
		}
		var msg phraseMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.RecognitionStatus {
		case "Success":
			if strings.TrimSpace(msg.DisplayText) != "" || len(msg.NBest) > 0 {
				phrases = append(phrases, msg)
				sink.Progress("phrase recognized", map[string]any{
					"phrases": len(phrases), "speaker": msg.SpeakerID,
				})
			}
		case "EndOfDictation":
			goto drained
		}
	}
drained:
	if err := <-writeErr; err != nil && ctx.Err() == nil {
		return nil, err
	}

	segs := r.phrasesToSegments(phrases, req.Mode)
	sink.Progress("segments normalized", map[string]any{"segments": len(segs)})
	return buildDiarization(types.EngineAzureRealtime, requestID, req.BaseName, req.Language, segs), nil
}

func (r *Realtime) buildURL(req asr.Request) (string, error) {
	base := r.wsURL
	if base == "" {
		base = fmt.Sprintf("wss://%s.stt.speech.microsoft.com/speech/recognition/conversation/cognitiveservices/v1", r.region)
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("azure realtime: parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("language", azureLocale(req.Language))
	q.Set("format", "detailed")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (r *Realtime) streamAudio(ctx context.Context, conn *websocket.Conn, audio io.Reader) error {
	buf := make([]byte, audioChunkSize)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		n, err := audio.Read(buf)
		if n > 0 {
			if werr := conn.Write(ctx, websocket.MessageBinary, buf[:n]); werr != nil {
				return fmt.Errorf("azure realtime: write audio: %w", werr)
			}
		}
		if err == io.EOF {
			// Zero-length frame signals end of audio.
			if werr := conn.Write(ctx, websocket.MessageBinary, nil); werr != nil {
				return fmt.Errorf("azure realtime: finish audio: %w", werr)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("azure realtime: read audio: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Realtime) phrasesToSegments(phrases []phraseMessage, mode types.DiarizationMode) []types.Segment {
	segs := make([]types.Segment, 0, len(phrases))
	for _, p := range phrases {
		text := p.DisplayText
		if text == "" && len(p.NBest) > 0 {
			text = p.NBest[0].Display
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		label := "SPEAKER_00"
		if mode != types.DiarizeChannel && p.SpeakerID != "" {
			label = segment.NormalizeSpeaker(p.SpeakerID, 0)
		}
		seg := types.Segment{
			Speaker: label,
			Text:    text,
			Start:   ticksToSeconds(p.Offset),
			End:     ticksToSeconds(p.Offset + p.Duration),
			Source:  types.SourcePrimary,
		}
		if len(p.NBest) > 0 {
			for _, w := range p.NBest[0].Words {
				seg.Words = append(seg.Words, types.Word{
					Text:    w.Word,
					Start:   ticksToSeconds(w.Offset),
					End:     ticksToSeconds(w.Offset + w.Duration),
					Speaker: label,
				})
			}
		}
		segs = append(segs, segment.Sanitize(seg, len(segs)))
	}
	segment.SortChronological(segs)
	return segs
}
