package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mykolastupakov-spsoft/crosstalk/internal/cache"
	"github.com/mykolastupakov-spsoft/crosstalk/internal/orchestrator"
	"github.com/mykolastupakov-spsoft/crosstalk/pkg/types"
)

// maxUploadBytes caps the multipart body. Hour-long stereo WAV fits well
// under this.
const maxUploadBytes = 512 << 20

func (s *Server) handleDiarize(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseDiarizeRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if !s.admit.TryAcquire(1) {
		writeError(w, http.StatusTooManyRequests, errors.New("server: run capacity exhausted, retry later"))
		return
	}
	defer s.admit.Release(1)

	events := s.orch.Execute(r.Context(), req)
	// Feed fan-out for the WebSocket mirror observes everything the HTTP
	// client sees.
	events = s.feeds.tap(events)

	if wantsSSE(r) {
		s.streamSSE(w, r, events)
		return
	}
	s.respondJSON(w, events)
}

// parseDiarizeRequest decodes the multipart form. Exactly one of the audio
// file and the url field must be present.
func (s *Server) parseDiarizeRequest(r *http.Request) (types.Request, error) {
	var req types.Request

	r.Body = http.MaxBytesReader(nil, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return req, fmt.Errorf("server: parse multipart form: %w", err)
	}

	file, header, err := r.FormFile("audio")
	switch {
	case err == nil:
		defer file.Close()
		path, saveErr := s.saveUpload(file, header.Filename)
		if saveErr != nil {
			return req, saveErr
		}
		req.AudioPath = path
	case errors.Is(err, http.ErrMissingFile):
		url := strings.TrimSpace(r.FormValue("url"))
		if url == "" {
			return req, errors.New("server: provide an audio file or a url field")
		}
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			return req, fmt.Errorf("server: unsupported url scheme in %q", url)
		}
		req.AudioURL = url
	default:
		return req, fmt.Errorf("server: read audio part: %w", err)
	}

	req.Language = strings.TrimSpace(r.FormValue("language"))
	if req.Language == "" {
		req.Language = "auto"
	}

	if v := strings.TrimSpace(r.FormValue("speakerCount")); v != "" && v != "auto" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return req, fmt.Errorf("server: invalid speakerCount %q", v)
		}
		req.SpeakerHint = n
	}

	req.LLMMode = types.LLMMode(formDefault(r, "mode", string(types.LLMModeFast)))
	if !req.LLMMode.IsValid() {
		return req, fmt.Errorf("server: invalid mode %q", req.LLMMode)
	}
	req.PipelineMode = types.PipelineMode(formDefault(r, "pipelineMode", string(types.PipelineSpeechBrain)))
	if !req.PipelineMode.IsValid() {
		return req, fmt.Errorf("server: invalid pipelineMode %q", req.PipelineMode)
	}
	req.Engine = types.ASREngine(formDefault(r, "engine", string(types.EngineSpeechmaticsBatch)))
	if !req.Engine.IsValid() {
		return req, fmt.Errorf("server: invalid engine %q", req.Engine)
	}
	if v := strings.TrimSpace(r.FormValue("textAnalysisMode")); v != "" {
		req.TextAnalysisMode = types.TextAnalysisMode(v)
		if !req.TextAnalysisMode.IsValid() {
			return req, fmt.Errorf("server: invalid textAnalysisMode %q", v)
		}
	}
	req.GroundTruth = r.FormValue("groundTruth")

	return req, nil
}

func formDefault(r *http.Request, field, def string) string {
	if v := strings.TrimSpace(r.FormValue(field)); v != "" {
		return v
	}
	return def
}

// saveUpload persists the uploaded audio under uploads/ so separation
// back-ends (and clients) can fetch it later.
func (s *Server) saveUpload(file io.Reader, filename string) (string, error) {
	if err := os.MkdirAll(s.cfg.Paths.UploadsDir, 0o755); err != nil {
		return "", fmt.Errorf("server: create uploads dir: %w", err)
	}
	base := cache.SanitizeName(strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename)))
	ext := filepath.Ext(filename)
	path := filepath.Join(s.cfg.Paths.UploadsDir, base+ext)

	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("server: create upload file: %w", err)
	}
	if _, err := io.Copy(dst, file); err != nil {
		dst.Close()
		os.Remove(path)
		return "", fmt.Errorf("server: store upload: %w", err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("server: store upload: %w", err)
	}
	return path, nil
}

func wantsSSE(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// streamSSE writes every pipeline event as one SSE frame. The status is
// always 200; failures arrive as pipeline-error events inside the stream.
func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, events <-chan types.ProgressEvent) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("server: streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			// Client gone; the orchestrator sees the same context and cleans
			// up. Keep draining so the run goroutine can finish.
			for range events {
			}
			return
		case ev, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				s.log.Error("event marshal failed", "type", ev.Type, "error", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

// respondJSON drains the run and answers with the final payload only.
func (s *Server) respondJSON(w http.ResponseWriter, events <-chan types.ProgressEvent) {
	var terminal *types.ProgressEvent
	for ev := range events {
		if ev.IsTerminal() {
			terminal = &ev
		}
	}
	if terminal == nil {
		// Cancelled run: nothing to say.
		writeError(w, http.StatusInternalServerError, errors.New("server: run produced no result"))
		return
	}

	if terminal.Type == types.EventPipelineError {
		status := http.StatusInternalServerError
		if terminal.Step == 0 {
			status = http.StatusBadRequest
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(terminal)
		return
	}

	res, _ := terminal.Details["result"].(*orchestrator.Result)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		s.log.Error("result encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
