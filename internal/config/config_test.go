package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mykolastupakov-spsoft/crosstalk/pkg/types"
)

func TestLoadFromReaderDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Paths.CacheDir != "cache" || cfg.Paths.TempDir != "temp_uploads" {
		t.Errorf("paths = %+v", cfg.Paths)
	}
	if cfg.Pipeline.MaxConcurrentRuns != 1 || cfg.Pipeline.StemFanOut != 1 {
		t.Errorf("pipeline = %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.RunTimeout != time.Hour {
		t.Errorf("run_timeout = %v", cfg.Pipeline.RunTimeout)
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("server:\n  listen_adr: \":9\"\n"))
	if err == nil {
		t.Fatal("want error for misspelled field")
	}
}

func TestLoadFromReaderClampsFanOut(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader("pipeline:\n  stem_fan_out: 12\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Pipeline.StemFanOut != 4 {
		t.Errorf("stem_fan_out = %d, want clamped to 4", cfg.Pipeline.StemFanOut)
	}
}

func TestValidateRejectsPlainHTTPPublicURL(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("server:\n  public_url: \"http://example.com\"\n"))
	if err == nil {
		t.Fatal("want error for non-https public_url")
	}
}

func TestSnapshotDefaults(t *testing.T) {
	for _, key := range []string{"LLM_CACHE_ENABLED", "SEPARATION_CACHE_ENABLED", "TEXT_ANALYSIS_MODE", "USE_MULTI_STEP_MARKDOWN"} {
		t.Setenv(key, "")
	}
	rc := Snapshot()
	if !rc.LLMCacheEnabled || !rc.SeparationCacheEnabled {
		t.Errorf("caches disabled by default: %+v", rc)
	}
	if rc.TextAnalysisMode != types.TextAnalysisScript {
		t.Errorf("text analysis mode = %q", rc.TextAnalysisMode)
	}
	if rc.UseMultiStepMarkdown {
		t.Error("multi-step markdown on by default")
	}
}

func TestSnapshotBoolParsing(t *testing.T) {
	t.Setenv("LLM_CACHE_ENABLED", "false")
	t.Setenv("USE_MULTI_STEP_MARKDOWN", "TRUE")
	rc := Snapshot()
	if rc.LLMCacheEnabled {
		t.Error("LLM_CACHE_ENABLED=false not honoured")
	}
	if !rc.UseMultiStepMarkdown {
		t.Error("USE_MULTI_STEP_MARKDOWN=TRUE not honoured")
	}
}

func TestModelID(t *testing.T) {
	rc := RunConfig{FastModelID: "vendor/fast-1", LocalModel: "llama-local"}

	if id, err := rc.ModelID(types.LLMModeFast); err != nil || id != "vendor/fast-1" {
		t.Errorf("fast = %q, %v", id, err)
	}
	if id, err := rc.ModelID(types.LLMModeLocal); err != nil || id != "llama-local" {
		t.Errorf("local = %q, %v", id, err)
	}
	if _, err := rc.ModelID(types.LLMModeSmart); !errors.Is(err, ErrMissingCredentials) {
		t.Errorf("smart without SMART_MODEL_ID: err = %v", err)
	}
	if id, err := rc.ModelID(types.LLMModeGemini25); err != nil || id == "" {
		t.Errorf("gemini25 = %q, %v", id, err)
	}
}

func TestValidateForReportsAllMissingKeys(t *testing.T) {
	rc := RunConfig{}
	err := rc.ValidateFor(types.Request{
		Engine:       types.EngineSpeechmaticsBatch,
		PipelineMode: types.PipelineAudioShake,
		LLMMode:      types.LLMModeFast,
	})
	if !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("err = %v, want ErrMissingCredentials", err)
	}
	for _, want := range []string{"SPEECHMATICS_API_KEY", "AUDIOSHAKE_API_KEY", "OPENROUTER_API_KEY", "FAST_MODEL_ID"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %s: %v", want, err)
		}
	}
}

func TestValidateForPasses(t *testing.T) {
	rc := RunConfig{
		SpeechmaticsAPIKey: "k",
		HuggingFaceToken:   "t",
		OpenRouterAPIKey:   "o",
		FastModelID:        "vendor/fast-1",
	}
	err := rc.ValidateFor(types.Request{
		Engine:       types.EngineSpeechmaticsBatch,
		PipelineMode: types.PipelinePyAnnote,
		LLMMode:      types.LLMModeFast,
	})
	if err != nil {
		t.Fatalf("ValidateFor: %v", err)
	}
}

func TestRegistryUnregistered(t *testing.T) {
	r := NewRegistry()
	if _, err := r.CreateASR(types.EngineAzureBatch, RunConfig{}); !errors.Is(err, ErrProviderNotRegistered) {
		t.Fatalf("err = %v, want ErrProviderNotRegistered", err)
	}
}
