package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mykolastupakov-spsoft/crosstalk/pkg/types"
)

// ErrMissingCredentials marks a configuration error: the selected back-end
// has no API key. Surfaced at pipeline entry, never retried.
var ErrMissingCredentials = errors.New("config: missing credentials")

// RunConfig is the immutable per-request snapshot of the environment.
//
// Model IDs and feature toggles are re-read on every request rather than
// once at startup: the resolved model ID participates in the LLM cache key,
// so a stale snapshot would poison the cache after an operator rotates
// models without restarting the server.
type RunConfig struct {
	SpeechmaticsAPIKey string
	AzureSpeechKey     string
	AzureSpeechRegion  string

	AudioShakeAPIKey string
	HuggingFaceToken string

	OpenRouterAPIKey string
	GeminiAPIKey     string
	LocalBaseURL     string
	LocalAPIKey      string
	LocalModel       string

	FastModelID   string
	SmartModelID  string
	Smart2ModelID string
	TestModelID   string
	Test2ModelID  string

	LLMCacheEnabled        bool
	SeparationCacheEnabled bool
	UseMultiStepMarkdown   bool
	TextAnalysisMode       types.TextAnalysisMode
	DemoLLMMode            string

	PublicURL  string
	HistoryDSN string
}

// Snapshot reads the environment into a RunConfig.
func Snapshot() RunConfig {
	rc := RunConfig{
		SpeechmaticsAPIKey: os.Getenv("SPEECHMATICS_API_KEY"),
		AzureSpeechKey:     os.Getenv("AZURE_SPEECH_KEY"),
		AzureSpeechRegion:  os.Getenv("AZURE_SPEECH_REGION"),

		AudioShakeAPIKey: os.Getenv("AUDIOSHAKE_API_KEY"),
		HuggingFaceToken: os.Getenv("HUGGINGFACE_TOKEN"),

		OpenRouterAPIKey: os.Getenv("OPENROUTER_API_KEY"),
		GeminiAPIKey:     os.Getenv("GOOGLE_GEMINI_API_KEY"),
		LocalBaseURL:     os.Getenv("LOCAL_LLM_BASE_URL"),
		LocalAPIKey:      os.Getenv("LOCAL_LLM_API_KEY"),
		LocalModel:       os.Getenv("LOCAL_LLM_MODEL"),

		FastModelID:   os.Getenv("FAST_MODEL_ID"),
		SmartModelID:  os.Getenv("SMART_MODEL_ID"),
		Smart2ModelID: os.Getenv("SMART_2_MODEL_ID"),
		TestModelID:   os.Getenv("TEST_MODEL_ID"),
		Test2ModelID:  os.Getenv("TEST2_MODEL_ID"),

		LLMCacheEnabled:        boolEnv("LLM_CACHE_ENABLED", true),
		SeparationCacheEnabled: boolEnv("SEPARATION_CACHE_ENABLED", true),
		UseMultiStepMarkdown:   boolEnv("USE_MULTI_STEP_MARKDOWN", false),
		TextAnalysisMode:       types.TextAnalysisMode(os.Getenv("TEXT_ANALYSIS_MODE")),
		DemoLLMMode:            os.Getenv("DEMO_LLM_MODE"),

		PublicURL:  os.Getenv("PUBLIC_URL"),
		HistoryDSN: os.Getenv("CROSSTALK_HISTORY_DSN"),
	}
	if rc.TextAnalysisMode == "" {
		rc.TextAnalysisMode = types.TextAnalysisScript
	}
	return rc
}

// ModelID resolves the chat model ID for mode from the snapshot.
func (rc RunConfig) ModelID(mode types.LLMMode) (string, error) {
	var id, key string
	switch mode {
	case types.LLMModeLocal:
		id, key = rc.LocalModel, "LOCAL_LLM_MODEL"
	case types.LLMModeFast:
		id, key = rc.FastModelID, "FAST_MODEL_ID"
	case types.LLMModeSmart:
		id, key = rc.SmartModelID, "SMART_MODEL_ID"
	case types.LLMModeSmart2:
		id, key = rc.Smart2ModelID, "SMART_2_MODEL_ID"
	case types.LLMModeTest:
		id, key = rc.TestModelID, "TEST_MODEL_ID"
	case types.LLMModeTest2:
		id, key = rc.Test2ModelID, "TEST2_MODEL_ID"
	case types.LLMModeGemini25:
		return "gemini-2.5-pro", nil
	default:
		return "", fmt.Errorf("config: unknown llm mode %q", mode)
	}
	if id == "" {
		return "", fmt.Errorf("config: llm mode %q: %s is not set: %w", mode, key, ErrMissingCredentials)
	}
	return id, nil
}

// ValidateFor fails fast when the request selects back-ends the snapshot has
// no credentials for. All missing keys are reported at once.
func (rc RunConfig) ValidateFor(req types.Request) error {
	var errs []error

	switch req.Engine {
	case types.EngineSpeechmaticsBatch:
		if rc.SpeechmaticsAPIKey == "" {
			errs = append(errs, fmt.Errorf("engine %s: SPEECHMATICS_API_KEY is not set: %w", req.Engine, ErrMissingCredentials))
		}
	case types.EngineAzureBatch, types.EngineAzureRealtime:
		if rc.AzureSpeechKey == "" || rc.AzureSpeechRegion == "" {
			errs = append(errs, fmt.Errorf("engine %s: AZURE_SPEECH_KEY and AZURE_SPEECH_REGION must be set: %w", req.Engine, ErrMissingCredentials))
		}
	}

	switch req.PipelineMode {
	case types.PipelineAudioShake:
		if rc.AudioShakeAPIKey == "" {
			errs = append(errs, fmt.Errorf("pipeline %s: AUDIOSHAKE_API_KEY is not set: %w", req.PipelineMode, ErrMissingCredentials))
		}
	case types.PipelinePyAnnote:
		if rc.HuggingFaceToken == "" {
			errs = append(errs, fmt.Errorf("pipeline %s: HUGGINGFACE_TOKEN is not set: %w", req.PipelineMode, ErrMissingCredentials))
		}
	}

	switch {
	case req.LLMMode == types.LLMModeLocal:
		if rc.LocalBaseURL == "" {
			errs = append(errs, fmt.Errorf("llm mode local: LOCAL_LLM_BASE_URL is not set: %w", ErrMissingCredentials))
		}
	case req.LLMMode == types.LLMModeGemini25:
		if rc.GeminiAPIKey == "" {
			errs = append(errs, fmt.Errorf("llm mode gemini25: GOOGLE_GEMINI_API_KEY is not set: %w", ErrMissingCredentials))
		}
	default:
		if rc.OpenRouterAPIKey == "" {
			errs = append(errs, fmt.Errorf("llm mode %s: OPENROUTER_API_KEY is not set: %w", req.LLMMode, ErrMissingCredentials))
		}
	}
	if _, err := rc.ModelID(req.LLMMode); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func boolEnv(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "":
		return def
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
