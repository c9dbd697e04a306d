package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mykolastupakov-spsoft/crosstalk/pkg/types"
)

// unsafeChars matches everything not allowed in a cache key component.
var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// underscoreRun collapses repeated separators left behind by sanitization.
var underscoreRun = regexp.MustCompile(`_+`)

// SanitizeName converts an arbitrary file base name into a key-safe token:
// unsafe characters become underscores, runs collapse, and leading/trailing
// underscores are stripped. An empty result defaults to "audio".
func SanitizeName(name string) string {
	s := unsafeChars.ReplaceAllString(name, "_")
	s = underscoreRun.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "audio"
	}
	return s
}

// shortHash returns the first 16 hex characters of sha256(s).
func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

// DiarizationKey fingerprints a primary or stem transcription request.
// speakerCount <= 0 means the engine chooses and is keyed as "auto".
func DiarizationKey(baseName, language string, speakerCount int, mode types.DiarizationMode, engine types.ASREngine) string {
	hint := "auto"
	if speakerCount > 0 {
		hint = strconv.Itoa(speakerCount)
	}
	return fmt.Sprintf("%s_%s_%s_%s_%s", SanitizeName(baseName), language, hint, mode, engine)
}

// SeparationKey fingerprints a source-separation request. audioHash is
// optional; when present its first 16 characters distinguish same-named
// uploads with different content.
func SeparationKey(baseName string, mode types.PipelineMode, audioHash string) string {
	key := fmt.Sprintf("sep_%s_%s", SanitizeName(baseName), mode)
	if audioHash != "" {
		if len(audioHash) > 16 {
			audioHash = audioHash[:16]
		}
		key += "_" + audioHash
	}
	return key
}

// LLMKey fingerprints a chat completion: the exact prompt text, the resolved
// model ID, the llm mode, and the pipeline variant all participate. demoMode,
// when set, suffixes the key so remote and local runs with identical prompts
// never share an entry.
func LLMKey(baseName, prompt, model string, mode types.LLMMode, variant, demoMode string) string {
	key := fmt.Sprintf("%s_%s_%s_%s_%s",
		SanitizeName(baseName), shortHash(prompt), SanitizeName(model), mode, variant)
	if demoMode != "" {
		key += "_demo_" + SanitizeName(demoMode)
	}
	return key
}

// RoleKey fingerprints a role-classification request by its transcript text.
func RoleKey(transcript, language string, mode types.LLMMode) string {
	return fmt.Sprintf("%s_%s_%s", shortHash(transcript), language, mode)
}
