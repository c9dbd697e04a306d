package cache

import (
	"strings"
	"testing"

	"github.com/mykolastupakov-spsoft/crosstalk/pkg/types"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"call recording (final).wav", "call_recording_final_wav"},
		{"___already__clean___", "already_clean"},
		{"ok-name_123", "ok-name_123"},
		{"", "audio"},
		{"!!!", "audio"},
	}
	for _, tt := range tests {
		if got := SanitizeName(tt.in); got != tt.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDiarizationKey(t *testing.T) {
	got := DiarizationKey("call 1.wav", "en", 2, types.DiarizeMix, types.EngineSpeechmaticsBatch)
	want := "call_1_wav_en_2_mix_" + string(types.EngineSpeechmaticsBatch)
	if got != want {
		t.Fatalf("DiarizationKey = %q, want %q", got, want)
	}
	auto := DiarizationKey("call 1.wav", "en", 0, types.DiarizeChannel, types.EngineSpeechmaticsBatch)
	if !strings.Contains(auto, "_auto_channel_") {
		t.Fatalf("auto hint missing: %q", auto)
	}
}

func TestSeparationKey(t *testing.T) {
	plain := SeparationKey("mix.mp3", types.PipelinePyAnnote, "")
	if plain != "sep_mix_mp3_"+string(types.PipelinePyAnnote) {
		t.Fatalf("SeparationKey = %q", plain)
	}
	hashed := SeparationKey("mix.mp3", types.PipelinePyAnnote, "abcdef0123456789deadbeef")
	if !strings.HasSuffix(hashed, "_abcdef0123456789") {
		t.Fatalf("hash not truncated to 16: %q", hashed)
	}
}

func TestLLMKeyDemoSuffix(t *testing.T) {
	base := LLMKey("rec", "prompt text", "gpt-5", types.LLMModeFast, "markdown-fixes", "")
	demo := LLMKey("rec", "prompt text", "gpt-5", types.LLMModeFast, "markdown-fixes", "local")
	if base == demo {
		t.Fatal("demo mode must change the key")
	}
	if !strings.HasSuffix(demo, "_demo_local") {
		t.Fatalf("demo suffix missing: %q", demo)
	}
	// Identical inputs must fingerprint identically.
	if again := LLMKey("rec", "prompt text", "gpt-5", types.LLMModeFast, "markdown-fixes", ""); again != base {
		t.Fatalf("key not deterministic: %q vs %q", again, base)
	}
	// A one-character prompt change must change the key.
	if other := LLMKey("rec", "prompt text!", "gpt-5", types.LLMModeFast, "markdown-fixes", ""); other == base {
		t.Fatal("prompt change did not change the key")
	}
}

func TestRoleKeyShape(t *testing.T) {
	k := RoleKey("hello how can I help", "en", types.LLMModeFast)
	parts := strings.Split(k, "_")
	if len(parts) != 3 {
		t.Fatalf("key parts = %d (%q), want 3", len(parts), k)
	}
	if len(parts[0]) != 16 {
		t.Fatalf("hash prefix length = %d, want 16", len(parts[0]))
	}
}
