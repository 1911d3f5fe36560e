package codec

import (
	"sort"
	"testing"
)

func TestParseAudio(t *testing.T) {
	tests := []struct {
		input    string
		expected Audio
		ok       bool
	}{
		{"aac", AudioAAC, true},
		{"mp4a", AudioAAC, true},
		{"A_AAC", AudioAAC, true},
		{"a_mpeg/l3", AudioMP3, true},
		{"libmp3lame", AudioMP3, true},
		{"libopus", AudioOpus, true},
		{"a_vorbis", AudioVorbis, true},
		{"a_flac", AudioFLAC, true},
		{"ac3", AudioAC3, true},
		{"E-AC-3", AudioEAC3, true},
		{"dca", AudioDTS, true},
		{"mlp", AudioTrueHD, true},
		{"pcm_s24le", AudioPCM, true},
		{" flac ", AudioFLAC, true},
		{"", "", false},
		{"vendor_xyz", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := ParseAudio(tt.input)
			if ok != tt.ok {
				t.Errorf("ParseAudio(%q) ok = %v, want %v", tt.input, ok, tt.ok)
			}
			if got != tt.expected {
				t.Errorf("ParseAudio(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestNeedsTranscoding(t *testing.T) {
	tests := []struct {
		codec   string
		profile string
		want    bool
	}{
		{"aac", "LC", false},
		{"mp3", "", false},
		{"opus", "", false},
		{"vorbis", "", false},
		{"flac", "", false},
		{"AAC", "HE-AAC", false},
		{"ac3", "", true},
		{"eac3", "", true},
		{"dts", "DTS-HD MA", true},
		{"dts", "", true},
		{"truehd", "", true},
		{"pcm_s16le", "", true},
		{"unknown-vendor-codec", "", true},
		{"", "", true},
		{"flac", "TrueHD Atmos", true},
	}

	for _, tt := range tests {
		t.Run(tt.codec+"/"+tt.profile, func(t *testing.T) {
			if got := NeedsTranscoding(tt.codec, tt.profile); got != tt.want {
				t.Errorf("NeedsTranscoding(%q, %q) = %v, want %v", tt.codec, tt.profile, got, tt.want)
			}
		})
	}
}

func TestPlayableAudioCodecs(t *testing.T) {
	got := PlayableAudioCodecs()
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	want := []Audio{AudioAAC, AudioFLAC, AudioMP3, AudioOpus, AudioVorbis}
	if len(got) != len(want) {
		t.Fatalf("PlayableAudioCodecs() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("PlayableAudioCodecs() = %v, want %v", got, want)
		}
	}
}

func TestAliasesAreUnique(t *testing.T) {
	seen := make(map[string]Audio)
	for codec, info := range audioRegistry {
		for _, alias := range info.Aliases {
			if prev, ok := seen[alias]; ok {
				t.Fatalf("alias %q registered for both %s and %s", alias, prev, codec)
			}
			seen[alias] = codec
		}
	}
}
