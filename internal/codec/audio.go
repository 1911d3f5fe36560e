// Package codec classifies audio codecs by whether a browser can play them
// directly or they have to be transcoded to AAC first.
package codec

import "strings"

// Audio is a canonical audio codec name.
type Audio string

const (
	AudioAAC    Audio = "aac"
	AudioMP3    Audio = "mp3"
	AudioOpus   Audio = "opus"
	AudioVorbis Audio = "vorbis"
	AudioFLAC   Audio = "flac"
	AudioAC3    Audio = "ac3"
	AudioEAC3   Audio = "eac3"
	AudioDTS    Audio = "dts"
	AudioTrueHD Audio = "truehd"
	AudioPCM    Audio = "pcm"
)

func (a Audio) String() string {
	return string(a)
}

type audioInfo struct {
	Aliases []string
	// Playable is true when browsers decode the codec natively.
	Playable bool
}

var audioRegistry = map[Audio]*audioInfo{
	AudioAAC:    {Aliases: []string{"aac", "mp4a", "a_aac", "libfdk_aac", "aac_latm"}, Playable: true},
	AudioMP3:    {Aliases: []string{"mp3", "mp3float", "a_mpeg/l3", "libmp3lame"}, Playable: true},
	AudioOpus:   {Aliases: []string{"opus", "a_opus", "libopus"}, Playable: true},
	AudioVorbis: {Aliases: []string{"vorbis", "a_vorbis", "libvorbis"}, Playable: true},
	AudioFLAC:   {Aliases: []string{"flac", "a_flac", "libflac"}, Playable: true},
	AudioAC3:    {Aliases: []string{"ac3", "ac-3", "a52", "a_ac3", "ac3_fixed"}},
	AudioEAC3:   {Aliases: []string{"eac3", "ec-3", "e-ac-3", "a_eac3"}},
	AudioDTS:    {Aliases: []string{"dts", "dca", "a_dts"}},
	AudioTrueHD: {Aliases: []string{"truehd", "mlp", "a_truehd"}},
	AudioPCM:    {Aliases: []string{"pcm", "a_pcm"}},
}

// deniedProfiles catches codecs whose name looks playable but whose profile
// text marks a variant browsers reject.
var deniedProfiles = []string{"dts-hd", "dts:x", "truehd", "atmos"}

var audioAliasIndex map[string]Audio

func init() {
	audioAliasIndex = make(map[string]Audio)
	for codec, info := range audioRegistry {
		for _, alias := range info.Aliases {
			audioAliasIndex[strings.ToLower(alias)] = codec
		}
	}
}

// ParseAudio maps a codec name, alias or encoder to its canonical codec.
func ParseAudio(s string) (Audio, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", false
	}
	if codec, ok := audioAliasIndex[s]; ok {
		return codec, true
	}
	// pcm_s16le, pcm_f32be and friends.
	if strings.HasPrefix(s, "pcm_") {
		return AudioPCM, true
	}
	return "", false
}

// NeedsTranscoding reports whether an audio stream with the given codec and
// profile must be converted before a browser can play it. Unknown codecs
// need transcoding.
func NeedsTranscoding(codecName, profile string) bool {
	codec, ok := ParseAudio(codecName)
	if !ok {
		return true
	}
	if !audioRegistry[codec].Playable {
		return true
	}
	p := strings.ToLower(profile)
	for _, denied := range deniedProfiles {
		if strings.Contains(p, denied) {
			return true
		}
	}
	return false
}

// PlayableAudioCodecs lists the canonical codecs that stream without
// transcoding.
func PlayableAudioCodecs() []Audio {
	out := make([]Audio, 0, len(audioRegistry))
	for codec, info := range audioRegistry {
		if info.Playable {
			out = append(out, codec)
		}
	}
	return out
}
