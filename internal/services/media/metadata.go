package media

import (
	"fmt"

	"torrentcast/internal/codec"
	"torrentcast/internal/domain"
	"torrentcast/internal/services/torrent/engine/ffprobe"
)

// AudioStreamPath is the live transcode endpoint for one audio track.
func AudioStreamPath(sid domain.SessionID, fileIndex, track int) string {
	return fmt.Sprintf("/sessions/%s/audio-stream/%d/%d", sid, fileIndex, track)
}

// BuildMetadata classifies probe output into MediaMetadata.
func BuildMetadata(res ffprobe.Result, sid domain.SessionID, fileIndex int) domain.MediaMetadata {
	meta := domain.MediaMetadata{
		AudioTracks:    make([]domain.AudioTrack, 0, len(res.Audio)),
		SubtitleTracks: make([]domain.SubtitleTrack, 0, len(res.Subtitles)),
		Chapters:       append([]domain.Chapter{}, res.Chapters...),
		Duration:       res.Duration,
	}
	for _, s := range res.Audio {
		track := domain.AudioTrack{
			Index:            s.Index,
			Language:         languageOrUnd(s.Language),
			Codec:            s.Codec,
			Name:             trackName(s.Title, s.Language, "Audio", s.Index),
			Channels:         s.Channels,
			Default:          s.Default,
			NeedsTranscoding: codec.NeedsTranscoding(s.Codec, s.Profile),
		}
		if track.NeedsTranscoding {
			track.TranscodedURL = AudioStreamPath(sid, fileIndex, s.Index)
			meta.NeedsAudioTranscoding = true
		}
		meta.AudioTracks = append(meta.AudioTracks, track)
	}
	for _, s := range res.Subtitles {
		meta.SubtitleTracks = append(meta.SubtitleTracks, domain.SubtitleTrack{
			Index:    s.Index,
			Language: languageOrUnd(s.Language),
			Codec:    s.Codec,
			Name:     trackName(s.Title, s.Language, "Subtitle", s.Index),
			Default:  s.Default,
		})
	}
	return meta
}

func languageOrUnd(lang string) string {
	if lang == "" {
		return domain.UndeterminedLanguage
	}
	return lang
}
