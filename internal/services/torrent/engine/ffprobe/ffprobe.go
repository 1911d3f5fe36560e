package ffprobe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"torrentcast/internal/domain"
)

type Prober struct {
	binary string
}

func New(binary string) *Prober {
	bin := strings.TrimSpace(binary)
	if bin == "" {
		bin = "ffprobe"
	}
	return &Prober{binary: bin}
}

// Stream is one audio or subtitle stream. Index counts streams of the same
// type, which is what ffmpeg's 0:a:N / 0:s:N selectors expect.
type Stream struct {
	Index    int
	Codec    string
	Profile  string
	Language string
	Title    string
	Channels int
	Default  bool
}

type Result struct {
	Audio     []Stream
	Subtitles []Stream
	Chapters  []domain.Chapter
	Duration  *float64
}

func (p *Prober) Probe(ctx context.Context, filePath string) (Result, error) {
	path := strings.TrimSpace(filePath)
	if path == "" {
		return Result{}, errors.New("file path is required")
	}

	return p.runProbe(ctx, []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		"-show_chapters",
		path,
	})
}

const maxProbeTimeout = 30 * time.Second

func (p *Prober) runProbe(ctx context.Context, args []string) (Result, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, maxProbeTimeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, p.binary, args...)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("%w: %s: %v", domain.ErrSubprocessSpawn, p.binary, err)
	}
	runErr := cmd.Wait()

	res, parseErr := parseProbeOutput(stdout.Bytes())
	if parseErr != nil {
		if runErr != nil {
			return Result{}, probeFailure(runErr, stderr.String())
		}
		return Result{}, fmt.Errorf("%w: ffprobe output parse failed: %v", domain.ErrSubprocessFailed, parseErr)
	}

	// A truncated sample can make ffprobe exit non-zero while stdout still
	// carries usable stream metadata.
	if runErr != nil && len(res.Audio) == 0 && len(res.Subtitles) == 0 {
		return Result{}, probeFailure(runErr, stderr.String())
	}

	return res, nil
}

func probeFailure(runErr error, stderr string) error {
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		return fmt.Errorf("%w: ffprobe: %v", domain.ErrSubprocessFailed, runErr)
	}
	return fmt.Errorf("%w: ffprobe: %v: %s", domain.ErrSubprocessFailed, runErr, msg)
}

// probePayload is the subset of ffprobe JSON output we parse.
type probePayload struct {
	Streams  []probeStream  `json:"streams"`
	Format   probeFormat    `json:"format"`
	Chapters []probeChapter `json:"chapters"`
}

type probeStream struct {
	CodecType   string            `json:"codec_type"`
	CodecName   string            `json:"codec_name"`
	Profile     string            `json:"profile"`
	Channels    int               `json:"channels"`
	Tags        map[string]string `json:"tags"`
	Disposition struct {
		Default int `json:"default"`
	} `json:"disposition"`
}

type probeFormat struct {
	Duration string `json:"duration"`
}

type probeChapter struct {
	ID        int64             `json:"id"`
	StartTime string            `json:"start_time"`
	EndTime   string            `json:"end_time"`
	Tags      map[string]string `json:"tags"`
}

func parseProbeOutput(data []byte) (Result, error) {
	var payload probePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Result{}, err
	}

	var res Result
	for _, stream := range payload.Streams {
		s := Stream{
			Codec:    stream.CodecName,
			Profile:  stream.Profile,
			Language: strings.TrimSpace(getTag(stream.Tags, "language")),
			Title:    strings.TrimSpace(getTag(stream.Tags, "title")),
			Channels: stream.Channels,
			Default:  stream.Disposition.Default == 1,
		}
		if s.Language == "" {
			s.Language = domain.UndeterminedLanguage
		}
		switch stream.CodecType {
		case "audio":
			s.Index = len(res.Audio)
			res.Audio = append(res.Audio, s)
		case "subtitle":
			s.Index = len(res.Subtitles)
			res.Subtitles = append(res.Subtitles, s)
		}
	}

	for i, ch := range payload.Chapters {
		res.Chapters = append(res.Chapters, domain.Chapter{
			Index:     i,
			Title:     strings.TrimSpace(getTag(ch.Tags, "title")),
			StartTime: parseSeconds(ch.StartTime),
			EndTime:   parseSeconds(ch.EndTime),
		})
	}

	if d := parseSeconds(payload.Format.Duration); d > 0 {
		res.Duration = &d
	}
	return res, nil
}

func parseSeconds(raw string) float64 {
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

func getTag(tags map[string]string, key string) string {
	if len(tags) == 0 {
		return ""
	}
	if value, ok := tags[key]; ok {
		return value
	}
	upper := strings.ToUpper(key)
	if value, ok := tags[upper]; ok {
		return value
	}
	lower := strings.ToLower(key)
	if value, ok := tags[lower]; ok {
		return value
	}
	return ""
}
