package transcode

import (
	"context"
	"errors"
	"strings"
	"testing"

	"torrentcast/internal/domain"
)

func TestAudioArgs(t *testing.T) {
	got := strings.Join(AudioArgs(2, "128k"), " ")
	want := "-hide_banner -loglevel error -i pipe:0 -map 0:a:2 -vn -sn -c:a aac -b:a 128k -ac 2 -f adts -progress pipe:3 pipe:1"
	if got != want {
		t.Fatalf("AudioArgs =\n%s\nwant\n%s", got, want)
	}
}

func TestAudioArgsDefaultBitrate(t *testing.T) {
	args := AudioArgs(0, "")
	for i, a := range args {
		if a == "-b:a" {
			if args[i+1] != defaultAudioBitrate {
				t.Fatalf("bitrate = %q, want %q", args[i+1], defaultAudioBitrate)
			}
			return
		}
	}
	t.Fatal("-b:a missing")
}

func TestParseOutTime(t *testing.T) {
	tests := []struct {
		line string
		want int64
		ok   bool
	}{
		{"out_time_us=1500000", 1500000, true},
		{"  out_time_us=42\n", 42, true},
		{"out_time_us=N/A", 0, false},
		{"out_time_us=-5", 0, false},
		{"out_time_ms=1500000", 0, false},
		{"progress=continue", 0, false},
	}
	for _, tc := range tests {
		got, ok := parseOutTime(tc.line)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("parseOutTime(%q) = %d,%v want %d,%v", tc.line, got, ok, tc.want, tc.ok)
		}
	}
}

func TestFFmpegTransformMissingBinary(t *testing.T) {
	tr := NewFFmpegTransform("/nonexistent/ffmpeg-binary", AudioArgs(0, ""))
	err := tr.Start(context.Background())
	if !errors.Is(err, domain.ErrSubprocessSpawn) {
		t.Fatalf("Start err = %v, want ErrSubprocessSpawn", err)
	}
	if tr.Pid() != 0 {
		t.Fatal("pid should be zero when start failed")
	}
	if err := tr.Wait(); !errors.Is(err, domain.ErrSubprocessSpawn) {
		t.Fatalf("Wait err = %v, want ErrSubprocessSpawn", err)
	}
}

func TestNewFFmpegTransformDefaultBinary(t *testing.T) {
	if tr := NewFFmpegTransform("  ", nil); tr.binary != "ffmpeg" {
		t.Fatalf("binary = %q, want ffmpeg", tr.binary)
	}
}

func TestTailBufferKeepsEnd(t *testing.T) {
	b := NewTailBuffer(8)
	b.Write([]byte("0123456789"))
	b.Write([]byte("ab"))
	if got := b.String(); got != "456789ab" {
		t.Fatalf("tail = %q, want %q", got, "456789ab")
	}
}
