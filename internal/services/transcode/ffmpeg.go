package transcode

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"torrentcast/internal/domain"
)

const defaultAudioBitrate = "192k"

// AudioArgs builds the ffmpeg arguments for live AAC conversion of one
// audio track read from stdin. Progress goes to fd 3.
func AudioArgs(track int, bitrate string) []string {
	if bitrate == "" {
		bitrate = defaultAudioBitrate
	}
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", "pipe:0",
		"-map", fmt.Sprintf("0:a:%d", track),
		"-vn", "-sn",
		"-c:a", "aac",
		"-b:a", bitrate,
		"-ac", "2",
		"-f", "adts",
		"-progress", "pipe:3",
		"pipe:1",
	}
}

// FFmpegTransform runs ffmpeg with stdin and stdout as pipes.
type FFmpegTransform struct {
	binary string
	args   []string

	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdout     io.Reader
	stderr     *TailBuffer
	progressUs atomic.Int64
}

func NewFFmpegTransform(binary string, args []string) *FFmpegTransform {
	bin := strings.TrimSpace(binary)
	if bin == "" {
		bin = "ffmpeg"
	}
	return &FFmpegTransform{binary: bin, args: args, stderr: NewTailBuffer(0)}
}

// NewAudioFactory returns a Factory producing AAC transforms for a track.
func NewAudioFactory(binary, bitrate string) Factory {
	return func(track int) Transform {
		return NewFFmpegTransform(binary, AudioArgs(track, bitrate))
	}
}

func (f *FFmpegTransform) Start(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, f.binary, f.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: stdin pipe: %v", domain.ErrSubprocessSpawn, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: stdout pipe: %v", domain.ErrSubprocessSpawn, err)
	}
	cmd.Stderr = f.stderr

	progressR, progressW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("%w: progress pipe: %v", domain.ErrSubprocessSpawn, err)
	}
	cmd.ExtraFiles = []*os.File{progressW}

	if err := cmd.Start(); err != nil {
		progressR.Close()
		progressW.Close()
		return fmt.Errorf("%w: %s: %v", domain.ErrSubprocessSpawn, f.binary, err)
	}
	progressW.Close()
	go f.parseProgress(progressR)

	f.cmd = cmd
	f.stdin = stdin
	f.stdout = stdout
	return nil
}

func (f *FFmpegTransform) Stdin() io.WriteCloser { return f.stdin }

func (f *FFmpegTransform) Stdout() io.Reader { return f.stdout }

func (f *FFmpegTransform) Wait() error {
	if f.cmd == nil {
		return fmt.Errorf("%w: not started", domain.ErrSubprocessSpawn)
	}
	if err := f.cmd.Wait(); err != nil {
		if tail := f.stderr.String(); tail != "" {
			return fmt.Errorf("%w: %v: %s", domain.ErrSubprocessFailed, err, tail)
		}
		return fmt.Errorf("%w: %v", domain.ErrSubprocessFailed, err)
	}
	return nil
}

func (f *FFmpegTransform) Kill() {
	if f.cmd != nil && f.cmd.Process != nil {
		_ = f.cmd.Process.Kill()
	}
}

func (f *FFmpegTransform) Progress() time.Duration {
	return time.Duration(f.progressUs.Load()) * time.Microsecond
}

// Pid is exposed for resource sampling; 0 before Start.
func (f *FFmpegTransform) Pid() int {
	if f.cmd == nil || f.cmd.Process == nil {
		return 0
	}
	return f.cmd.Process.Pid
}

func (f *FFmpegTransform) Stderr() string {
	return f.stderr.String()
}

func (f *FFmpegTransform) parseProgress(r io.ReadCloser) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if us, ok := parseOutTime(scanner.Text()); ok {
			f.progressUs.Store(us)
		}
	}
}

// parseOutTime extracts out_time_us from one -progress line. ffmpeg prints
// N/A before the first frame.
func parseOutTime(line string) (int64, bool) {
	raw, ok := strings.CutPrefix(strings.TrimSpace(line), "out_time_us=")
	if !ok {
		return 0, false
	}
	us, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || us < 0 {
		return 0, false
	}
	return us, true
}
