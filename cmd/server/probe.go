package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"torrentcast/internal/app"
	"torrentcast/internal/domain"
	"torrentcast/internal/services/media"
	"torrentcast/internal/services/torrent/engine/ffprobe"
)

var probeCmd = &cobra.Command{
	Use:   "probe <file>",
	Short: "Print the media metadata the server would report for a local file",
	Long: `Run ffprobe on a local file and print the classified metadata as JSON:
audio and subtitle tracks, chapters, duration and whether audio needs
transcoding for browser playback.

Examples:
  torrentcast probe movie.mkv
  torrentcast probe --pretty --session abc123 movie.mkv`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)

	probeCmd.Flags().Bool("pretty", false, "pretty-print JSON output")
	probeCmd.Flags().Duration("timeout", time.Minute, "probe timeout")
	probeCmd.Flags().String("session", "local", "session id used in audio stream paths")
	probeCmd.Flags().Int("file", 0, "file index used in audio stream paths")
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg := app.LoadConfig()
	pretty, _ := cmd.Flags().GetBool("pretty")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	session, _ := cmd.Flags().GetString("session")
	fileIndex, _ := cmd.Flags().GetInt("file")

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	res, err := ffprobe.New(cfg.FFProbePath).Probe(ctx, args[0])
	if err != nil {
		return fmt.Errorf("probe %s: %w", args[0], err)
	}
	meta := media.BuildMetadata(res, domain.SessionID(session), fileIndex)

	enc := json.NewEncoder(cmd.OutOrStdout())
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(meta)
}
