package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/vidtap/internal/ffmpeg"
)

var ffmpegCmd = &cobra.Command{
	Use:   "ffmpeg",
	Short: "ffmpeg diagnostics",
}

var ffmpegCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Locate ffmpeg and verify it can encode the audio profile",
	Long: `Locate ffmpeg (ffmpeg.binary_path, $VIDTAP_FFMPEG_BINARY, ./ffmpeg, then
$PATH), print what was found as JSON, and fail if the configured audio profile
cannot be encoded.`,
	RunE: runFFmpegCheck,
}

func init() {
	rootCmd.AddCommand(ffmpegCmd)
	ffmpegCmd.AddCommand(ffmpegCheckCmd)
}

func runFFmpegCheck(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	info, err := ffmpeg.NewBinaryDetector(appConfig.FFmpeg.BinaryPath).Detect(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), info.JSON())

	profile := ffmpeg.ProfileFromConfig(appConfig.FFmpeg)
	if err := profile.Validate(); err != nil {
		return fmt.Errorf("audio profile: %w", err)
	}
	if err := info.CheckProfile(profile); err != nil {
		return fmt.Errorf("ffmpeg cannot run the audio profile: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "ok: %s\n", profile.Args())
	return nil
}
