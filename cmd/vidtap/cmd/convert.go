package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/vidtap/internal/admission"
	"github.com/jmylchreest/vidtap/internal/observability"
	"github.com/jmylchreest/vidtap/internal/service"
)

var convertCmd = &cobra.Command{
	Use:   "convert SOURCE [DESTINATION]",
	Short: "Convert one source to audio and exit",
	Long: `Convert a single source through the same admission, pipeline and job
history as the server, then print the destination object as JSON.

DESTINATION defaults to conversion.default_destination joined with the
source name. An existing destination is reused without converting.

Exits with 75 (EX_TEMPFAIL) when no capacity was available, so callers can
retry later.`,
	Example: `  vidtap convert s3://videos/talks/keynote.mp4 s3://audio/talks/keynote.mp3
  vidtap convert file:///srv/in/clip.mkv --meta team=media --meta lang=en`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runConvert,
}

func init() {
	rootCmd.AddCommand(convertCmd)
	convertCmd.Flags().StringArray("meta", nil, "metadata key=value stored on the destination (repeatable)")
}

func runConvert(cmd *cobra.Command, args []string) (err error) {
	logger := slog.Default()

	pairs, _ := cmd.Flags().GetStringArray("meta")
	meta, err := parseMeta(pairs)
	if err != nil {
		return err
	}

	req := service.ConvertRequest{Source: args[0], Metadata: meta}
	if len(args) > 1 {
		req.Destination = args[1]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	done := observability.TimedOperationWithError(ctx, logger, "convert", &err)
	defer done()

	result, err := a.converter.Convert(ctx, req)
	if err != nil {
		return convertExitError(err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// convertExitError maps "try again later" failures to EX_TEMPFAIL.
func convertExitError(err error) error {
	if errors.Is(err, service.ErrBusy) || errors.Is(err, admission.ErrAdmissionTimeout) {
		return &exitError{code: exitTempFail, err: err}
	}
	return err
}

// parseMeta parses repeated key=value flags.
func parseMeta(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --meta %q: expected key=value", pair)
		}
		meta[k] = v
	}
	return meta, nil
}
