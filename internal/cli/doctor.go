package cli

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/reframe/reframe-render/internal/config"
	"github.com/reframe/reframe-render/internal/renderer"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the rendering toolchain",
	Long: `Probe ffmpeg, ffprobe, the available encoders and, when enabled, the
enhancement module, and report what exports can use.`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().Bool("json", false, "Output as JSON")
}

// requiredEncoders are the encoders behind the supported output formats.
var requiredEncoders = []string{"libx264", "libvpx-vp9"}

func runDoctor(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := cliLogger(cfg)

	rend, err := newRenderer(cfg, logger)
	if err != nil {
		if jsonOutput {
			writeJSON(cmd.OutOrStdout(), &renderer.Capabilities{})
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "[FAIL] ffmpeg/ffprobe: %v\n", err)
		}
		return err
	}

	caps, probeErr := rend.RunDoctor(cmd.Context())
	if caps == nil {
		return probeErr
	}
	if jsonOutput {
		if err := writeJSON(cmd.OutOrStdout(), caps); err != nil {
			return err
		}
	} else {
		printDoctor(cmd.OutOrStdout(), cfg, caps)
	}
	if probeErr != nil {
		return probeErr
	}
	if missing := missingEncoders(caps); len(missing) > 0 {
		return fmt.Errorf("missing encoders: %s", strings.Join(missing, ", "))
	}
	return nil
}

func printDoctor(w io.Writer, cfg config.Config, caps *renderer.Capabilities) {
	check := func(ok bool, label, detail string) {
		mark := "[ OK ]"
		if !ok {
			mark = "[FAIL]"
		}
		if detail != "" {
			label += ": " + detail
		}
		fmt.Fprintf(w, "%s %s\n", mark, label)
	}

	check(caps.FFmpegAvailable, "ffmpeg", caps.FFmpegVersion)
	check(caps.FFprobeAvailable, "ffprobe", "")
	for _, enc := range requiredEncoders {
		check(hasEncoder(caps, enc), "encoder "+enc, "")
	}
	if cfg.EnhancerEnabled() {
		check(caps.EnhancerReady, "enhancer "+cfg.EnhancerModule(), caps.EnhancerError)
	} else {
		fmt.Fprintln(w, "[SKIP] enhancer: disabled")
	}
}

func missingEncoders(caps *renderer.Capabilities) []string {
	var missing []string
	for _, enc := range requiredEncoders {
		if !hasEncoder(caps, enc) {
			missing = append(missing, enc)
		}
	}
	return missing
}

func hasEncoder(caps *renderer.Capabilities, name string) bool {
	return slices.Contains(caps.Encoders, name)
}
