package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/reframe/reframe-render/internal/planner"
)

var planCmd = &cobra.Command{
	Use:   "plan <request.yaml>",
	Short: "Print the per-frame plan of an export request",
	Long: `Compute the source time and crop window of every output frame of an
export request without rendering anything. The planner is the same one used
by export, so the output is exactly what would be rendered.

The request file is YAML or JSON. It is either a bare export config or an
object with "resource_key" and "config".

Examples:
  reframed plan request.yaml
  reframed plan request.json --every 30
  reframed plan request.yaml --json | jq '.frames[0]'`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func init() {
	rootCmd.AddCommand(planCmd)
	planCmd.Flags().Bool("json", false, "Output as JSON")
	planCmd.Flags().Int("every", 1, "Print every Nth frame")
	planCmd.Flags().Int("limit", 0, "Print at most N frames (0 = all)")
}

type planRequest struct {
	ResourceKey string            `json:"resource_key,omitempty"`
	Config      *planner.Snapshot `json:"config,omitempty"`
}

type planFrame struct {
	planner.FrameTransform
	PixelX      int `json:"px"`
	PixelY      int `json:"py"`
	PixelWidth  int `json:"pwidth"`
	PixelHeight int `json:"pheight"`
}

type planOutput struct {
	ResourceKey  string      `json:"resource_key,omitempty"`
	FrameRate    float64     `json:"frame_rate"`
	FrameCount   int         `json:"frame_count"`
	Duration     float64     `json:"visual_duration"`
	OutputWidth  int         `json:"output_width"`
	OutputHeight int         `json:"output_height"`
	Frames       []planFrame `json:"frames"`
}

func runPlan(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	every, _ := cmd.Flags().GetInt("every")
	limit, _ := cmd.Flags().GetInt("limit")
	if every <= 0 {
		return fmt.Errorf("--every must be positive")
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read request: %w", err)
	}
	key, snap, err := decodeRequest(data)
	if err != nil {
		return err
	}

	out, err := buildPlan(snap, every, limit)
	if err != nil {
		return err
	}
	out.ResourceKey = key

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	return printPlan(cmd.OutOrStdout(), out)
}

// decodeRequest reads a YAML or JSON request. YAML is converted through JSON
// so the config types need only one set of field tags.
func decodeRequest(data []byte) (string, planner.Snapshot, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return "", planner.Snapshot{}, fmt.Errorf("parse request: %w", err)
	}
	asJSON, err := json.Marshal(raw)
	if err != nil {
		return "", planner.Snapshot{}, fmt.Errorf("parse request: %w", err)
	}

	var req planRequest
	if err := json.Unmarshal(asJSON, &req); err != nil {
		return "", planner.Snapshot{}, fmt.Errorf("parse request: %w", err)
	}
	if req.Config != nil {
		return req.ResourceKey, *req.Config, nil
	}

	var snap planner.Snapshot
	if err := json.Unmarshal(asJSON, &snap); err != nil {
		return "", planner.Snapshot{}, fmt.Errorf("parse config: %w", err)
	}
	return "", snap, nil
}

func buildPlan(snap planner.Snapshot, every, limit int) (*planOutput, error) {
	snap, err := planner.NewBuilder().
		Source(snap.Source).
		Keyframes(snap.Keyframes).
		SpeedRegions(snap.SpeedRegions).
		Output(snap.Output).
		MinCropSize(snap.MinCropSize).
		Build()
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	p, err := planner.New(snap)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	fps := snap.Output.FrameRate
	width, height, err := p.OutputSize()
	if err != nil {
		return nil, err
	}
	out := &planOutput{
		FrameRate:    fps,
		FrameCount:   p.FrameCount(fps),
		Duration:     p.Remapper().TotalVisualDuration(),
		OutputWidth:  width,
		OutputHeight: height,
	}

	for i := 0; i < out.FrameCount; i += every {
		if limit > 0 && len(out.Frames) >= limit {
			break
		}
		ft, err := p.PlanFrame(i, fps)
		if err != nil {
			return nil, err
		}
		px := ft.Crop.Pixels()
		out.Frames = append(out.Frames, planFrame{
			FrameTransform: ft,
			PixelX:         px.X,
			PixelY:         px.Y,
			PixelWidth:     px.Width,
			PixelHeight:    px.Height,
		})
	}
	return out, nil
}

func printPlan(w io.Writer, out *planOutput) error {
	fmt.Fprintf(w, "%d frames at %.3f fps (%.3fs), output %dx%d\n\n",
		out.FrameCount, out.FrameRate, out.Duration, out.OutputWidth, out.OutputHeight)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FRAME\tVISUAL\tSOURCE\tX\tY\tWIDTH\tHEIGHT\tENHANCE")
	for _, f := range out.Frames {
		enhance := "-"
		if f.Enhance {
			enhance = f.Enhancement
		}
		fmt.Fprintf(tw, "%d\t%.3f\t%.3f\t%d\t%d\t%d\t%d\t%s\n",
			f.Index, f.VisualTime, f.SourceTime, f.PixelX, f.PixelY, f.PixelWidth, f.PixelHeight, enhance)
	}
	return tw.Flush()
}
