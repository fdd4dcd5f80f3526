package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reframe/reframe-render/internal/config"
	"github.com/reframe/reframe-render/internal/jobs"
	"github.com/reframe/reframe-render/internal/keyframe"
	"github.com/reframe/reframe-render/internal/planner"
)

const yamlRequest = `
resource_key: project-7
config:
  source: {ref: /media/clip.mp4, width: 1920, height: 1080, duration: 2}
  keyframes:
    - time: 0
      crop: {x: 0, y: 0, width: 1920, height: 1080}
      easing: linear
    - time: 2
      crop: {x: 480, y: 270, width: 960, height: 540}
      easing: {type: cubic_bezier, p1: [0.42, 0], p2: [0.58, 1]}
  speed_regions:
    - {source_start: 0, source_end: 1, multiplier: 2}
  output: {frame_rate: 10, format: mp4}
`

// runCLI executes the root command and resets every flag afterwards, since
// cobra keeps flag values between executions.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	t.Cleanup(func() { resetFlags(rootCmd) })
	return out.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func TestDecodeRequest_YAML(t *testing.T) {
	key, snap, err := decodeRequest([]byte(yamlRequest))
	require.NoError(t, err)

	assert.Equal(t, "project-7", key)
	assert.Equal(t, "/media/clip.mp4", snap.Source.Ref)
	require.Len(t, snap.Keyframes, 2)
	assert.Equal(t, keyframe.EasingLinear, snap.Keyframes[0].Easing.Kind)
	assert.Equal(t, keyframe.EasingCubicBezier, snap.Keyframes[1].Easing.Kind)
	assert.Equal(t, [2]float64{0.58, 1}, snap.Keyframes[1].Easing.P2)
	require.Len(t, snap.SpeedRegions, 1)
	assert.Equal(t, 2.0, snap.SpeedRegions[0].Multiplier)
	assert.Equal(t, 10.0, snap.Output.FrameRate)
}

func TestDecodeRequest_BareJSONConfig(t *testing.T) {
	data := `{"source":{"ref":"a.mov","width":640,"height":360,"duration":1},
	"keyframes":[{"time":0,"crop":{"x":0,"y":0,"width":320,"height":180},"easing":"ease"}],
	"output":{"frame_rate":24,"format":"mov"}}`

	key, snap, err := decodeRequest([]byte(data))
	require.NoError(t, err)
	assert.Empty(t, key)
	assert.Equal(t, "a.mov", snap.Source.Ref)
	assert.Equal(t, "mov", snap.Output.Format)
	assert.Equal(t, keyframe.EasingEase, snap.Keyframes[0].Easing.Kind)
}

func TestDecodeRequest_Invalid(t *testing.T) {
	_, _, err := decodeRequest([]byte("config: [unterminated"))
	require.Error(t, err)
}

func TestBuildPlan(t *testing.T) {
	_, snap, err := decodeRequest([]byte(yamlRequest))
	require.NoError(t, err)

	out, err := buildPlan(snap, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 15, out.FrameCount)
	assert.InDelta(t, 1.5, out.Duration, 1e-9)
	assert.Equal(t, 1920, out.OutputWidth)
	assert.Equal(t, 1080, out.OutputHeight)
	require.Len(t, out.Frames, 15)
	assert.Equal(t, 0.0, out.Frames[0].SourceTime)
	assert.Equal(t, 1920, out.Frames[0].PixelWidth)

	sparse, err := buildPlan(snap, 5, 0)
	require.NoError(t, err)
	require.Len(t, sparse.Frames, 3)
	assert.Equal(t, 10, sparse.Frames[2].Index)

	limited, err := buildPlan(snap, 1, 4)
	require.NoError(t, err)
	assert.Len(t, limited.Frames, 4)
}

func TestBuildPlan_InvalidConfig(t *testing.T) {
	_, snap, err := decodeRequest([]byte(yamlRequest))
	require.NoError(t, err)
	snap.Output.Format = "gif"

	_, err = buildPlan(snap, 1, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, planner.ErrInvalidOutput)
}

func TestPlanCommand(t *testing.T) {
	t.Setenv(config.EnvConfigFile, "")
	path := filepath.Join(t.TempDir(), "request.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlRequest), 0o644))

	out, err := runCLI(t, "plan", path, "--every", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "15 frames at 10.000 fps")
	assert.Contains(t, out, "FRAME")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, 2+1+3) // summary, blank, header, frames

	out, err = runCLI(t, "plan", path, "--json", "--limit", "2")
	require.NoError(t, err)
	var decoded planOutput
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, "project-7", decoded.ResourceKey)
	assert.Len(t, decoded.Frames, 2)
}

func TestJobsCommands(t *testing.T) {
	t.Setenv(config.EnvConfigFile, "")
	dir := t.TempDir()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Set("data_dir", dir)
	manager, closer, err := openStore(cfg, cliLogger(cfg))
	require.NoError(t, err)

	_, snap, err := decodeRequest([]byte(yamlRequest))
	require.NoError(t, err)
	job, err := manager.Submit(context.Background(), jobs.SubmitRequest{ResourceKey: "project-7", Snapshot: snap})
	require.NoError(t, err)
	_, err = manager.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	require.NoError(t, closer.Close())

	out, err := runCLI(t, "jobs", "list", "--data-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, job.ID)
	assert.Contains(t, out, "cancelled")

	out, err = runCLI(t, "jobs", "list", "--active", "--data-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "no jobs")

	out, err = runCLI(t, "jobs", "status", job.ID, "--json", "--data-dir", dir)
	require.NoError(t, err)
	var got jobs.ExportJob
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, jobs.StatusCancelled, got.Status)

	_, err = runCLI(t, "jobs", "status", "missing", "--data-dir", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	out, err = runCLI(t, "jobs", "gc", "--older-than", time.Hour.String(), "--data-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "deleted 0")
}

func TestPrintJobs_HumanizedOutput(t *testing.T) {
	result := filepath.Join(t.TempDir(), "job-1.mp4")
	require.NoError(t, os.WriteFile(result, make([]byte, 2048), 0o644))

	job := &jobs.ExportJob{
		ID:          "job-1",
		ResourceKey: "project-1",
		Status:      jobs.StatusComplete,
		SubmittedAt: time.Now().Add(-3 * time.Hour),
		ResultRef:   result,
	}

	var buf bytes.Buffer
	require.NoError(t, printJobs(&buf, []*jobs.ExportJob{job}))
	assert.Contains(t, buf.String(), "AGE")
	assert.Contains(t, buf.String(), "3 hours ago")

	buf.Reset()
	require.NoError(t, printJob(&buf, job))
	assert.Contains(t, buf.String(), "2.0 kB")
}
