package renderer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type FFmpegConfig struct {
	FFmpegPath   string // empty = look up "ffmpeg" on PATH
	FFprobePath  string // empty = look up "ffprobe" on PATH
	ProbeTimeout time.Duration
	FrameTimeout time.Duration
	Enhancer     Enhancer // nil = enhancement unavailable
	Logger       *slog.Logger
}

func DefaultFFmpegConfig(logger *slog.Logger) FFmpegConfig {
	return FFmpegConfig{
		ProbeTimeout: 30 * time.Second,
		FrameTimeout: 60 * time.Second,
		Logger:       logger,
	}
}

// FFmpegRenderer implements Renderer with ffmpeg and ffprobe subprocesses.
type FFmpegRenderer struct {
	cfg     FFmpegConfig
	ffmpeg  string
	ffprobe string
}

func NewFFmpegRenderer(cfg FFmpegConfig) (*FFmpegRenderer, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ffmpeg, err := resolveBinary(cfg.FFmpegPath, "ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("cannot locate ffmpeg: %w", err)
	}
	ffprobe, err := resolveBinary(cfg.FFprobePath, "ffprobe")
	if err != nil {
		return nil, fmt.Errorf("cannot locate ffprobe: %w", err)
	}

	cfg.Logger.Info("renderer initialised",
		"ffmpeg", ffmpeg,
		"ffprobe", ffprobe,
		"enhancer", cfg.Enhancer != nil,
	)
	return &FFmpegRenderer{cfg: cfg, ffmpeg: ffmpeg, ffprobe: ffprobe}, nil
}

func (r *FFmpegRenderer) Probe(ctx context.Context, ref string) (*MediaInfo, error) {
	if _, err := os.Stat(ref); err != nil {
		return nil, &Error{Class: Fatal, Op: "probe", Err: fmt.Errorf("%w: %v", ErrInvalidMedia, err)}
	}

	if r.cfg.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.ProbeTimeout)
		defer cancel()
	}

	var out bytes.Buffer
	res := runCommand(ctx, r.cfg.Logger, nil, &out, r.ffprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,codec_name,r_frame_rate,duration:format=duration",
		"-print_format", "json",
		ref,
	)
	if err := classify("probe", res); err != nil {
		return nil, err
	}

	info, err := parseProbe(out.Bytes())
	if err != nil {
		return nil, &Error{Class: Fatal, Op: "probe", Err: err}
	}
	return info, nil
}

func (r *FFmpegRenderer) RenderFrame(ctx context.Context, req FrameRequest) ([]byte, error) {
	if req.Enhancement != "" && r.cfg.Enhancer == nil {
		return nil, &Error{Class: Fatal, Op: "render_frame", Err: fmt.Errorf("enhancement %q requested but no enhancer is configured", req.Enhancement)}
	}

	if r.cfg.FrameTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.FrameTimeout)
		defer cancel()
	}

	var out bytes.Buffer
	res := runCommand(ctx, r.cfg.Logger, nil, &out, r.ffmpeg, frameArgs(req)...)
	if err := classify("render_frame", res); err != nil {
		return nil, err
	}
	if out.Len() == 0 {
		return nil, &Error{
			Class: Fatal,
			Op:    "render_frame",
			Err:   fmt.Errorf("%w: no frame decoded at %.6fs", ErrInvalidMedia, req.SourceTime),
		}
	}

	frame := out.Bytes()
	if req.Enhancement != "" {
		enhanced, err := r.cfg.Enhancer.Enhance(ctx, req.Enhancement, frame)
		if err != nil {
			return nil, err
		}
		frame = enhanced
	}
	return frame, nil
}

func (r *FFmpegRenderer) Encode(ctx context.Context, req EncodeRequest, onProgress func(float64)) error {
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0755); err != nil {
		return &Error{Class: Fatal, Op: "encode", Err: err}
	}

	args, err := encodeArgs(req)
	if err != nil {
		return &Error{Class: Fatal, Op: "encode", Err: err}
	}

	pp := &progressParser{total: req.FrameCount, onProgress: onProgress}
	res := runCommand(ctx, r.cfg.Logger, nil, pp, r.ffmpeg, args...)
	if err := classify("encode", res); err != nil {
		return err
	}

	r.cfg.Logger.Debug("encode finished",
		"frames", req.FrameCount,
		"format", req.Format,
		"duration_ms", res.Duration.Milliseconds(),
	)
	return nil
}

// RunDoctor probes the installed toolchain.
func (r *FFmpegRenderer) RunDoctor(ctx context.Context) (*Capabilities, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	caps := &Capabilities{ProbedAt: time.Now()}

	var version bytes.Buffer
	res := runCommand(ctx, r.cfg.Logger, nil, &version, r.ffmpeg, "-version")
	if res.IsSuccess() {
		caps.FFmpegAvailable = true
		caps.FFmpegVersion = parseVersion(version.String())
	}

	res = runCommand(ctx, r.cfg.Logger, nil, nil, r.ffprobe, "-version")
	caps.FFprobeAvailable = res.IsSuccess()

	if caps.FFmpegAvailable {
		var encoders bytes.Buffer
		res = runCommand(ctx, r.cfg.Logger, nil, &encoders, r.ffmpeg, "-hide_banner", "-encoders")
		if res.IsSuccess() {
			caps.Encoders = parseEncoders(encoders.String())
		}
	}

	if r.cfg.Enhancer != nil {
		if err := r.cfg.Enhancer.Check(ctx); err != nil {
			caps.EnhancerError = err.Error()
		} else {
			caps.EnhancerReady = true
		}
	}

	r.cfg.Logger.Info("doctor probe complete",
		"ffmpeg", caps.FFmpegVersion,
		"ffprobe", caps.FFprobeAvailable,
		"encoders", len(caps.Encoders),
		"enhancer", caps.EnhancerReady,
	)

	if !caps.FFmpegAvailable {
		return caps, fmt.Errorf("ffmpeg -version exited %d: %s", res.ExitCode, truncate(res.StderrTail, 256))
	}
	return caps, nil
}

func frameArgs(req FrameRequest) []string {
	vf := fmt.Sprintf("crop=%d:%d:%d:%d", req.Crop.Width, req.Crop.Height, req.Crop.X, req.Crop.Y)
	if req.OutWidth > 0 && req.OutHeight > 0 {
		vf += fmt.Sprintf(",scale=%d:%d:flags=lanczos", req.OutWidth, req.OutHeight)
	}
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-ss", strconv.FormatFloat(req.SourceTime, 'f', 6, 64),
		"-i", req.SourceRef,
		"-frames:v", "1",
		"-vf", vf,
		"-f", "image2pipe",
		"-c:v", "png",
		"pipe:1",
	}
}

// videoCodecs maps container formats to the encoder used for them.
var videoCodecs = map[string]string{
	"mp4":  "libx264",
	"mov":  "libx264",
	"mkv":  "libx264",
	"webm": "libvpx-vp9",
}

func encodeArgs(req EncodeRequest) ([]string, error) {
	codec, ok := videoCodecs[req.Format]
	if !ok {
		return nil, fmt.Errorf("unsupported output format %q", req.Format)
	}
	if req.FrameCount <= 0 || req.FrameRate <= 0 {
		return nil, fmt.Errorf("nothing to encode: %d frames at %v fps", req.FrameCount, req.FrameRate)
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-progress", "pipe:1",
		"-nostats",
		"-framerate", strconv.FormatFloat(req.FrameRate, 'f', -1, 64),
		"-start_number", "0",
		"-i", req.FramePattern,
		"-frames:v", strconv.Itoa(req.FrameCount),
		"-c:v", codec,
		"-pix_fmt", "yuv420p",
	}
	if req.Width > 0 && req.Height > 0 {
		args = append(args, "-s", fmt.Sprintf("%dx%d", req.Width, req.Height))
	}
	switch req.Format {
	case "mp4", "mov":
		args = append(args, "-movflags", "+faststart")
	case "webm":
		args = append(args, "-b:v", "0", "-crf", "32")
	}
	args = append(args, "-f", muxerFor(req.Format), req.OutputPath)
	return args, nil
}

func muxerFor(format string) string {
	if format == "mkv" {
		return "matroska"
	}
	return format
}

type probeOutput struct {
	Streams []struct {
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		CodecName  string `json:"codec_name"`
		RFrameRate string `json:"r_frame_rate"`
		Duration   string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func parseProbe(data []byte) (*MediaInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("cannot parse ffprobe JSON: %w", err)
	}
	if len(out.Streams) == 0 {
		return nil, fmt.Errorf("%w: no video stream", ErrInvalidMedia)
	}

	s := out.Streams[0]
	info := &MediaInfo{
		Width:     s.Width,
		Height:    s.Height,
		Codec:     s.CodecName,
		FrameRate: parseRate(s.RFrameRate),
	}

	// container duration is more reliable than the stream's for most muxers
	for _, d := range []string{out.Format.Duration, s.Duration} {
		if v, err := strconv.ParseFloat(d, 64); err == nil && v > 0 {
			info.Duration = v
			break
		}
	}

	if info.Width <= 0 || info.Height <= 0 {
		return nil, fmt.Errorf("%w: stream has no dimensions", ErrInvalidMedia)
	}
	if info.Duration <= 0 {
		return nil, fmt.Errorf("%w: unknown duration", ErrInvalidMedia)
	}
	return info, nil
}

// parseRate parses ffprobe rationals such as "30000/1001".
func parseRate(s string) float64 {
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

func parseVersion(out string) string {
	line, _, _ := strings.Cut(out, "\n")
	fields := strings.Fields(line)
	if len(fields) >= 3 && fields[1] == "version" {
		return fields[2]
	}
	return strings.TrimSpace(line)
}

func parseEncoders(out string) []string {
	var found []string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || len(fields[0]) != 6 || fields[0][0] != 'V' {
			continue
		}
		for _, codec := range videoCodecs {
			if fields[1] == codec && !contains(found, codec) {
				found = append(found, codec)
			}
		}
	}
	return found
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// progressParser consumes ffmpeg's -progress key=value stream.
type progressParser struct {
	total      int
	onProgress func(float64)
	partial    []byte
}

func (p *progressParser) Write(b []byte) (int, error) {
	p.partial = append(p.partial, b...)
	for {
		i := bytes.IndexByte(p.partial, '\n')
		if i < 0 {
			break
		}
		p.line(strings.TrimSpace(string(p.partial[:i])))
		p.partial = p.partial[i+1:]
	}
	return len(b), nil
}

func (p *progressParser) line(line string) {
	if p.onProgress == nil {
		return
	}
	key, value, ok := strings.Cut(line, "=")
	if !ok {
		return
	}
	switch key {
	case "frame":
		n, err := strconv.Atoi(value)
		if err != nil || p.total <= 0 {
			return
		}
		f := float64(n) / float64(p.total)
		if f > 1 {
			f = 1
		}
		p.onProgress(f)
	case "progress":
		if value == "end" {
			p.onProgress(1)
		}
	}
}
