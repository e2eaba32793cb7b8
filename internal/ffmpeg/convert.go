package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/toyota-m2k/boo-server/internal/logger"
)

// ffprobeOutput represents the JSON output from ffprobe
type ffprobeOutput struct {
	Format  ffprobeFormat   `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeFormat struct {
	Filename string `json:"filename"`
	Duration string `json:"duration"`
}

type ffprobeStream struct {
	Index     int    `json:"index"`
	CodecType string `json:"codec_type"`
	CodecName string `json:"codec_name"`
}

// Converter wraps the ffprobe/ffmpeg binaries used to inspect and
// normalize imported video files.
type Converter struct {
	ffmpegPath  string
	ffprobePath string
}

// NewConverter creates a Converter with the given binary paths.
// Empty paths fall back to "ffmpeg"/"ffprobe" on PATH.
func NewConverter(ffmpegPath, ffprobePath string) *Converter {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Converter{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath}
}

// Convert inspects in with ffprobe and writes a normalized copy to out.
// Returns false (and no error) when the input has no video stream; the
// caller falls back to a plain copy. HEVC input is re-encoded with the
// hvc1 tag; anything else gets its streams copied. Both paths apply the
// faststart movflag so the moov atom leads the file.
func (c *Converter) Convert(ctx context.Context, in, out string) (bool, error) {
	codec, hasVideo, err := c.probeVideoCodec(ctx, in)
	if err != nil {
		return false, err
	}
	if !hasVideo {
		logger.Debug("no video stream, skipping conversion", "path", in)
		return false, nil
	}

	var args []string
	if strings.EqualFold(codec, "hevc") {
		args = hevcArgs(in, out)
	} else {
		args = faststartArgs(in, out)
	}

	logger.Debug("ffmpeg", "args", strings.Join(args, " "))
	cmd := exec.CommandContext(ctx, c.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		// Clean up partial output
		os.Remove(out)
		return false, fmt.Errorf("ffmpeg failed: %w: %s", err, lastLines(stderr.String(), 5))
	}
	return true, nil
}

// Duration returns the container duration of path in seconds.
func (c *Converter) Duration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, c.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		path,
	)

	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return 0, fmt.Errorf("ffprobe failed: %s", string(exitErr.Stderr))
		}
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}

	return parseDuration(output)
}

// probeVideoCodec returns the codec name of the first video stream in path,
// or hasVideo=false when the file carries none.
func (c *Converter) probeVideoCodec(ctx context.Context, path string) (codec string, hasVideo bool, err error) {
	cmd := exec.CommandContext(ctx, c.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		path,
	)

	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", false, fmt.Errorf("ffprobe failed: %s", string(exitErr.Stderr))
		}
		return "", false, fmt.Errorf("ffprobe failed: %w", err)
	}

	return parseVideoCodec(output)
}

// hevcArgs builds the re-encode command for HEVC input: libx265 with 4:2:0
// chroma and the hvc1 tag Apple players require, audio copied through.
func hevcArgs(in, out string) []string {
	return []string{
		"-i", in,
		"-c:v", "libx265",
		"-x265-params", "chroma-format=420",
		"-tag:v", "hvc1",
		"-c:a", "copy",
		"-movflags", "faststart",
		out,
	}
}

// faststartArgs builds the remux command for non-HEVC input.
func faststartArgs(in, out string) []string {
	return []string{
		"-i", in,
		"-c:v", "copy",
		"-c:a", "copy",
		"-movflags", "faststart",
		out,
	}
}

// parseVideoCodec extracts the first video stream's codec from ffprobe JSON.
func parseVideoCodec(output []byte) (codec string, hasVideo bool, err error) {
	var probed ffprobeOutput
	if err := json.Unmarshal(output, &probed); err != nil {
		return "", false, fmt.Errorf("parse ffprobe output: %w", err)
	}
	for _, stream := range probed.Streams {
		if stream.CodecType == "video" {
			return stream.CodecName, true, nil
		}
	}
	return "", false, nil
}

// parseDuration extracts format.duration from ffprobe JSON.
func parseDuration(output []byte) (float64, error) {
	var probed ffprobeOutput
	if err := json.Unmarshal(output, &probed); err != nil {
		return 0, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if probed.Format.Duration == "" {
		return 0, fmt.Errorf("ffprobe output has no format.duration")
	}
	d, err := strconv.ParseFloat(probed.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", probed.Format.Duration, err)
	}
	return d, nil
}

// lastLines returns the trailing n lines of s joined with " | ",
// keeping logged ffmpeg errors readable.
func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
