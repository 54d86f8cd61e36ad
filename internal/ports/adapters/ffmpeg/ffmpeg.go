package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/forPelevin/petclip/internal/types"
)

const (
	frameRate  = 24
	sampleRate = 44100
)

type Adapter struct {
	ffmpeg  string
	ffprobe string
}

func New(ffmpegPath, ffprobePath string) *Adapter {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Adapter{ffmpeg: ffmpegPath, ffprobe: ffprobePath}
}

// Available reports whether both binaries can be found.
func (a *Adapter) Available() error {
	for _, bin := range []string{a.ffmpeg, a.ffprobe} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("%s not found: %w", bin, err)
		}
	}
	return nil
}

type probeResult struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
	Streams []probeStream `json:"streams"`
}

type probeStream struct {
	CodecType string `json:"codec_type"`
	CodecName string `json:"codec_name"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

func (a *Adapter) Probe(ctx context.Context, path string) (types.MediaAsset, error) {
	out, err := a.exec(ctx, "probe", a.ffprobe, "-v", "error", "-hide_banner", "-show_format", "-show_streams", "-of", "json", "--", path)
	if err != nil {
		return types.MediaAsset{}, err
	}
	var pr probeResult
	if err := json.Unmarshal(out, &pr); err != nil {
		return types.MediaAsset{}, &types.MediaProcessingError{Op: "ffprobe parse", Err: err}
	}
	return assetFromProbe(path, pr), nil
}

func assetFromProbe(path string, pr probeResult) types.MediaAsset {
	asset := types.MediaAsset{Path: path}
	hasVideo := false
	for _, s := range pr.Streams {
		switch s.CodecType {
		case "video":
			if s.CodecName == "mjpeg" || s.CodecName == "png" {
				continue // cover art
			}
			hasVideo = true
			if asset.Width == 0 {
				asset.Width, asset.Height = s.Width, s.Height
			}
		case "audio":
			asset.HasAudio = true
		}
	}
	if sec, err := strconv.ParseFloat(strings.TrimSpace(pr.Format.Duration), 64); err == nil {
		asset.Duration = time.Duration(math.Round(sec*1000)) * time.Millisecond
	}
	asset.MimeType = mimeFor(pr.Format.FormatName, hasVideo, asset.HasAudio)
	return asset
}

func mimeFor(formatName string, hasVideo, hasAudio bool) string {
	first, _, _ := strings.Cut(formatName, ",")
	switch {
	case hasVideo && strings.Contains(formatName, "mp4"):
		return "video/mp4"
	case hasVideo && first == "matroska":
		return "video/x-matroska"
	case hasVideo:
		return "video/" + first
	case first == "mp3":
		return "audio/mpeg"
	case strings.Contains(formatName, "m4a"):
		return "audio/mp4"
	case hasAudio:
		return "audio/" + first
	default:
		return "application/octet-stream"
	}
}

func (a *Adapter) Trim(ctx context.Context, in string, d time.Duration, out string) error {
	_, err := a.exec(ctx, "trim", a.ffmpeg, trimArgs(in, d, out)...)
	return err
}

func (a *Adapter) RunLoopFilter(ctx context.Context, in string, segments []types.Segment, withAudio bool, out string) error {
	if len(segments) == 0 {
		return &types.MediaProcessingError{Op: "loop", Err: errors.New("no segments")}
	}
	_, err := a.exec(ctx, "loop", a.ffmpeg, loopArgs(in, segments, withAudio, out)...)
	return err
}

func (a *Adapter) Extend(ctx context.Context, in string, d time.Duration, out string) error {
	_, err := a.exec(ctx, "extend", a.ffmpeg, extendArgs(in, d, out)...)
	return err
}

func (a *Adapter) Mux(ctx context.Context, video, audio string, d time.Duration, out string) error {
	_, err := a.exec(ctx, "mux", a.ffmpeg, muxArgs(video, audio, d, out)...)
	return err
}

func (a *Adapter) StillToVideo(ctx context.Context, image string, d time.Duration, width, height int, out string) error {
	_, err := a.exec(ctx, "still to video", a.ffmpeg, stillArgs(image, d, width, height, out)...)
	return err
}

func (a *Adapter) Concat(ctx context.Context, inputs []string, width, height int, withAudio bool, out string) error {
	if len(inputs) == 0 {
		return &types.MediaProcessingError{Op: "concat", Err: errors.New("no inputs")}
	}
	_, err := a.exec(ctx, "concat", a.ffmpeg, concatArgs(inputs, width, height, withAudio, out)...)
	return err
}

// exec runs one binary invocation. Cancellation is reported as the context
// error so callers can tell an abort from a media failure.
func (a *Adapter) exec(ctx context.Context, op, bin string, args ...string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	b, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &types.MediaProcessingError{Op: filepath.Base(bin) + " " + op, Output: tail(string(b), 2000), Err: err}
	}
	return b, nil
}

func isAudioOut(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".m4a", ".aac", ".mp3", ".wav":
		return true
	}
	return false
}

func encodeArgs(out string) []string {
	if isAudioOut(out) {
		return []string{"-vn", "-c:a", "aac", "-b:a", "192k"}
	}
	return []string{"-c:v", "libx264", "-preset", "veryfast", "-crf", "18", "-pix_fmt", "yuv420p", "-c:a", "aac", "-b:a", "192k"}
}

func trimArgs(in string, d time.Duration, out string) []string {
	args := []string{"-y", "-i", in, "-t", fmtSeconds(d)}
	args = append(args, encodeArgs(out)...)
	return append(args, out)
}

// loopArgs cuts each segment from the single input and concatenates them in
// one filter graph. Audio outputs drop video. Video outputs carry the input's
// audio, cut to the same segments, only when withAudio is set.
func loopArgs(in string, segments []types.Segment, withAudio bool, out string) []string {
	audioOnly := isAudioOut(out)
	keepVideo := !audioOnly
	keepAudio := audioOnly || withAudio

	var graph strings.Builder
	var labels strings.Builder
	for i, s := range segments {
		start, end := fmtSeconds(s.Start), fmtSeconds(s.End)
		if keepVideo {
			fmt.Fprintf(&graph, "[0:v]trim=start=%s:end=%s,setpts=PTS-STARTPTS[v%d];", start, end, i)
			fmt.Fprintf(&labels, "[v%d]", i)
		}
		if keepAudio {
			fmt.Fprintf(&graph, "[0:a]atrim=start=%s:end=%s,asetpts=PTS-STARTPTS[a%d];", start, end, i)
			fmt.Fprintf(&labels, "[a%d]", i)
		}
	}
	graph.WriteString(labels.String())

	args := []string{"-y", "-i", in, "-filter_complex"}
	switch {
	case audioOnly:
		fmt.Fprintf(&graph, "concat=n=%d:v=0:a=1[outa]", len(segments))
		return append(args, graph.String(), "-map", "[outa]", "-c:a", "aac", "-b:a", "192k", out)
	case keepAudio:
		fmt.Fprintf(&graph, "concat=n=%d:v=1:a=1[outv][outa]", len(segments))
		args = append(args, graph.String(), "-map", "[outv]", "-map", "[outa]")
	default:
		fmt.Fprintf(&graph, "concat=n=%d:v=1:a=0[outv]", len(segments))
		args = append(args, graph.String(), "-map", "[outv]", "-an")
	}
	args = append(args, "-c:v", "libx264", "-preset", "veryfast", "-crf", "18", "-pix_fmt", "yuv420p")
	if keepAudio {
		args = append(args, "-c:a", "aac", "-b:a", "192k")
	}
	return append(args, out)
}

func extendArgs(in string, d time.Duration, out string) []string {
	args := []string{"-y", "-stream_loop", "-1", "-i", in, "-t", fmtSeconds(d)}
	args = append(args, encodeArgs(out)...)
	return append(args, out)
}

func muxArgs(video, audio string, d time.Duration, out string) []string {
	args := []string{
		"-y",
		"-i", video,
		"-i", audio,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "copy",
		"-c:a", "aac",
		"-b:a", "192k",
	}
	if d > 0 {
		args = append(args, "-t", fmtSeconds(d))
	} else {
		args = append(args, "-shortest")
	}
	return append(args, out)
}

func stillArgs(image string, d time.Duration, width, height int, out string) []string {
	return []string{
		"-y",
		"-loop", "1",
		"-framerate", strconv.Itoa(frameRate),
		"-i", image,
		"-f", "lavfi",
		"-i", fmt.Sprintf("anullsrc=channel_layout=stereo:sample_rate=%d", sampleRate),
		"-t", fmtSeconds(d),
		"-vf", fitFilter(width, height),
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-crf", "18",
		"-c:a", "aac",
		"-shortest",
		out,
	}
}

// concatArgs normalises every input to the same frame size, rate and audio
// format before concatenating, since the slate and the clip come from
// different encoders.
func concatArgs(inputs []string, width, height int, withAudio bool, out string) []string {
	args := []string{"-y"}
	for _, in := range inputs {
		args = append(args, "-i", in)
	}
	var graph strings.Builder
	var pairs strings.Builder
	for i := range inputs {
		fmt.Fprintf(&graph, "[%d:v]%s[v%d];", i, fitFilter(width, height), i)
		fmt.Fprintf(&pairs, "[v%d]", i)
		if withAudio {
			fmt.Fprintf(&graph, "[%d:a]aresample=%d,aformat=channel_layouts=stereo[a%d];", i, sampleRate, i)
			fmt.Fprintf(&pairs, "[a%d]", i)
		}
	}
	graph.WriteString(pairs.String())
	if withAudio {
		fmt.Fprintf(&graph, "concat=n=%d:v=1:a=1[outv][outa]", len(inputs))
	} else {
		fmt.Fprintf(&graph, "concat=n=%d:v=1:a=0[outv]", len(inputs))
	}
	args = append(args, "-filter_complex", graph.String(), "-map", "[outv]")
	if withAudio {
		args = append(args, "-map", "[outa]", "-c:a", "aac", "-b:a", "192k")
	}
	args = append(args, "-c:v", "libx264", "-preset", "veryfast", "-crf", "18")
	return append(args, out)
}

func fitFilter(width, height int) string {
	return fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1,fps=%d,format=yuv420p",
		width, height, width, height, frameRate,
	)
}

func fmtSeconds(d time.Duration) string {
	sec := float64(d) / float64(time.Second)
	return strconv.FormatFloat(sec, 'f', 3, 64)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
