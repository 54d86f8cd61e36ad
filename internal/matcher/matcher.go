// Package matcher fits video and audio assets to a target duration and muxes them.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/forPelevin/petclip/internal/domain/duration"
	"github.com/forPelevin/petclip/internal/log"
	"github.com/forPelevin/petclip/internal/ports"
	"github.com/forPelevin/petclip/internal/types"
)

type Options struct {
	// SeamTrim overrides duration.DefaultSeamTrim. Negative disables it.
	SeamTrim time.Duration
}

type Matcher struct {
	tool ports.MediaTool
	seam time.Duration
	log  zerolog.Logger
}

func New(tool ports.MediaTool, opts Options) *Matcher {
	seam := opts.SeamTrim
	switch {
	case seam == 0:
		seam = duration.DefaultSeamTrim
	case seam < 0:
		seam = 0
	}
	return &Matcher{tool: tool, seam: seam, log: log.WithComponent("matcher")}
}

// MatchDuration returns an asset whose length is within duration.Tolerance of
// target. An asset that already fits is returned as is.
func (m *Matcher) MatchDuration(ctx context.Context, asset types.MediaAsset, target time.Duration, workDir string) (types.MediaAsset, error) {
	if asset.Duration <= 0 {
		probed, err := m.tool.Probe(ctx, asset.Path)
		if err != nil {
			return types.MediaAsset{}, err
		}
		asset.Duration = probed.Duration
	}
	plan, err := duration.NewPlan(asset.Duration, target, m.seam)
	if err != nil {
		return types.MediaAsset{}, err
	}
	l := log.For(ctx, m.log).With().Str("mode", string(plan.Mode)).Dur("source", asset.Duration).Dur("target", target).Logger()
	if plan.Mode == duration.ModePassthrough {
		l.Debug().Msg("duration already matches")
		return asset, nil
	}

	out := outputPath(workDir, "matched", asset.Kind())
	switch plan.Mode {
	case duration.ModeTrim:
		if err := m.tool.Trim(ctx, asset.Path, target, out); err != nil {
			return types.MediaAsset{}, err
		}
	case duration.ModeLoop:
		if err := m.tool.RunLoopFilter(ctx, asset.Path, plan.Segments, asset.HasAudio, out); err != nil {
			if ctx.Err() != nil {
				return types.MediaAsset{}, ctx.Err()
			}
			l.Warn().Err(err).Int("segments", len(plan.Segments)).Msg("loop filter failed; falling back to stream loop")
			if extErr := m.tool.Extend(ctx, asset.Path, target, out); extErr != nil {
				if ctx.Err() != nil {
					return types.MediaAsset{}, ctx.Err()
				}
				return types.MediaAsset{}, &types.MediaProcessingError{Op: "match duration", Err: errors.Join(err, extErr)}
			}
		}
	}
	l.Info().Int("segments", len(plan.Segments)).Msg("duration matched")

	matched := asset
	matched.Path = out
	matched.Duration = plan.Total()
	if asset.Kind() == types.KindAudio {
		matched.MimeType = "audio/mp4"
		matched.HasAudio = true
	} else {
		matched.MimeType = "video/mp4"
	}
	return matched, nil
}

// Combine muxes audio onto video. The output runs for the video's length and
// carries an audio stream.
func (m *Matcher) Combine(ctx context.Context, video, audio types.MediaAsset, workDir string) (types.MediaAsset, error) {
	if video.Kind() != types.KindVideo {
		return types.MediaAsset{}, types.InvalidParameter("video", fmt.Sprintf("%s is not a video", video.MimeType))
	}
	if audio.Kind() != types.KindAudio && audio.Kind() != types.KindVideo {
		return types.MediaAsset{}, types.InvalidParameter("audio", fmt.Sprintf("%s has no audio stream", audio.MimeType))
	}
	out := outputPath(workDir, "combined", types.KindVideo)
	if err := m.tool.Mux(ctx, video.Path, audio.Path, video.Duration, out); err != nil {
		return types.MediaAsset{}, err
	}
	combined := video
	combined.Path = out
	combined.MimeType = "video/mp4"
	combined.HasAudio = true
	log.For(ctx, m.log).Info().Dur("duration", video.Duration).Msg("audio combined")
	return combined, nil
}

// outputPath picks containers the media tool always encodes into: AAC in
// m4a for audio, H.264 in mp4 for everything else.
func outputPath(workDir, prefix string, kind types.MediaKind) string {
	ext := ".mp4"
	if kind == types.KindAudio {
		ext = ".m4a"
	}
	return filepath.Join(workDir, prefix+"-"+uuid.NewString()[:8]+ext)
}
