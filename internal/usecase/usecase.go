package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/forPelevin/petclip/internal/fetch"
	"github.com/forPelevin/petclip/internal/log"
	"github.com/forPelevin/petclip/internal/metrics"
	"github.com/forPelevin/petclip/internal/ports"
	"github.com/forPelevin/petclip/internal/types"
)

type Deps struct {
	Editor    ports.ImageEditor
	Publisher ports.ImagePublisher
	Video     ports.VideoGenerator
	Poller    ports.JobAwaiter
	Fetcher   ports.MediaFetcher
	Matcher   ports.DurationMatcher
	Slate     ports.SlateComposer
}

type Usecase struct {
	d   Deps
	log zerolog.Logger
}

func New(d Deps) Usecase { return Usecase{d: d, log: log.WithComponent("pipeline")} }

// Input enumerates every option of a clip run.
type Input struct {
	PhotoPath string
	Action    types.Action
	Ratio     types.Ratio
	// Duration is the generated clip length in seconds (5 or 10).
	Duration int
	// AudioPath is a local path or URL of a music track. Empty means none,
	// unless Action is birthday-dance and BirthdaySong exists.
	AudioPath    string
	BirthdaySong string
	// ExtendedDuration is the final length when audio is attached. Zero keeps
	// the generated clip's own length.
	ExtendedDuration time.Duration
	Message          string
	SlateDuration    time.Duration
	UseLocalStorage  bool
	// WorkDir holds intermediates; OutDir receives image.png and video.mp4.
	WorkDir string
	OutDir  string
}

func (in Input) validate() error {
	if strings.TrimSpace(in.PhotoPath) == "" {
		return types.InvalidParameter("photo", "path is empty")
	}
	if err := in.Action.Validate(); err != nil {
		return err
	}
	params := types.EditParameters{Ratio: in.Ratio, Duration: in.Duration}
	if err := params.Validate(); err != nil {
		return err
	}
	if in.ExtendedDuration < 0 {
		return types.InvalidParameter("extended duration", "must not be negative")
	}
	if in.WorkDir == "" || in.OutDir == "" {
		return types.InvalidParameter("directories", "work and output directories are required")
	}
	return nil
}

// BuildEditPrompt returns the restyling instruction for the image edit service.
func BuildEditPrompt(action types.Action) string {
	return "Charming vector illustration of a chibi-style dog with flat pastel colors, " +
		"bold black outlines, subtle cel-shading and soft shadows, centered on a clean " +
		"light-beige background with a faint oval ground shadow, minimalistic and playful. " +
		"The dog is " + actionPhrase(action) + " in place."
}

// BuildVideoPrompt returns the animation instruction for the video service.
func BuildVideoPrompt(action types.Action) string {
	return "Seamless looped 2D animation of a chibi-style puppy " + actionPhrase(action) +
		" in place: flat pastel colours, bold black outlines, smooth limb and ear motion, " +
		"subtle cel-shading, clean light-beige background, no cuts."
}

func actionPhrase(a types.Action) string {
	return strings.ReplaceAll(string(a), "-", " ")
}

// Run executes the clip sequence: edit, host, generate, poll, then optional
// duration matching, audio and slate.
func (u Usecase) Run(ctx context.Context, in Input) (types.ResultDescriptor, error) {
	var res types.ResultDescriptor
	if err := in.validate(); err != nil {
		return res, err
	}
	l := log.For(ctx, u.log)

	photo, err := stage(ctx, "validate_photo", func() ([]byte, error) { return readPhoto(in.PhotoPath) })
	if err != nil {
		return res, err
	}

	edited, err := stage(ctx, "edit_image", func() ([]byte, error) {
		return u.d.Editor.Edit(ctx, photo, BuildEditPrompt(in.Action))
	})
	if err != nil {
		return res, fmt.Errorf("edit image: %w", err)
	}
	if err := os.MkdirAll(in.OutDir, 0o755); err != nil {
		return res, fmt.Errorf("create output dir: %w", err)
	}
	res.LocalImagePath = filepath.Join(in.OutDir, "image.png")
	if err := os.WriteFile(res.LocalImagePath, edited, 0o644); err != nil {
		return res, fmt.Errorf("write edited image: %w", err)
	}

	res.ImageURL, err = stage(ctx, "host_image", func() (string, error) {
		return u.d.Publisher.Publish(ctx, edited, "pet-"+string(in.Action), in.UseLocalStorage)
	})
	if err != nil {
		return res, fmt.Errorf("host image: %w", err)
	}

	handle, err := stage(ctx, "start_job", func() (types.JobHandle, error) {
		return u.d.Video.StartJob(ctx, types.JobRequest{
			ImageRef:    res.ImageURL,
			InlineImage: edited,
			InlineMIME:  "image/png",
			Params: types.EditParameters{
				Ratio:      in.Ratio,
				Duration:   in.Duration,
				PromptText: BuildVideoPrompt(in.Action),
			},
		})
	})
	if err != nil {
		return res, fmt.Errorf("start video job: %w", err)
	}
	l.Info().Str("handle", string(handle)).Msg("video job submitted")

	st, err := stage(ctx, "await_job", func() (types.JobStatus, error) {
		return u.d.Poller.AwaitCompletion(ctx, handle)
	})
	if err != nil {
		return res, err
	}
	if st.State == types.StateFailed {
		return res, &types.BusinessFailure{Handle: handle, Reason: st.Reason}
	}
	if len(st.Outputs) == 0 || strings.TrimSpace(st.Outputs[0]) == "" {
		return res, &types.RemoteServiceError{Service: "video", Op: "await job", Detail: "job succeeded without outputs"}
	}
	res.VideoURL = st.Outputs[0]

	audioRef := u.audioRef(in)
	if audioRef == "" && strings.TrimSpace(in.Message) == "" && in.ExtendedDuration == 0 {
		return res, nil
	}

	final, extended, err := u.assemble(ctx, in, res.VideoURL, audioRef)
	if err != nil {
		return res, err
	}
	res.ExtendedDurationSeconds = extended
	res.LocalVideoPath = filepath.Join(in.OutDir, "video.mp4")
	if err := copyFile(final.Path, res.LocalVideoPath); err != nil {
		return res, fmt.Errorf("write final video: %w", err)
	}
	return res, nil
}

func (u Usecase) assemble(ctx context.Context, in Input, videoURL, audioRef string) (types.MediaAsset, int, error) {
	l := log.For(ctx, u.log)
	video, err := stage(ctx, "fetch_video", func() (types.MediaAsset, error) {
		return u.d.Fetcher.Fetch(ctx, videoURL, in.WorkDir)
	})
	if err != nil {
		return types.MediaAsset{}, 0, fmt.Errorf("fetch video: %w", err)
	}
	if video.Kind() != types.KindVideo {
		return types.MediaAsset{}, 0, &types.NotMediaError{Source: "video output", Reason: "expected video, got " + video.MimeType}
	}

	extended := 0
	if audioRef != "" || in.ExtendedDuration > 0 {
		target := in.ExtendedDuration
		if target <= 0 {
			target = video.Duration
		}
		video, err = stage(ctx, "match_video", func() (types.MediaAsset, error) {
			return u.d.Matcher.MatchDuration(ctx, video, target, in.WorkDir)
		})
		if err != nil {
			return types.MediaAsset{}, 0, fmt.Errorf("match video duration: %w", err)
		}
		extended = int(math.Round(target.Seconds()))

		if audioRef != "" {
			video, err = u.attachAudio(ctx, in, video, audioRef, target)
			if err != nil {
				return types.MediaAsset{}, 0, err
			}
		}
	}

	if msg := strings.TrimSpace(in.Message); msg != "" {
		slated, err := stage(ctx, "slate", func() (types.MediaAsset, error) {
			return u.d.Slate.PrependSlate(ctx, video, msg, in.SlateDuration, in.WorkDir)
		})
		switch {
		case err == nil:
			video = slated
		case errors.Is(err, types.ErrSlateSkipped):
			l.Warn().Err(err).Msg("continuing without slate")
		default:
			return types.MediaAsset{}, 0, err
		}
	}
	return video, extended, nil
}

func (u Usecase) attachAudio(ctx context.Context, in Input, video types.MediaAsset, audioRef string, target time.Duration) (types.MediaAsset, error) {
	audio, err := stage(ctx, "fetch_audio", func() (types.MediaAsset, error) {
		return u.d.Fetcher.Fetch(ctx, audioRef, in.WorkDir)
	})
	if err != nil {
		return types.MediaAsset{}, fmt.Errorf("fetch audio: %w", err)
	}
	audio, err = stage(ctx, "match_audio", func() (types.MediaAsset, error) {
		return u.d.Matcher.MatchDuration(ctx, audio, target, in.WorkDir)
	})
	if err != nil {
		return types.MediaAsset{}, fmt.Errorf("match audio duration: %w", err)
	}
	combined, err := stage(ctx, "combine", func() (types.MediaAsset, error) {
		return u.d.Matcher.Combine(ctx, video, audio, in.WorkDir)
	})
	if err != nil {
		return types.MediaAsset{}, fmt.Errorf("combine audio: %w", err)
	}
	return combined, nil
}

func (u Usecase) audioRef(in Input) string {
	if ref := strings.TrimSpace(in.AudioPath); ref != "" {
		return ref
	}
	if in.Action != types.ActionBirthdayDance || in.BirthdaySong == "" {
		return ""
	}
	if _, err := os.Stat(in.BirthdaySong); err != nil {
		u.log.Warn().Str("path", in.BirthdaySong).Msg("default birthday song not found; continuing without audio")
		return ""
	}
	return in.BirthdaySong
}

// StageError tags a failure with the stage that produced it. Its message is
// the underlying error's.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return e.Err.Error() }
func (e *StageError) Unwrap() error { return e.Err }

// FailedStage returns the stage name carried by err, or "".
func FailedStage(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// stage runs fn and records its duration and outcome.
func stage[T any](ctx context.Context, name string, fn func() (T, error)) (T, error) {
	done := metrics.StartStage(name)
	v, err := fn()
	done(err)
	l := log.For(ctx, log.WithComponent("pipeline"))
	if err != nil {
		l.Debug().Err(err).Str("stage", name).Msg("stage failed")
		if FailedStage(err) == "" {
			err = &StageError{Stage: name, Err: err}
		}
	} else {
		l.Debug().Str("stage", name).Msg("stage done")
	}
	return v, err
}

func readPhoto(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, types.InvalidParameter("photo", fmt.Sprintf("%s does not exist", path))
		}
		return nil, fmt.Errorf("read photo: %w", err)
	}
	png, err := fetch.NormalizePNG(data)
	if err != nil {
		return nil, &types.NotMediaError{Source: path, Reason: "photo is not a decodable image"}
	}
	return png, nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
