package ports

import (
	"context"
	"time"

	"github.com/forPelevin/petclip/internal/types"
)

// ImageEditor restyles a photo according to a text instruction and returns PNG bytes.
type ImageEditor interface {
	Edit(ctx context.Context, image []byte, prompt string) ([]byte, error)
}

// ImageHost publishes image bytes and returns a public URL.
type ImageHost interface {
	Upload(ctx context.Context, image []byte, name string) (string, error)
}

// StatusChecker queries an asynchronous job without side effects.
type StatusChecker interface {
	CheckStatus(ctx context.Context, handle types.JobHandle) (types.JobStatus, error)
}

// VideoGenerator submits image-to-video jobs and reports their status.
type VideoGenerator interface {
	StatusChecker
	StartJob(ctx context.Context, req types.JobRequest) (types.JobHandle, error)
}

// Prober reads media metadata.
type Prober interface {
	Probe(ctx context.Context, path string) (types.MediaAsset, error)
}

// MediaTool is the narrow boundary around the local media binary.
type MediaTool interface {
	Prober
	Trim(ctx context.Context, in string, d time.Duration, out string) error
	// RunLoopFilter keeps the input's audio track on video outputs when withAudio is set.
	RunLoopFilter(ctx context.Context, in string, segments []types.Segment, withAudio bool, out string) error
	Extend(ctx context.Context, in string, d time.Duration, out string) error
	Mux(ctx context.Context, video, audio string, d time.Duration, out string) error
	StillToVideo(ctx context.Context, image string, d time.Duration, width, height int, out string) error
	Concat(ctx context.Context, inputs []string, width, height int, withAudio bool, out string) error
}

// ImagePublisher makes image bytes reachable by the video service. localOnly
// skips remote hosting.
type ImagePublisher interface {
	Publish(ctx context.Context, image []byte, name string, localOnly bool) (string, error)
}

// JobAwaiter blocks until a job reaches a terminal state or gives up.
type JobAwaiter interface {
	AwaitCompletion(ctx context.Context, handle types.JobHandle) (types.JobStatus, error)
}

// MediaFetcher resolves a media reference to a verified local file.
type MediaFetcher interface {
	Fetch(ctx context.Context, ref, destDir string) (types.MediaAsset, error)
}

// DurationMatcher fits media to a target length and combines audio with video.
type DurationMatcher interface {
	MatchDuration(ctx context.Context, asset types.MediaAsset, target time.Duration, workDir string) (types.MediaAsset, error)
	Combine(ctx context.Context, video, audio types.MediaAsset, workDir string) (types.MediaAsset, error)
}

// SlateComposer prepends a message card to a clip.
type SlateComposer interface {
	PrependSlate(ctx context.Context, base types.MediaAsset, message string, dur time.Duration, workDir string) (types.MediaAsset, error)
}
