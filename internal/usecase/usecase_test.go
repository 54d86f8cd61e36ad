package usecase

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forPelevin/petclip/internal/matcher"
	"github.com/forPelevin/petclip/internal/poller"
	"github.com/forPelevin/petclip/internal/slate"
	"github.com/forPelevin/petclip/internal/types"
)

type fakeEditor struct {
	prompts []string
	err     error
}

func (f *fakeEditor) Edit(_ context.Context, image []byte, prompt string) ([]byte, error) {
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return nil, f.err
	}
	return append([]byte("edited:"), image[:8]...), nil
}

type fakePublisher struct {
	localOnly []bool
}

func (f *fakePublisher) Publish(_ context.Context, _ []byte, name string, localOnly bool) (string, error) {
	f.localOnly = append(f.localOnly, localOnly)
	return "https://img.example/" + name + ".png", nil
}

type fakeVideo struct {
	requests []types.JobRequest
	statuses []types.JobStatus
	polls    int
}

func (f *fakeVideo) StartJob(_ context.Context, req types.JobRequest) (types.JobHandle, error) {
	if err := req.Params.Validate(); err != nil {
		return "", err
	}
	f.requests = append(f.requests, req)
	return "task-1", nil
}

func (f *fakeVideo) CheckStatus(context.Context, types.JobHandle) (types.JobStatus, error) {
	i := min(f.polls, len(f.statuses)-1)
	f.polls++
	return f.statuses[i], nil
}

type fakeFetcher struct {
	assets map[string]types.MediaAsset
	refs   []string
}

func (f *fakeFetcher) Fetch(_ context.Context, ref, _ string) (types.MediaAsset, error) {
	f.refs = append(f.refs, ref)
	a, ok := f.assets[ref]
	if !ok {
		return types.MediaAsset{}, &types.NotMediaError{Source: ref}
	}
	return a, nil
}

// fakeTool writes a placeholder for every output so the final copy succeeds.
type fakeTool struct {
	loops [][]types.Segment
	muxed int
}

func touch(path string) error { return os.WriteFile(path, []byte("media"), 0o644) }

func (f *fakeTool) Probe(context.Context, string) (types.MediaAsset, error) {
	return types.MediaAsset{}, errors.New("unexpected probe")
}
func (f *fakeTool) Trim(_ context.Context, _ string, _ time.Duration, out string) error {
	return touch(out)
}
func (f *fakeTool) RunLoopFilter(_ context.Context, _ string, segs []types.Segment, _ bool, out string) error {
	f.loops = append(f.loops, segs)
	return touch(out)
}
func (f *fakeTool) Extend(_ context.Context, _ string, _ time.Duration, out string) error {
	return touch(out)
}
func (f *fakeTool) Mux(_ context.Context, _, _ string, _ time.Duration, out string) error {
	f.muxed++
	return touch(out)
}
func (f *fakeTool) StillToVideo(_ context.Context, _ string, _ time.Duration, _, _ int, out string) error {
	return touch(out)
}
func (f *fakeTool) Concat(_ context.Context, _ []string, _, _ int, _ bool, out string) error {
	return touch(out)
}

func noSleep(context.Context, time.Duration) error { return nil }

type harness struct {
	editor    *fakeEditor
	publisher *fakePublisher
	video     *fakeVideo
	fetcher   *fakeFetcher
	tool      *fakeTool
	uc        Usecase
	in        Input
}

func newHarness(t *testing.T, statuses ...types.JobStatus) *harness {
	t.Helper()
	tmp := t.TempDir()
	work := filepath.Join(tmp, "work")
	require.NoError(t, os.MkdirAll(work, 0o755))

	photo := filepath.Join(tmp, "dog.png")
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 4, 4))))
	require.NoError(t, os.WriteFile(photo, buf.Bytes(), 0o644))

	clip := filepath.Join(work, "clip.mp4")
	song := filepath.Join(work, "song.mp3")
	require.NoError(t, touch(clip))
	require.NoError(t, touch(song))

	h := &harness{
		editor:    &fakeEditor{},
		publisher: &fakePublisher{},
		video:     &fakeVideo{statuses: statuses},
		fetcher: &fakeFetcher{assets: map[string]types.MediaAsset{
			"https://cdn.example/out.mp4": {Path: clip, MimeType: "video/mp4", Duration: 5 * time.Second, Width: 720, Height: 1280},
			song:                          {Path: song, MimeType: "audio/mpeg", Duration: 30 * time.Second, HasAudio: true},
		}},
		tool: &fakeTool{},
	}
	h.uc = New(Deps{
		Editor:    h.editor,
		Publisher: h.publisher,
		Video:     h.video,
		Poller:    poller.New(h.video, poller.Options{MaxAttempts: 5, Sleep: noSleep}),
		Fetcher:   h.fetcher,
		Matcher:   matcher.New(h.tool, matcher.Options{}),
		Slate:     slate.New(h.tool, slate.Options{BackdropPath: filepath.Join(tmp, "missing.png"), FontPath: filepath.Join(tmp, "missing.ttf")}),
	})
	h.in = Input{
		PhotoPath: photo,
		Action:    types.ActionRunning,
		Ratio:     types.RatioPortrait,
		Duration:  5,
		WorkDir:   work,
		OutDir:    filepath.Join(tmp, "out"),
	}
	return h
}

func succeeded() []types.JobStatus {
	return []types.JobStatus{
		{State: types.StatePending},
		{State: types.StatePending},
		{State: types.StateSucceeded, Outputs: []string{"https://cdn.example/out.mp4"}},
	}
}

func TestRun_PlainClip(t *testing.T) {
	h := newHarness(t, succeeded()...)

	res, err := h.uc.Run(context.Background(), h.in)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/out.mp4", res.VideoURL)
	assert.Equal(t, "https://img.example/pet-running.png", res.ImageURL)
	assert.Empty(t, res.LocalVideoPath)
	assert.Zero(t, res.ExtendedDurationSeconds)
	assert.FileExists(t, res.LocalImagePath)
	assert.Empty(t, h.fetcher.refs, "video is not downloaded when nothing is assembled")
	assert.Equal(t, 3, h.video.polls)

	require.Len(t, h.video.requests, 1)
	req := h.video.requests[0]
	assert.Equal(t, 5, req.Params.Duration)
	assert.Contains(t, req.Params.PromptText, "puppy running in place")
	assert.NotEmpty(t, req.InlineImage)
	require.Len(t, h.editor.prompts, 1)
	assert.True(t, strings.HasSuffix(h.editor.prompts[0], "The dog is running in place."))
}

func TestRun_AudioExtendedToTarget(t *testing.T) {
	h := newHarness(t, succeeded()...)
	h.in.AudioPath = filepath.Join(h.in.WorkDir, "song.mp3")
	h.in.ExtendedDuration = 45 * time.Second

	res, err := h.uc.Run(context.Background(), h.in)
	require.NoError(t, err)
	assert.Equal(t, 45, res.ExtendedDurationSeconds)
	assert.FileExists(t, res.LocalVideoPath)
	assert.Equal(t, 1, h.tool.muxed)

	require.NotEmpty(t, h.tool.loops)
	segs := h.tool.loops[0]
	assert.GreaterOrEqual(t, len(segs), 9)
	var total time.Duration
	for _, s := range segs {
		total += s.Length()
	}
	assert.InDelta(t, float64(45*time.Second), float64(total), float64(50*time.Millisecond))
}

func TestRun_MissingSlateAssetsDoNotFail(t *testing.T) {
	h := newHarness(t, succeeded()...)
	h.in.Message = "Happy Birthday!"

	res, err := h.uc.Run(context.Background(), h.in)
	require.NoError(t, err)
	assert.FileExists(t, res.LocalVideoPath)
	assert.Zero(t, res.ExtendedDurationSeconds)
	assert.Equal(t, []string{"https://cdn.example/out.mp4"}, h.fetcher.refs)
}

func TestRun_BirthdayDanceUsesDefaultSong(t *testing.T) {
	h := newHarness(t, succeeded()...)
	h.in.Action = types.ActionBirthdayDance
	h.in.BirthdaySong = filepath.Join(h.in.WorkDir, "song.mp3")

	res, err := h.uc.Run(context.Background(), h.in)
	require.NoError(t, err)
	assert.Equal(t, 5, res.ExtendedDurationSeconds)
	assert.Contains(t, h.fetcher.refs, h.in.BirthdaySong)
	assert.Equal(t, 1, h.tool.muxed)
}

func TestRun_InvalidParametersBeforeNetwork(t *testing.T) {
	cases := map[string]func(*Input){
		"ratio":    func(in *Input) { in.Ratio = "4:3" },
		"duration": func(in *Input) { in.Duration = 7 },
		"action":   func(in *Input) { in.Action = "flying" },
		"photo":    func(in *Input) { in.PhotoPath = filepath.Join(filepath.Dir(in.PhotoPath), "missing.png") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, succeeded()...)
			mutate(&h.in)
			_, err := h.uc.Run(context.Background(), h.in)
			require.ErrorIs(t, err, types.ErrInvalidParameter)
			assert.Empty(t, h.editor.prompts)
			assert.Empty(t, h.video.requests)
		})
	}
}

func TestRun_PhotoNotAnImage(t *testing.T) {
	h := newHarness(t, succeeded()...)
	require.NoError(t, os.WriteFile(h.in.PhotoPath, []byte("<html>nope</html>"), 0o644))

	_, err := h.uc.Run(context.Background(), h.in)
	require.ErrorIs(t, err, types.ErrNotMedia)
	assert.Empty(t, h.editor.prompts)
}

func TestRun_JobFailedIsBusinessFailure(t *testing.T) {
	h := newHarness(t, types.JobStatus{State: types.StateFailed, Reason: "moderation"})

	_, err := h.uc.Run(context.Background(), h.in)
	var bf *types.BusinessFailure
	require.ErrorAs(t, err, &bf)
	assert.Equal(t, "moderation", bf.Reason)
}

func TestRun_SucceededWithoutOutputs(t *testing.T) {
	h := newHarness(t, types.JobStatus{State: types.StateSucceeded})
	_, err := h.uc.Run(context.Background(), h.in)
	assert.ErrorIs(t, err, types.ErrRemoteService)
}

func TestRun_PollerTimeout(t *testing.T) {
	h := newHarness(t, types.JobStatus{State: types.StateRunning})
	_, err := h.uc.Run(context.Background(), h.in)
	assert.ErrorIs(t, err, types.ErrTimeout)
	assert.Equal(t, "await_job", FailedStage(err))
	assert.Equal(t, 5, h.video.polls)
}

func TestRun_EditFailureSurfaces(t *testing.T) {
	h := newHarness(t, succeeded()...)
	h.editor.err = &types.RemoteServiceError{Service: "openai", Status: 500}
	_, err := h.uc.Run(context.Background(), h.in)
	assert.ErrorIs(t, err, types.ErrRemoteService)
	assert.Equal(t, "edit_image", FailedStage(err))
	assert.Empty(t, h.video.requests)
}

func TestRun_UseLocalStoragePassedToPublisher(t *testing.T) {
	h := newHarness(t, succeeded()...)
	h.in.UseLocalStorage = true
	_, err := h.uc.Run(context.Background(), h.in)
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, h.publisher.localOnly)
}

func TestBuildPrompts(t *testing.T) {
	assert.Contains(t, BuildEditPrompt(types.ActionTailWagging), "The dog is tail wagging in place.")
	assert.Contains(t, BuildVideoPrompt(types.ActionBirthdayDance), "puppy birthday dance in place")
}
