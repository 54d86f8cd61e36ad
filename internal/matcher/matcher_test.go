package matcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forPelevin/petclip/internal/domain/duration"
	"github.com/forPelevin/petclip/internal/types"
)

type fakeTool struct {
	calls    []string
	segments []types.Segment
	loopAud  []bool
	loopErr  error
	extErr   error
	muxArgs  []any
	probe    types.MediaAsset
}

func (f *fakeTool) Probe(context.Context, string) (types.MediaAsset, error) {
	f.calls = append(f.calls, "probe")
	return f.probe, nil
}

func (f *fakeTool) Trim(context.Context, string, time.Duration, string) error {
	f.calls = append(f.calls, "trim")
	return nil
}

func (f *fakeTool) RunLoopFilter(_ context.Context, _ string, segs []types.Segment, withAudio bool, _ string) error {
	f.calls = append(f.calls, "loop")
	f.segments = segs
	f.loopAud = append(f.loopAud, withAudio)
	return f.loopErr
}

func (f *fakeTool) Extend(context.Context, string, time.Duration, string) error {
	f.calls = append(f.calls, "extend")
	return f.extErr
}

func (f *fakeTool) Mux(_ context.Context, video, audio string, d time.Duration, out string) error {
	f.calls = append(f.calls, "mux")
	f.muxArgs = []any{video, audio, d, out}
	return nil
}

func (f *fakeTool) StillToVideo(context.Context, string, time.Duration, int, int, string) error {
	return nil
}

func (f *fakeTool) Concat(context.Context, []string, int, int, bool, string) error { return nil }

func video(d time.Duration) types.MediaAsset {
	return types.MediaAsset{Path: "/work/in.mp4", MimeType: "video/mp4", Duration: d, Width: 720, Height: 1280}
}

func TestMatchDuration_Passthrough(t *testing.T) {
	tool := &fakeTool{}
	in := video(5 * time.Second)
	out, err := New(tool, Options{}).MatchDuration(context.Background(), in, 5*time.Second, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Empty(t, tool.calls)
}

func TestMatchDuration_Trim(t *testing.T) {
	tool := &fakeTool{}
	out, err := New(tool, Options{}).MatchDuration(context.Background(), video(10*time.Second), 7*time.Second, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, []string{"trim"}, tool.calls)
	assert.Equal(t, 7*time.Second, out.Duration)
	assert.NotEqual(t, "/work/in.mp4", out.Path)
}

func TestMatchDuration_Loop(t *testing.T) {
	tool := &fakeTool{}
	out, err := New(tool, Options{}).MatchDuration(context.Background(), video(5*time.Second), 45*time.Second, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, []string{"loop"}, tool.calls)
	assert.GreaterOrEqual(t, len(tool.segments), 9)
	assert.InDelta(t, float64(45*time.Second), float64(out.Duration), float64(duration.Tolerance))
}

func TestMatchDuration_LoopAudioFollowsSource(t *testing.T) {
	tests := []struct {
		name     string
		hasAudio bool
	}{
		{"clip with soundtrack", true},
		{"silent clip", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool := &fakeTool{}
			in := video(5 * time.Second)
			in.HasAudio = tt.hasAudio
			out, err := New(tool, Options{}).MatchDuration(context.Background(), in, 12*time.Second, t.TempDir())
			require.NoError(t, err)
			require.Equal(t, []bool{tt.hasAudio}, tool.loopAud)
			assert.Equal(t, tt.hasAudio, out.HasAudio)
		})
	}
}

func TestMatchDuration_LoopedAudioKeepsAudio(t *testing.T) {
	tool := &fakeTool{}
	song := types.MediaAsset{Path: "/work/song.mp3", MimeType: "audio/mpeg", Duration: 3 * time.Second, HasAudio: true}
	out, err := New(tool, Options{}).MatchDuration(context.Background(), song, 10*time.Second, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, tool.loopAud)
	assert.True(t, out.HasAudio)
	assert.Equal(t, "audio/mp4", out.MimeType)
}

func TestMatchDuration_LoopFallsBackToExtend(t *testing.T) {
	tool := &fakeTool{loopErr: errors.New("filter graph failed")}
	out, err := New(tool, Options{}).MatchDuration(context.Background(), video(5*time.Second), 20*time.Second, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, []string{"loop", "extend"}, tool.calls)
	assert.Equal(t, 20*time.Second, out.Duration)
}

func TestMatchDuration_BothFail(t *testing.T) {
	tool := &fakeTool{loopErr: errors.New("loop"), extErr: errors.New("extend")}
	_, err := New(tool, Options{}).MatchDuration(context.Background(), video(5*time.Second), 20*time.Second, t.TempDir())
	assert.ErrorIs(t, err, types.ErrMediaProcessing)
}

func TestMatchDuration_ProbesUnknownDuration(t *testing.T) {
	tool := &fakeTool{probe: types.MediaAsset{Duration: 10 * time.Second}}
	_, err := New(tool, Options{}).MatchDuration(context.Background(), video(0), 5*time.Second, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, []string{"probe", "trim"}, tool.calls)
}

func TestMatchDuration_CustomSeam(t *testing.T) {
	tool := &fakeTool{}
	_, err := New(tool, Options{SeamTrim: -1}).MatchDuration(context.Background(), video(5*time.Second), 15*time.Second, t.TempDir())
	require.NoError(t, err)
	require.Len(t, tool.segments, 3)
	assert.Equal(t, 5*time.Second, tool.segments[0].End)
}

func TestCombine(t *testing.T) {
	tool := &fakeTool{}
	v := video(12 * time.Second)
	a := types.MediaAsset{Path: "/work/song.mp3", MimeType: "audio/mpeg", Duration: 12 * time.Second}
	out, err := New(tool, Options{}).Combine(context.Background(), v, a, t.TempDir())
	require.NoError(t, err)
	assert.True(t, out.HasAudio)
	assert.Equal(t, 12*time.Second, out.Duration)
	require.Len(t, tool.muxArgs, 4)
	assert.Equal(t, "/work/in.mp4", tool.muxArgs[0])
	assert.Equal(t, "/work/song.mp3", tool.muxArgs[1])
	assert.Equal(t, 12*time.Second, tool.muxArgs[2])
}

func TestCombine_RejectsNonAudio(t *testing.T) {
	_, err := New(&fakeTool{}, Options{}).Combine(context.Background(), video(time.Second),
		types.MediaAsset{Path: "/x.png", MimeType: "image/png"}, t.TempDir())
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}
