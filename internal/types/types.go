package types

import (
	"fmt"
	"strings"
	"time"
)

// JobHandle identifies an asynchronous job accepted by the video service.
type JobHandle string

type JobState string

const (
	StatePending   JobState = "PENDING"
	StateRunning   JobState = "RUNNING"
	StateSucceeded JobState = "SUCCEEDED"
	StateFailed    JobState = "FAILED"
)

// JobStatus is the interpretation of a single status response.
type JobStatus struct {
	State   JobState
	Outputs []string
	Reason  string
}

func (s JobStatus) IsTerminal() bool {
	return s.State == StateSucceeded || s.State == StateFailed
}

// ParseJobState maps a service status tag onto a JobState. Unknown tags are
// treated as still running so the poller keeps waiting.
func ParseJobState(tag string) JobState {
	switch strings.ToUpper(strings.TrimSpace(tag)) {
	case "PENDING", "QUEUED", "THROTTLED":
		return StatePending
	case "SUCCEEDED", "COMPLETED":
		return StateSucceeded
	case "FAILED", "CANCELLED", "CANCELED":
		return StateFailed
	default:
		return StateRunning
	}
}

// MediaAsset is a local media file plus probed metadata.
type MediaAsset struct {
	Path     string
	MimeType string
	Duration time.Duration
	Width    int
	Height   int
	HasAudio bool
}

type MediaKind string

const (
	KindImage   MediaKind = "image"
	KindVideo   MediaKind = "video"
	KindAudio   MediaKind = "audio"
	KindUnknown MediaKind = "unknown"
)

func (a MediaAsset) Kind() MediaKind {
	switch {
	case strings.HasPrefix(a.MimeType, "image/"):
		return KindImage
	case strings.HasPrefix(a.MimeType, "video/"):
		return KindVideo
	case strings.HasPrefix(a.MimeType, "audio/"):
		return KindAudio
	default:
		return KindUnknown
	}
}

// ResultDescriptor is the pipeline's final output.
type ResultDescriptor struct {
	ImageURL                string `json:"image_url"`
	VideoURL                string `json:"video_url"`
	LocalImagePath          string `json:"local_image_path,omitempty"`
	LocalVideoPath          string `json:"local_video_path,omitempty"`
	ExtendedDurationSeconds int    `json:"extended_duration_seconds,omitempty"`
}

// Ratio is the user-facing aspect ratio.
type Ratio string

const (
	RatioPortrait  Ratio = "9:16"
	RatioLandscape Ratio = "16:9"
	RatioSquare    Ratio = "1:1"
)

var ratioResolutions = map[Ratio]string{
	RatioPortrait:  "720:1280",
	RatioLandscape: "1280:720",
	RatioSquare:    "960:960",
}

// Ratios lists the accepted ratios in presentation order.
func Ratios() []Ratio { return []Ratio{RatioPortrait, RatioLandscape, RatioSquare} }

// ServiceRatio returns the video service's resolution string for r.
func (r Ratio) ServiceRatio() (string, error) {
	v, ok := ratioResolutions[r]
	if !ok {
		return "", InvalidParameter("ratio", fmt.Sprintf("%q must be one of %v", string(r), Ratios()))
	}
	return v, nil
}

// AllowedDurations are the clip lengths the video service accepts, in seconds.
var AllowedDurations = []int{5, 10}

func ValidateDuration(seconds int) error {
	for _, d := range AllowedDurations {
		if d == seconds {
			return nil
		}
	}
	return InvalidParameter("duration", fmt.Sprintf("%d must be one of %v", seconds, AllowedDurations))
}

type Action string

const (
	ActionRunning       Action = "running"
	ActionTailWagging   Action = "tail-wagging"
	ActionJumping       Action = "jumping"
	ActionBirthdayDance Action = "birthday-dance"
)

func Actions() []Action {
	return []Action{ActionRunning, ActionTailWagging, ActionJumping, ActionBirthdayDance}
}

func (a Action) Validate() error {
	for _, v := range Actions() {
		if v == a {
			return nil
		}
	}
	return InvalidParameter("action", fmt.Sprintf("%q must be one of %v", string(a), Actions()))
}

// EditParameters are the video generation settings sent with a job.
type EditParameters struct {
	Ratio      Ratio
	Duration   int
	PromptText string
	Model      string
}

func (p EditParameters) Validate() error {
	if _, err := p.Ratio.ServiceRatio(); err != nil {
		return err
	}
	return ValidateDuration(p.Duration)
}

// JobRequest is a video generation submission. InlineImage, when set, allows
// the client to resubmit the image as a data URI if the service cannot fetch ImageRef.
type JobRequest struct {
	ImageRef    string
	InlineImage []byte
	InlineMIME  string
	Params      EditParameters
}

// Segment is a [Start, End) cut of a media source.
type Segment struct {
	Start time.Duration
	End   time.Duration
}

func (s Segment) Length() time.Duration {
	if s.End < s.Start {
		return 0
	}
	return s.End - s.Start
}
