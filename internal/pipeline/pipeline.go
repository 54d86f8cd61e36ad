package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/forPelevin/petclip/internal/config"
	"github.com/forPelevin/petclip/internal/fetch"
	"github.com/forPelevin/petclip/internal/hosting"
	"github.com/forPelevin/petclip/internal/log"
	"github.com/forPelevin/petclip/internal/matcher"
	"github.com/forPelevin/petclip/internal/metrics"
	"github.com/forPelevin/petclip/internal/poller"
	"github.com/forPelevin/petclip/internal/ports"
	"github.com/forPelevin/petclip/internal/ports/adapters/apiclient"
	"github.com/forPelevin/petclip/internal/ports/adapters/ffmpeg"
	"github.com/forPelevin/petclip/internal/ports/adapters/imgbb"
	"github.com/forPelevin/petclip/internal/ports/adapters/openai"
	"github.com/forPelevin/petclip/internal/ports/adapters/runway"
	"github.com/forPelevin/petclip/internal/slate"
	"github.com/forPelevin/petclip/internal/types"
	"github.com/forPelevin/petclip/internal/usecase"
)

// ResultFile is written into every run directory.
const ResultFile = "result.json"

type Config struct {
	PhotoPath        string
	Action           types.Action
	Ratio            types.Ratio
	Duration         int
	AudioPath        string
	ExtendedDuration time.Duration
	Message          string
	SlateDuration    time.Duration
	UseLocalStorage  bool
	// JobID correlates logs; a random id is used when empty.
	JobID string

	OutDir string
	// CacheDir is the base directory for per-job scratch space.
	// If empty, defaults to ".cache".
	CacheDir string

	FFmpegPath  string
	FFprobePath string

	OpenAIAPIKey       string
	OpenAIBaseURL      string
	OpenAIAllowedHosts []string
	OpenAIModel        string

	ImgBBAPIKey       string
	ImgBBBaseURL      string
	ImgBBAllowedHosts []string

	RunwayAPIKey       string
	RunwayBaseURL      string
	RunwayAllowedHosts []string
	RunwayModel        string

	SlateBackdrop string
	SlateFont     string
	BirthdaySong  string

	PollInitialDelay time.Duration
	PollInterval     time.Duration
	PollMaxAttempts  int

	// HTTPClient is shared by every remote adapter. Nil uses the default client.
	HTTPClient *http.Client
}

// FromEnv copies the environment-driven settings into a run config. Run
// inputs such as the photo and action are left for the caller.
func FromEnv(env config.Config) Config {
	return Config{
		CacheDir:    env.CacheDir,
		FFmpegPath:  env.FFmpegPath,
		FFprobePath: env.FFprobePath,

		OpenAIAPIKey:       env.OpenAIAPIKey,
		OpenAIBaseURL:      env.OpenAIBaseURL,
		OpenAIAllowedHosts: env.OpenAIAllowedHosts,
		OpenAIModel:        env.OpenAIModel,

		ImgBBAPIKey:       env.ImgBBAPIKey,
		ImgBBBaseURL:      env.ImgBBBaseURL,
		ImgBBAllowedHosts: env.ImgBBAllowedHosts,

		RunwayAPIKey:       env.RunwayAPIKey,
		RunwayBaseURL:      env.RunwayBaseURL,
		RunwayAllowedHosts: env.RunwayAllowedHosts,
		RunwayModel:        env.RunwayModel,

		SlateBackdrop: env.SlateBackdrop,
		SlateFont:     env.SlateFont,
		BirthdaySong:  env.BirthdaySong,

		PollInitialDelay: env.PollInitialDelay,
		PollInterval:     env.PollInterval,
		PollMaxAttempts:  env.PollMaxAttempts,
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.PhotoPath) == "" {
		return types.InvalidParameter("photo", "path is empty")
	}
	if _, err := os.Stat(c.PhotoPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return types.InvalidParameter("photo", fmt.Sprintf("%s does not exist", c.PhotoPath))
		}
		return fmt.Errorf("stat photo: %w", err)
	}
	if err := c.Action.Validate(); err != nil {
		return err
	}
	if err := (types.EditParameters{Ratio: c.Ratio, Duration: c.Duration}).Validate(); err != nil {
		return err
	}
	if c.ExtendedDuration < 0 {
		return types.InvalidParameter("extended duration", "must not be negative")
	}
	if err := apiclient.ValidateBaseURL(openai.Endpoint, c.OpenAIBaseURL, c.OpenAIAllowedHosts); err != nil {
		return err
	}
	if err := apiclient.ValidateBaseURL(runway.Endpoint, c.RunwayBaseURL, c.RunwayAllowedHosts); err != nil {
		return err
	}
	if c.ImgBBAPIKey != "" {
		return apiclient.ValidateBaseURL(imgbb.Endpoint, c.ImgBBBaseURL, c.ImgBBAllowedHosts)
	}
	return nil
}

// Run validates cfg, wires the adapters and executes one clip job. Outputs
// land in a fresh run directory under OutDir next to result.json; scratch
// files live in a per-job temp directory that is always removed.
func Run(ctx context.Context, cfg Config) (res types.ResultDescriptor, err error) {
	defer func() { metrics.RecordRun(runOutcome(err)) }()

	if err := cfg.Validate(); err != nil {
		return res, err
	}
	jobID := cfg.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	ctx = log.ContextWithJobID(ctx, jobID)
	l := log.For(ctx, log.WithComponent("pipeline"))

	baseCache := cfg.CacheDir
	if baseCache == "" {
		baseCache = ".cache"
	}
	jobsDir := filepath.Join(baseCache, "jobs")
	if err := os.MkdirAll(jobsDir, 0o755); err != nil {
		return res, err
	}
	workDir, err := os.MkdirTemp(jobsDir, "job-"+hash(jobID)+"-")
	if err != nil {
		return res, fmt.Errorf("create work dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			l.Warn().Err(rmErr).Str("dir", workDir).Msg("could not remove work dir")
		}
	}()

	outRoot := cfg.OutDir
	if outRoot == "" {
		outRoot = "out"
	}
	runOutDir := buildRunOutDir(outRoot, cfg.PhotoPath, time.Now().UTC())
	if err := os.MkdirAll(runOutDir, 0o755); err != nil {
		return res, err
	}
	l.Info().Str("work", workDir).Str("out", runOutDir).Msg("workspace ready")

	uc := usecase.New(wire(cfg, runOutDir))
	res, err = uc.Run(ctx, usecase.Input{
		PhotoPath:        cfg.PhotoPath,
		Action:           cfg.Action,
		Ratio:            cfg.Ratio,
		Duration:         cfg.Duration,
		AudioPath:        cfg.AudioPath,
		BirthdaySong:     cfg.BirthdaySong,
		ExtendedDuration: cfg.ExtendedDuration,
		Message:          cfg.Message,
		SlateDuration:    cfg.SlateDuration,
		UseLocalStorage:  cfg.UseLocalStorage,
		WorkDir:          workDir,
		OutDir:           runOutDir,
	})
	if err != nil {
		return res, err
	}

	b, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return res, fmt.Errorf("marshal result: %w", err)
	}
	resultPath := filepath.Join(runOutDir, ResultFile)
	if err := os.WriteFile(resultPath, b, 0o644); err != nil {
		return res, err
	}
	l.Info().Str("result", resultPath).Msg("result written")
	return res, nil
}

func wire(cfg Config, runOutDir string) usecase.Deps {
	tool := ffmpeg.New(cfg.FFmpegPath, cfg.FFprobePath)
	video := runway.New(runway.Options{
		APIKey:     cfg.RunwayAPIKey,
		BaseURL:    cfg.RunwayBaseURL,
		Model:      cfg.RunwayModel,
		HTTPClient: cfg.HTTPClient,
	})

	var remote ports.ImageHost
	if cfg.ImgBBAPIKey != "" {
		remote = imgbb.New(imgbb.Options{APIKey: cfg.ImgBBAPIKey, BaseURL: cfg.ImgBBBaseURL, HTTPClient: cfg.HTTPClient})
	}

	return usecase.Deps{
		Editor: openai.New(openai.Options{
			APIKey:     cfg.OpenAIAPIKey,
			BaseURL:    cfg.OpenAIBaseURL,
			Model:      cfg.OpenAIModel,
			HTTPClient: cfg.HTTPClient,
		}),
		Publisher: hosting.New(hosting.Options{
			Remote:          remote,
			LocalDir:        filepath.Join(runOutDir, "hosted"),
			UseLocalStorage: cfg.UseLocalStorage,
		}),
		Video: video,
		Poller: poller.New(video, poller.Options{
			InitialDelay: max(cfg.PollInitialDelay, 0),
			PollInterval: cfg.PollInterval,
			MaxAttempts:  cfg.PollMaxAttempts,
		}),
		Fetcher: fetch.New(fetch.Options{HTTPClient: cfg.HTTPClient, Prober: tool}),
		Matcher: matcher.New(tool, matcher.Options{}),
		Slate:   slate.New(tool, slate.Options{BackdropPath: cfg.SlateBackdrop, FontPath: cfg.SlateFont}),
	}
}

func runOutcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(types.Classify(err))
}

func buildRunOutDir(outRoot, photoPath string, now time.Time) string {
	name := strings.TrimSuffix(filepath.Base(photoPath), filepath.Ext(photoPath))
	name = normalizePathSegment(name)
	if name == "" {
		name = "photo"
	}
	ts := now.UTC().Format("20060102-150405Z")
	runSeed := fmt.Sprintf("%s|%d", photoPath, now.UTC().UnixNano())
	suffix := hash(runSeed)[:6]
	return filepath.Join(outRoot, fmt.Sprintf("%s-%s-%s", name, ts, suffix))
}

func normalizePathSegment(s string) string {
	var b strings.Builder
	prevDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
			prevDash = false
		default:
			if !prevDash {
				b.WriteByte('-')
				prevDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

func hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}

// ensure adapters implement ports
var (
	_ ports.MediaTool       = (*ffmpeg.Adapter)(nil)
	_ ports.ImageEditor     = (*openai.Adapter)(nil)
	_ ports.ImageHost       = (*imgbb.Adapter)(nil)
	_ ports.VideoGenerator  = (*runway.Adapter)(nil)
	_ ports.ImagePublisher  = (*hosting.Chain)(nil)
	_ ports.JobAwaiter      = (*poller.Poller)(nil)
	_ ports.MediaFetcher    = (*fetch.Fetcher)(nil)
	_ ports.DurationMatcher = (*matcher.Matcher)(nil)
	_ ports.SlateComposer   = (*slate.Composer)(nil)
)
