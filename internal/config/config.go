// Package config loads runtime settings from the environment and an optional .env file.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every environment-driven setting.
type Config struct {
	AppEnv string

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

	FFmpegPath  string
	FFprobePath string

	SlateBackdrop string
	SlateFont     string
	BirthdaySong  string

	CacheDir string

	PollInitialDelay time.Duration
	PollInterval     time.Duration
	PollMaxAttempts  int

	RedisURL string
	Port     string
}

// Load reads a best-effort .env file and then the process environment.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppEnv: getEnv("APP_ENV", "production"),

		OpenAIAPIKey:       strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		OpenAIBaseURL:      getEnv("OPENAI_BASE_URL", "https://api.openai.com"),
		OpenAIAllowedHosts: getEnvList("OPENAI_ALLOWED_HOSTS"),
		OpenAIModel:        getEnv("OPENAI_IMAGE_MODEL", "gpt-image-1"),

		ImgBBAPIKey:       strings.TrimSpace(os.Getenv("IMGBB_API_KEY")),
		ImgBBBaseURL:      getEnv("IMGBB_BASE_URL", "https://api.imgbb.com"),
		ImgBBAllowedHosts: getEnvList("IMGBB_ALLOWED_HOSTS"),

		RunwayAPIKey:       strings.TrimSpace(os.Getenv("RUNWAY_API_KEY")),
		RunwayBaseURL:      getEnv("RUNWAY_BASE_URL", "https://api.dev.runwayml.com"),
		RunwayAllowedHosts: getEnvList("RUNWAY_ALLOWED_HOSTS"),
		RunwayModel:        getEnv("RUNWAY_MODEL", "gen4_turbo"),

		FFmpegPath:  getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath: getEnv("FFPROBE_PATH", "ffprobe"),

		SlateBackdrop: getEnv("SLATE_BACKDROP", "assets/slate_backdrop.png"),
		SlateFont:     getEnv("SLATE_FONT", "assets/slate_font.ttf"),
		BirthdaySong:  getEnv("BIRTHDAY_SONG", "assets/birthday_song.mp3"),

		CacheDir: getEnv("PETCLIP_CACHE_DIR", ""),

		PollInitialDelay: getEnvDuration("POLL_INITIAL_DELAY", 30*time.Second),
		PollInterval:     getEnvDuration("POLL_INTERVAL", 5*time.Second),
		PollMaxAttempts:  getEnvInt("POLL_MAX_ATTEMPTS", 40),

		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),
		Port:     getEnv("PORT", "5000"),
	}
}

// RequireClipKeys reports the API keys a clip run cannot do without.
// The image host key is optional when local storage is requested.
func (c Config) RequireClipKeys(useLocalStorage bool) error {
	var missing []string
	if c.OpenAIAPIKey == "" {
		missing = append(missing, "OPENAI_API_KEY")
	}
	if c.RunwayAPIKey == "" {
		missing = append(missing, "RUNWAY_API_KEY")
	}
	if c.ImgBBAPIKey == "" && !useLocalStorage {
		missing = append(missing, "IMGBB_API_KEY")
	}
	if len(missing) > 0 {
		return errors.New(strings.Join(missing, ", ") + " required (set in .env or environment)")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if sec, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(sec * float64(time.Second))
	}
	return fallback
}

func getEnvList(key string) []string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
