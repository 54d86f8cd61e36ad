// Package hosting publishes the edited image so the video service can read it.
// Options are tried in order: remote host, local file, inline data URI.
package hosting

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/forPelevin/petclip/internal/log"
	"github.com/forPelevin/petclip/internal/ports"
	"github.com/forPelevin/petclip/internal/types"
)

// Options configures the chain. Remote may be nil.
type Options struct {
	Remote          ports.ImageHost
	LocalDir        string
	UseLocalStorage bool
	// MaxInlineBytes bounds the data URI fallback; zero means no bound.
	MaxInlineBytes int
}

type Chain struct {
	opts Options
	log  zerolog.Logger
}

func New(opts Options) *Chain {
	return &Chain{opts: opts, log: log.WithComponent("hosting")}
}

// Publish returns a reference to image, recording each failed option. When all
// options fail the result is a *types.StorageError. localOnly skips the remote
// host for this call.
func (c *Chain) Publish(ctx context.Context, image []byte, name string, localOnly bool) (string, error) {
	if len(image) == 0 {
		return "", types.InvalidParameter("image", "is empty")
	}
	l := log.For(ctx, c.log)
	var failures []error

	if c.opts.Remote != nil && !c.opts.UseLocalStorage && !localOnly {
		u, err := c.opts.Remote.Upload(ctx, image, name)
		if err == nil {
			l.Info().Str("url", u).Msg("image hosted remotely")
			return u, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		l.Warn().Err(err).Msg("remote image host failed; falling back")
		failures = append(failures, fmt.Errorf("remote: %w", err))
	}

	if c.opts.LocalDir != "" {
		ref, err := c.writeLocal(image, name)
		if err == nil {
			l.Info().Str("ref", ref).Msg("image stored locally")
			return ref, nil
		}
		l.Warn().Err(err).Msg("local image storage failed; falling back")
		failures = append(failures, fmt.Errorf("local: %w", err))
	}

	if c.opts.MaxInlineBytes > 0 && len(image) > c.opts.MaxInlineBytes {
		failures = append(failures, fmt.Errorf("inline: %d bytes exceeds limit %d", len(image), c.opts.MaxInlineBytes))
		return "", &types.StorageError{Attempts: failures}
	}
	l.Info().Int("bytes", len(image)).Msg("image inlined as data URI")
	return types.EncodeDataURI("image/png", image), nil
}

func (c *Chain) writeLocal(image []byte, name string) (string, error) {
	if name == "" {
		name = "image"
	}
	if err := os.MkdirAll(c.opts.LocalDir, 0o755); err != nil {
		return "", err
	}
	abs, err := filepath.Abs(filepath.Join(c.opts.LocalDir, filepath.Base(name)+".png"))
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(abs, image, 0o644); err != nil {
		return "", err
	}
	return "file://" + filepath.ToSlash(abs), nil
}

// IsLocal reports whether ref points at the local filesystem.
func IsLocal(ref string) bool {
	return strings.HasPrefix(ref, "file://")
}
