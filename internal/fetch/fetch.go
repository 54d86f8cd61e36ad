// Package fetch resolves media references to local files and verifies that the
// bytes really are media before anything downstream touches them.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/forPelevin/petclip/internal/log"
	"github.com/forPelevin/petclip/internal/ports"
	"github.com/forPelevin/petclip/internal/types"
)

const (
	DefaultTimeout  = 120 * time.Second
	DefaultMaxBytes = 512 << 20
)

type Options struct {
	HTTPClient *http.Client
	// Prober fills duration and stream details for video and audio. Optional.
	Prober   ports.Prober
	Timeout  time.Duration
	MaxBytes int64
}

type Fetcher struct {
	client   *http.Client
	prober   ports.Prober
	timeout  time.Duration
	maxBytes int64
	log      zerolog.Logger
}

func New(opts Options) *Fetcher {
	f := &Fetcher{
		client:   opts.HTTPClient,
		prober:   opts.Prober,
		timeout:  opts.Timeout,
		maxBytes: opts.MaxBytes,
		log:      log.WithComponent("fetch"),
	}
	if f.client == nil {
		f.client = &http.Client{}
	}
	if f.timeout <= 0 {
		f.timeout = DefaultTimeout
	}
	if f.maxBytes <= 0 {
		f.maxBytes = DefaultMaxBytes
	}
	return f
}

// Fetch reads ref (http(s) URL, file:// URL, local path or data URI), checks
// its signature and writes it under destDir. Payloads that are not media are
// rejected with a *types.NotMediaError and never written.
func (f *Fetcher) Fetch(ctx context.Context, ref, destDir string) (types.MediaAsset, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return types.MediaAsset{}, types.InvalidParameter("ref", "is empty")
	}
	data, err := f.read(ctx, ref)
	if err != nil {
		return types.MediaAsset{}, err
	}
	source := describe(ref)

	if looksLikeText(data) {
		return types.MediaAsset{}, &types.NotMediaError{Source: source, Header: headerHex(data), Reason: "payload looks like text"}
	}
	fm, ok := sniff(data)
	if !ok {
		normalized, err := NormalizePNG(data)
		if err != nil {
			return types.MediaAsset{}, &types.NotMediaError{Source: source, Header: headerHex(data), Reason: "unrecognised signature"}
		}
		log.For(ctx, f.log).Info().Str("source", source).Msg("normalised unrecognised image to png")
		data, fm = normalized, format{"image/png", ".png"}
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return types.MediaAsset{}, fmt.Errorf("create dest dir: %w", err)
	}
	path := filepath.Join(destDir, "media-"+uuid.NewString()[:8]+fm.ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return types.MediaAsset{}, fmt.Errorf("write media: %w", err)
	}

	asset := types.MediaAsset{Path: path, MimeType: fm.mime}
	switch asset.Kind() {
	case types.KindImage:
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
			asset.Width, asset.Height = cfg.Width, cfg.Height
		}
	case types.KindVideo, types.KindAudio:
		if f.prober != nil {
			probed, err := f.prober.Probe(ctx, path)
			if err != nil {
				return types.MediaAsset{}, err
			}
			asset.Duration = probed.Duration
			asset.Width, asset.Height = probed.Width, probed.Height
			asset.HasAudio = probed.HasAudio || asset.Kind() == types.KindAudio
		}
	}
	log.For(ctx, f.log).Debug().Str("path", path).Str("mime", asset.MimeType).Dur("duration", asset.Duration).Msg("media fetched")
	return asset, nil
}

func (f *Fetcher) read(ctx context.Context, ref string) ([]byte, error) {
	switch {
	case types.IsDataURI(ref):
		_, data, err := types.DecodeDataURI(ref)
		if err != nil {
			return nil, types.InvalidParameter("ref", err.Error())
		}
		return data, nil
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return f.download(ctx, ref)
	case strings.HasPrefix(ref, "file://"):
		u, err := url.Parse(ref)
		if err != nil {
			return nil, types.InvalidParameter("ref", fmt.Sprintf("bad file url: %v", err))
		}
		return f.readFile(u.Path)
	default:
		return f.readFile(ref)
	}
}

func (f *Fetcher) readFile(path string) ([]byte, error) {
	fh, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, types.InvalidParameter("ref", fmt.Sprintf("%s does not exist", path))
		}
		return nil, fmt.Errorf("open media: %w", err)
	}
	defer fh.Close()
	return f.readLimited(fh, path)
}

func (f *Fetcher) download(ctx context.Context, ref string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, types.InvalidParameter("ref", err.Error())
	}
	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		detail := ""
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			detail = fmt.Sprintf("timeout after %s", f.timeout)
		}
		return nil, &types.RemoteServiceError{Service: "media host", Op: "download", Detail: detail, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &types.RemoteServiceError{Service: "media host", Op: "download", Status: resp.StatusCode, Detail: describe(ref)}
	}
	data, err := f.readLimited(resp.Body, describe(ref))
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return data, err
}

func (f *Fetcher) readLimited(r io.Reader, source string) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read media %s: %w", source, err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, types.InvalidParameter("ref", fmt.Sprintf("%s exceeds %d bytes", source, f.maxBytes))
	}
	if len(data) == 0 {
		return nil, &types.NotMediaError{Source: source, Reason: "empty payload"}
	}
	return data, nil
}

// NormalizePNG decodes any supported image format and re-encodes it as an
// RGBA PNG.
func NormalizePNG(data []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)

	var out bytes.Buffer
	if err := png.Encode(&out, dst); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return out.Bytes(), nil
}

// describe keeps data URIs out of logs and errors.
func describe(ref string) string {
	if types.IsDataURI(ref) {
		return "data URI"
	}
	if u, err := url.Parse(ref); err == nil && u.Scheme != "" {
		u.RawQuery = ""
		u.User = nil
		return u.String()
	}
	return ref
}
