// Package slate prepends a short title card with a text message to a clip.
package slate

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"github.com/forPelevin/petclip/internal/log"
	"github.com/forPelevin/petclip/internal/ports"
	"github.com/forPelevin/petclip/internal/types"
)

const DefaultDuration = 3 * time.Second

type Options struct {
	BackdropPath string
	FontPath     string
	// FontScale is the glyph size as a fraction of the frame height.
	FontScale float64
}

type Composer struct {
	tool ports.MediaTool
	opts Options
	log  zerolog.Logger
}

func New(tool ports.MediaTool, opts Options) *Composer {
	if opts.FontScale <= 0 {
		opts.FontScale = 1.0 / 16
	}
	return &Composer{tool: tool, opts: opts, log: log.WithComponent("slate")}
}

// PrependSlate renders message over the backdrop, turns it into a still clip
// of dur and concatenates it before base. On any failure other than
// cancellation it returns base unchanged with an error matching
// types.ErrSlateSkipped.
func (c *Composer) PrependSlate(ctx context.Context, base types.MediaAsset, message string, dur time.Duration, workDir string) (types.MediaAsset, error) {
	if err := ctx.Err(); err != nil {
		return base, err
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return base, nil
	}
	if dur <= 0 {
		dur = DefaultDuration
	}

	out, err := c.compose(ctx, base, message, dur, workDir)
	if err != nil {
		if ctx.Err() != nil {
			return base, ctx.Err()
		}
		log.For(ctx, c.log).Warn().Err(err).Msg("slate skipped")
		return base, fmt.Errorf("%w: %w", types.ErrSlateSkipped, err)
	}
	return out, nil
}

func (c *Composer) compose(ctx context.Context, base types.MediaAsset, message string, dur time.Duration, workDir string) (types.MediaAsset, error) {
	backdrop, err := loadImage(c.opts.BackdropPath)
	if err != nil {
		return types.MediaAsset{}, fmt.Errorf("backdrop: %w", err)
	}
	if base.Width <= 0 || base.Height <= 0 {
		probed, err := c.tool.Probe(ctx, base.Path)
		if err != nil {
			return types.MediaAsset{}, err
		}
		base.Width, base.Height = probed.Width, probed.Height
		if base.Width <= 0 || base.Height <= 0 {
			return types.MediaAsset{}, errors.New("base clip has no frame size")
		}
	}
	face, err := c.loadFace(base.Height)
	if err != nil {
		return types.MediaAsset{}, fmt.Errorf("font: %w", err)
	}
	defer face.Close()

	frame := Render(backdrop, face, message, base.Width, base.Height)
	id := uuid.NewString()[:8]
	pngPath := filepath.Join(workDir, "slate-"+id+".png")
	if err := writePNG(pngPath, frame); err != nil {
		return types.MediaAsset{}, err
	}

	stillPath := filepath.Join(workDir, "slate-"+id+".mp4")
	if err := c.tool.StillToVideo(ctx, pngPath, dur, base.Width, base.Height, stillPath); err != nil {
		return types.MediaAsset{}, err
	}
	outPath := filepath.Join(workDir, "slated-"+id+".mp4")
	if err := c.tool.Concat(ctx, []string{stillPath, base.Path}, base.Width, base.Height, base.HasAudio, outPath); err != nil {
		return types.MediaAsset{}, err
	}

	out := base
	out.Path = outPath
	out.MimeType = "video/mp4"
	if base.Duration > 0 {
		out.Duration = base.Duration + dur
	}
	log.For(ctx, c.log).Info().Dur("slate", dur).Str("path", outPath).Msg("slate prepended")
	return out, nil
}

func (c *Composer) loadFace(height int) (font.Face, error) {
	if strings.TrimSpace(c.opts.FontPath) == "" {
		return nil, errors.New("no font configured")
	}
	data, err := os.ReadFile(c.opts.FontPath)
	if err != nil {
		return nil, err
	}
	f, err := opentype.Parse(data)
	if err != nil {
		return nil, err
	}
	size := float64(height) * c.opts.FontScale
	if size < 12 {
		size = 12
	}
	return opentype.NewFace(f, &opentype.FaceOptions{Size: size, DPI: 72, Hinting: font.HintingFull})
}

// Render scales the backdrop to exactly width x height and draws the wrapped,
// centred message with a drop shadow.
func Render(backdrop image.Image, face font.Face, message string, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), backdrop, backdrop.Bounds(), draw.Src, nil)

	lines := wrap(face, message, width*85/100)
	metrics := face.Metrics()
	lineHeight := (metrics.Height * 6 / 5).Ceil()
	blockHeight := lineHeight * len(lines)
	top := (height-blockHeight)/2 + metrics.Ascent.Ceil()
	shadow := max(1, height/360)

	for i, line := range lines {
		w := font.MeasureString(face, line).Ceil()
		x := (width - w) / 2
		y := top + i*lineHeight
		drawString(dst, face, line, x+shadow, y+shadow, color.RGBA{A: 170})
		drawString(dst, face, line, x, y, color.White)
	}
	return dst
}

func drawString(dst draw.Image, face font.Face, s string, x, y int, c color.Color) {
	d := &font.Drawer{Dst: dst, Src: image.NewUniform(c), Face: face, Dot: fixed.P(x, y)}
	d.DrawString(s)
}

// wrap breaks message into lines no wider than maxWidth. A single word wider
// than maxWidth gets its own line. Explicit newlines are kept.
func wrap(face font.Face, message string, maxWidth int) []string {
	var lines []string
	for _, para := range strings.Split(message, "\n") {
		words := strings.Fields(para)
		if len(words) == 0 {
			continue
		}
		cur := words[0]
		for _, w := range words[1:] {
			candidate := cur + " " + w
			if font.MeasureString(face, candidate).Ceil() <= maxWidth {
				cur = candidate
				continue
			}
			lines = append(lines, cur)
			cur = w
		}
		lines = append(lines, cur)
	}
	return lines
}

func loadImage(path string) (image.Image, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("no backdrop configured")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
