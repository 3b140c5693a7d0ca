// Package assemble builds the user turn for a generation request from a text
// prompt and an optional image, shaped for the resolved backend.
//
// When the backend accepts images, the caller's file is validated, decoded,
// fitted into the configured pixel bounds and re-encoded as JPEG into the
// temp directory under the job id. The caller's file is never modified. The
// materialised copy belongs to the task and is reported in
// [Payload.AssetPath] so the lifecycle manager can delete it.
//
// Remote backends cannot read the local filesystem and receive the image as a
// base64 data URL; local backends receive the path and the pixel bounds.
package assemble

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	// Decoders registered for image.Decode.
	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/MrWong99/agentengine/pkg/backend"
	"github.com/MrWong99/agentengine/pkg/types"
)

// Defaults applied by [New].
const (
	DefaultTmpDir      = "asset/tmp"
	DefaultMaxPixels   = 660 * 660
	DefaultMinPixels   = 128 * 128
	DefaultJPEGQuality = 90
)

// assetExt is the extension of every materialised asset.
const assetExt = ".jpg"

// Config configures an [Assembler].
type Config struct {
	// TmpDir receives materialised assets. Created if missing.
	TmpDir string

	// Language, when set, is appended to every prompt as a response-language
	// instruction.
	Language string

	// MaxPixels and MinPixels bound the image area in pixels.
	MaxPixels int
	MinPixels int

	// JPEGQuality is the re-encoding quality in [1, 100].
	JPEGQuality int
}

// Payload is the assembled user turn.
type Payload struct {
	// Message is the user message to send after the conversation snapshot.
	Message types.Message

	// AssetPath is the materialised image owned by the task, or empty.
	AssetPath string
}

// Assembler builds payloads. It is safe for concurrent use as long as job
// ids are unique.
type Assembler struct {
	cfg Config
	log *slog.Logger
}

// Option is a functional option for Assembler.
type Option func(*Assembler)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Assembler) { a.log = l }
}

// New creates an Assembler and ensures the temp directory exists.
func New(cfg Config, opts ...Option) (*Assembler, error) {
	if cfg.TmpDir == "" {
		cfg.TmpDir = DefaultTmpDir
	}
	if cfg.MaxPixels <= 0 {
		cfg.MaxPixels = DefaultMaxPixels
	}
	if cfg.MinPixels <= 0 {
		cfg.MinPixels = DefaultMinPixels
	}
	if cfg.MinPixels > cfg.MaxPixels {
		return nil, fmt.Errorf("assemble: %w: min_pixels %d exceeds max_pixels %d",
			backend.ErrConfiguration, cfg.MinPixels, cfg.MaxPixels)
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = DefaultJPEGQuality
	}
	if err := os.MkdirAll(cfg.TmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("assemble: create temp dir: %w", err)
	}

	a := &Assembler{cfg: cfg, log: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// TmpDir returns the directory assets are materialised into.
func (a *Assembler) TmpDir() string { return a.cfg.TmpDir }

// Build assembles the user turn for prompt and the optional imagePath.
//
// With images unsupported, or no image given, the message is the plain
// prompt. A missing image file with images supported yields an error wrapping
// [backend.ErrMissingAsset]; any other image failure leaves no file behind.
func (a *Assembler) Build(jobID, prompt, imagePath string, caps backend.Capabilities, kind backend.Kind) (Payload, error) {
	text := a.withLanguage(prompt)

	if imagePath == "" || !caps.SupportsImages {
		if imagePath != "" {
			a.log.Debug("backend does not accept images; dropping from payload", "job_id", jobID, "image", imagePath)
		}
		return Payload{Message: types.Message{Role: types.RoleUser, Content: text}}, nil
	}

	info, err := os.Stat(imagePath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return Payload{}, fmt.Errorf("assemble: %w: image file not found: %s", backend.ErrMissingAsset, imagePath)
	case err != nil:
		return Payload{}, fmt.Errorf("assemble: stat image: %w", err)
	case info.IsDir():
		return Payload{}, fmt.Errorf("assemble: %w: image path is a directory: %s", backend.ErrMissingAsset, imagePath)
	}

	assetPath := a.AssetPath(jobID)
	raw, err := a.materialize(imagePath, assetPath)
	if err != nil {
		return Payload{}, err
	}

	img := types.Part{Type: types.PartImage}
	if kind == backend.KindRemote {
		img.ImageURL = "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(raw)
	} else {
		img.ImagePath = assetPath
		img.MaxPixels = a.cfg.MaxPixels
		img.MinPixels = a.cfg.MinPixels
	}

	return Payload{
		Message: types.Message{
			Role:  types.RoleUser,
			Parts: []types.Part{img, types.TextPart(text)},
		},
		AssetPath: assetPath,
	}, nil
}

// AssetPath returns where the asset for jobID is materialised.
func (a *Assembler) AssetPath(jobID string) string {
	return filepath.Join(a.cfg.TmpDir, jobID+assetExt)
}

func (a *Assembler) withLanguage(prompt string) string {
	if a.cfg.Language == "" {
		return prompt
	}
	return prompt + "\n\n(Please respond only in language " + strings.ToUpper(a.cfg.Language) + ")"
}

// materialize decodes src, fits it into the pixel bounds, and writes it as
// JPEG to dst. It returns the encoded bytes.
func (a *Assembler) materialize(src, dst string) ([]byte, error) {
	f, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("assemble: open image: %w", err)
	}
	defer f.Close()

	decoded, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("assemble: decode image %s: %w", src, err)
	}
	fitted := fit(decoded, a.cfg.MinPixels, a.cfg.MaxPixels)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, fitted, &jpeg.Options{Quality: a.cfg.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("assemble: encode jpeg: %w", err)
	}
	if err := os.WriteFile(dst, buf.Bytes(), 0o600); err != nil {
		_ = os.Remove(dst)
		return nil, fmt.Errorf("assemble: write asset: %w", err)
	}

	b := fitted.Bounds()
	a.log.Debug("image materialised", "src", src, "format", format, "dst", dst,
		"width", b.Dx(), "height", b.Dy())
	return buf.Bytes(), nil
}

// fit scales img, preserving its aspect ratio, so that its area lies within
// [minPixels, maxPixels]. Images already in range are flattened onto an RGBA
// canvas without scaling.
func fit(img image.Image, minPixels, maxPixels int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	area := w * h
	if area == 0 {
		return img
	}

	scale := 1.0
	switch {
	case area > maxPixels:
		scale = math.Sqrt(float64(maxPixels) / float64(area))
	case area < minPixels:
		scale = math.Sqrt(float64(minPixels) / float64(area))
	}

	nw := max(1, int(math.Round(float64(w)*scale)))
	nh := max(1, int(math.Round(float64(h)*scale)))
	// Rounding may overshoot the ceiling by a row or column.
	for nw*nh > maxPixels && nw > 1 && nh > 1 {
		if nw >= nh {
			nw--
		} else {
			nh--
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	if nw == w && nh == h {
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
		return dst
	}
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
