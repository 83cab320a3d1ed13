package differs

import (
	"bytes"
	"context"
	"encoding/ascii85"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	_ "image/gif"
	_ "image/jpeg"

	xdraw "golang.org/x/image/draw"
)

func init() {
	mustRegister(&Definition{
		Name:                "image",
		Description:         "Pixel-wise image comparison",
		SubDirectives:       []string{"data_type", "mse_threshold"},
		DefaultSubDirective: "data_type",
		Apply:               imageApply,
	})
}

func imageApply(ctx context.Context, dc *Context) (string, error) {
	dataType := stringArg(dc.Args, "data_type", "url")
	threshold := floatArg(dc.Args, "mse_threshold", 2.5)

	oldBytes, err := imageBytes(ctx, dc.OldData, dataType)
	if err != nil {
		return "", fmt.Errorf("failed to load old image: %w", err)
	}
	newBytes, err := imageBytes(ctx, dc.NewData, dataType)
	if err != nil {
		return "", fmt.Errorf("failed to load new image: %w", err)
	}

	oldImage, _, err := image.Decode(bytes.NewReader(oldBytes))
	if err != nil {
		return "", fmt.Errorf("failed to decode old image: %w", err)
	}
	newImage, _, err := image.Decode(bytes.NewReader(newBytes))
	if err != nil {
		return "", fmt.Errorf("failed to decode new image: %w", err)
	}

	// Resize both to the common bounding box so a resolution change alone
	// does not drown out content changes. The larger image shrinks.
	bounds := commonBounds(oldImage.Bounds(), newImage.Bounds())
	oldScaled := scaleTo(oldImage, bounds)
	newScaled := scaleTo(newImage, bounds)

	mse, overlay := diffImages(oldScaled, newScaled)
	if mse < threshold {
		return "", ErrNoReport
	}

	switch dc.Kind {
	case KindHTML:
		var overlayBuf bytes.Buffer
		if err := png.Encode(&overlayBuf, overlay); err != nil {
			return "", fmt.Errorf("failed to encode diff overlay: %w", err)
		}
		return fmt.Sprintf(
			`<p>Image changed (MSE %.2f)</p><img src="data:image/png;base64,%s" alt="new"><img src="data:image/png;base64,%s" alt="difference">`,
			mse,
			base64.StdEncoding.EncodeToString(newBytes),
			base64.StdEncoding.EncodeToString(overlayBuf.Bytes()),
		), nil
	default:
		return fmt.Sprintf("Image changed (MSE %.2f)", mse), nil
	}
}

// imageBytes resolves an image reference to raw bytes. References may be a
// URL, a local filename, or an inline base64/ascii85 payload.
func imageBytes(ctx context.Context, ref, dataType string) ([]byte, error) {
	switch dataType {
	case "url":
		request, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSpace(ref), nil)
		if err != nil {
			return nil, err
		}
		client := &http.Client{Timeout: 60 * time.Second}
		response, err := client.Do(request)
		if err != nil {
			return nil, err
		}
		defer response.Body.Close()
		if response.StatusCode >= 400 {
			return nil, fmt.Errorf("HTTP %d fetching image", response.StatusCode)
		}
		return io.ReadAll(response.Body)
	case "filename":
		return os.ReadFile(strings.TrimSpace(ref))
	case "base64":
		return base64.StdEncoding.DecodeString(strings.TrimSpace(ref))
	case "ascii85":
		decoded := make([]byte, len(ref))
		n, _, err := ascii85.Decode(decoded, []byte(strings.TrimSpace(ref)), true)
		if err != nil {
			return nil, err
		}
		return decoded[:n], nil
	default:
		return nil, fmt.Errorf("unsupported data_type %q", dataType)
	}
}

func commonBounds(a, b image.Rectangle) image.Rectangle {
	width := a.Dx()
	if b.Dx() < width {
		width = b.Dx()
	}
	height := a.Dy()
	if b.Dy() < height {
		height = b.Dy()
	}
	return image.Rect(0, 0, width, height)
}

func scaleTo(src image.Image, bounds image.Rectangle) *image.RGBA {
	dst := image.NewRGBA(bounds)
	xdraw.CatmullRom.Scale(dst, bounds, src, src.Bounds(), xdraw.Over, nil)
	return dst
}

// diffImages computes the mean-squared error across RGB channels and builds
// the overlay image: greyscale base with changed pixels tinted yellow.
func diffImages(oldImage, newImage *image.RGBA) (float64, *image.RGBA) {
	bounds := oldImage.Bounds()
	overlay := image.NewRGBA(bounds)

	var sum float64
	pixels := bounds.Dx() * bounds.Dy()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			op := oldImage.RGBAAt(x, y)
			np := newImage.RGBAAt(x, y)

			dr := absDiff(op.R, np.R)
			dg := absDiff(op.G, np.G)
			db := absDiff(op.B, np.B)
			sum += float64(dr)*float64(dr) + float64(dg)*float64(dg) + float64(db)*float64(db)

			grey := uint8((uint32(np.R)*299 + uint32(np.G)*587 + uint32(np.B)*114) / 1000)
			if dr > 0 || dg > 0 || db > 0 {
				overlay.SetRGBA(x, y, color.RGBA{R: 255, G: 255, B: grey / 4, A: 255})
			} else {
				overlay.SetRGBA(x, y, color.RGBA{R: grey, G: grey, B: grey, A: 255})
			}
		}
	}

	if pixels == 0 {
		return 0, overlay
	}
	return sum / float64(pixels*3), overlay
}

func absDiff(a, b uint8) uint8 {
	if a > b {
		return a - b
	}
	return b - a
}
