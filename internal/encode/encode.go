// Package encode serialises finished mosaics to standard image formats.
package encode

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	"gopkg.in/gographics/imagick.v3/imagick"
)

// ErrUnsupportedFormat is returned for a format no encoder handles.
var ErrUnsupportedFormat = errors.New("unsupported output format")

// DefaultJPEGQuality is used for jpeg output.
const DefaultJPEGQuality = 92

// FormatFromPath derives the output format from a file extension; paths
// without one default to png.
func FormatFromPath(path string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	switch ext {
	case "":
		return "png"
	case "jpg":
		return "jpeg"
	case "tif":
		return "tiff"
	}
	return ext
}

// Encode writes img to w in the named format. png, jpeg, tiff and bmp are
// encoded natively; any other name is handed to ImageMagick.
func Encode(w io.Writer, img image.Image, format string) error {
	switch strings.ToLower(format) {
	case "", "png":
		return png.Encode(w, img)
	case "jpeg", "jpg":
		return jpeg.Encode(w, img, &jpeg.Options{Quality: DefaultJPEGQuality})
	case "tiff", "tif":
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
	case "bmp":
		return bmp.Encode(w, img)
	default:
		blob, err := magickConvert(img, format)
		if err != nil {
			return err
		}
		_, err = w.Write(blob)
		return err
	}
}

// PNG returns the png encoding of img.
func PNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFile encodes img by the path's extension and writes it, creating parent
// directories as needed.
func WriteFile(path string, img image.Image) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	var buf bytes.Buffer
	if err := Encode(&buf, img, FormatFromPath(path)); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func magickConvert(img image.Image, format string) ([]byte, error) {
	src, err := PNG(img)
	if err != nil {
		return nil, err
	}

	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImageBlob(src); err != nil {
		return nil, fmt.Errorf("imagick read: %w", err)
	}
	if err := mw.SetImageFormat(strings.ToUpper(format)); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedFormat, format, err)
	}
	blob := mw.GetImageBlob()
	if len(blob) == 0 {
		return nil, fmt.Errorf("%w: %s produced no data", ErrUnsupportedFormat, format)
	}
	return blob, nil
}
