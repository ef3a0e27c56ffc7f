package media

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"

	"traffic-monitor-service/internal/domain/detection"
)

var ErrNotImage = errors.New("file is not an image")

// Inspect sniffs the upload and rejects anything that is not image/*. The
// sniffed type wins over the one declared by the client.
func Inspect(data []byte, filename string) (*detection.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty upload", ErrNotImage)
	}

	mtype := mimetype.Detect(data)
	if !strings.HasPrefix(mtype.String(), "image/") {
		return nil, fmt.Errorf("%w: detected %s", ErrNotImage, mtype.String())
	}

	return &detection.Image{
		Data:     data,
		MimeType: mtype.String(),
		Filename: filename,
	}, nil
}

// Preview renders a JPEG thumbnail that fits in maxWidth x maxHeight.
func Preview(img *detection.Image, maxWidth, maxHeight int) ([]byte, error) {
	if img.Empty() {
		return nil, errors.New("no image")
	}
	if maxWidth <= 0 || maxHeight <= 0 {
		return nil, fmt.Errorf("invalid preview bounds %dx%d", maxWidth, maxHeight)
	}

	src, err := imaging.Decode(bytes.NewReader(img.Data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", img.MimeType, err)
	}

	thumb := imaging.Fit(src, maxWidth, maxHeight, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
		return nil, fmt.Errorf("encode preview: %w", err)
	}
	return buf.Bytes(), nil
}
