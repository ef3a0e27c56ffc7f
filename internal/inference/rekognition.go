package inference

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"
	"github.com/rs/zerolog"

	"traffic-monitor-service/internal/domain/detection"
)

// TextDetector is the part of the Rekognition API the plate reader needs.
type TextDetector interface {
	DetectText(ctx context.Context, params *rekognition.DetectTextInput, optFns ...func(*rekognition.Options)) (*rekognition.DetectTextOutput, error)
}

// Plate-shaped text: letters and digits with optional dash/space/dot separators.
var plateShape = regexp.MustCompile(`^[A-Z0-9]{1,4}([- .]?[A-Z0-9]{1,5}){1,3}$`)

// RekognitionPlateReader reads plates from LINE detections returned by
// Rekognition DetectText.
type RekognitionPlateReader struct {
	client        TextDetector
	minConfidence float32
	log           zerolog.Logger
}

func NewRekognitionPlateReader(client TextDetector, minConfidence float32, log zerolog.Logger) *RekognitionPlateReader {
	return &RekognitionPlateReader{client: client, minConfidence: minConfidence, log: log}
}

func (r *RekognitionPlateReader) ReadPlates(ctx context.Context, img *detection.Image) ([]string, error) {
	if r.client == nil {
		return nil, errors.New("rekognition client not initialized")
	}
	if img.Empty() {
		return nil, errors.New("empty image")
	}

	result, err := r.client.DetectText(ctx, &rekognition.DetectTextInput{
		Image: &types.Image{Bytes: img.Data},
	})
	if err != nil {
		return nil, fmt.Errorf("rekognition detect text: %w", err)
	}

	plates := make([]string, 0)
	seen := make(map[string]struct{})
	for _, td := range result.TextDetections {
		if td.Type != types.TextTypesLine || td.DetectedText == nil {
			continue
		}
		if td.Confidence != nil && *td.Confidence < r.minConfidence {
			continue
		}

		text := strings.TrimSpace(*td.DetectedText)
		if !plateShape.MatchString(strings.ToUpper(text)) || !hasDigit(text) {
			continue
		}
		if _, dup := seen[text]; dup {
			continue
		}
		seen[text] = struct{}{}
		plates = append(plates, text)
	}

	r.log.Debug().
		Int("detections", len(result.TextDetections)).
		Int("plates_count", len(plates)).
		Msg("rekognition text scanned for plates")

	return plates, nil
}

func hasDigit(s string) bool {
	return strings.ContainsAny(s, "0123456789")
}
