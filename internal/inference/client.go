package inference

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"traffic-monitor-service/internal/domain/detection"
	"traffic-monitor-service/internal/utils"
)

const (
	PlatePrompt = "Analyze this image. Identify all vehicle license plates visible. Return only a comma-separated list of the license plate numbers. If no plates are found, return an empty string."

	ViolationPrompt = "Analyze this traffic scene image for traffic violations. Describe each violation in a few words (e.g., 'No helmet', 'Illegal lane change'). Use a bulleted list if there are multiple violations. IMPORTANT: If and only if there are absolutely no violations, return the single word 'NONE'."

	ViolationFailureMessage = "Failed to detect violations due to an API error."
)

var ErrNotConfigured = errors.New("inference client not initialized, check the API key")

// Generator sends one image plus an instruction to a multimodal model and
// returns the raw text answer.
type Generator interface {
	GenerateText(ctx context.Context, img *detection.Image, prompt string) (string, error)
}

// PlateReader extracts plate strings from an image.
type PlateReader interface {
	ReadPlates(ctx context.Context, img *detection.Image) ([]string, error)
}

type Client struct {
	plates PlateReader
	model  Generator
	log    zerolog.Logger
}

// NewClient returns a client backed by model for both calls. A nil model
// yields a client whose calls fail with ErrNotConfigured.
func NewClient(model Generator, log zerolog.Logger) *Client {
	c := &Client{model: model, log: log}
	if model != nil {
		c.plates = &generatorPlateReader{model: model}
	}
	return c
}

// WithPlateReader swaps the plate source, keeping the model for violations.
func (c *Client) WithPlateReader(reader PlateReader) *Client {
	if c.model != nil && reader != nil {
		c.plates = reader
	}
	return c
}

func (c *Client) Configured() bool {
	return c != nil && c.model != nil && c.plates != nil
}

// ExtractPlates never reports service failures: they are logged and read as
// "no plates found".
func (c *Client) ExtractPlates(ctx context.Context, img *detection.Image) ([]string, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	plates, err := c.plates.ReadPlates(ctx, img)
	if err != nil {
		c.log.Error().Err(err).Msg("plate extraction failed")
		return []string{}, nil
	}
	if plates == nil {
		plates = []string{}
	}

	c.log.Debug().Int("plates_count", len(plates)).Msg("plates extracted")
	return plates, nil
}

// ClassifyViolations reports service failures as replacement text rather
// than as an error.
func (c *Client) ClassifyViolations(ctx context.Context, img *detection.Image) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}

	text, err := c.model.GenerateText(ctx, img, ViolationPrompt)
	if err != nil {
		c.log.Error().Err(err).Msg("violation detection failed")
		return ViolationFailureMessage, nil
	}

	return ParseViolation(text), nil
}

// ParseViolation returns the trimmed answer, or NONE when it is blank.
func ParseViolation(text string) string {
	if trimmed := strings.TrimSpace(text); trimmed != "" {
		return trimmed
	}
	return detection.NoViolation
}

type generatorPlateReader struct {
	model Generator
}

func (r *generatorPlateReader) ReadPlates(ctx context.Context, img *detection.Image) ([]string, error) {
	text, err := r.model.GenerateText(ctx, img, PlatePrompt)
	if err != nil {
		return nil, err
	}
	return utils.SplitPlateList(text), nil
}
