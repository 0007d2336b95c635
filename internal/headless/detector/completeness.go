// Package detector decides when a static result should be promoted to a headless render.
package detector

import (
	"strings"

	"github.com/JakeFAU/og-crawler/internal/crawler"
)

// DefaultThreshold is the minimum score a static result needs to be kept.
const DefaultThreshold = 2

// Completeness scores metadata by how many preview-critical fields are present.
type Completeness struct {
	Threshold int
}

// NewCompleteness creates a detector. A non-positive threshold uses DefaultThreshold.
func NewCompleteness(threshold int) *Completeness {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Completeness{Threshold: threshold}
}

var _ crawler.HeadlessDetector = (*Completeness)(nil)

// Score counts the non-blank title, description and image fields.
func (c *Completeness) Score(meta crawler.Metadata) int {
	score := 0
	for _, field := range []string{meta.Title, meta.Description, meta.Image} {
		if strings.TrimSpace(field) != "" {
			score++
		}
	}
	return score
}

// ShouldPromote reports whether the result falls short of the threshold.
func (c *Completeness) ShouldPromote(meta crawler.Metadata) bool {
	return c.Score(meta) < c.Threshold
}
