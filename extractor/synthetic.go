package extractor

import (
	"image"
	"math/rand"

	"github.com/ekon-robotics/sdslam/mapgraph"
	"github.com/golang/geo/r2"
)

// Synthetic is a deterministic FeatureExtractor for tests: it lays out a fixed grid of keypoints
// across the image bounds and derives each descriptor from a seeded random source, so the same
// Synthetic value extracting the same image size always produces the same output.
type Synthetic struct {
	// GridStep is the pixel spacing between generated keypoints along each axis.
	GridStep int
	// Seed drives the per-keypoint descriptor generator.
	Seed int64
}

// NewSynthetic returns a Synthetic extractor with a 20px grid and the given seed.
func NewSynthetic(seed int64) *Synthetic {
	return &Synthetic{GridStep: 20, Seed: seed}
}

// Extract lays out keypoints on a grid spanning img's bounds and assigns each a pseudo-random
// descriptor, ignoring cfg (a real pyramid has nothing to build over a synthetic image).
func (s *Synthetic) Extract(img image.Image, cfg PyramidConfig) ([]mapgraph.Keypoint, []mapgraph.Descriptor, error) {
	bounds := img.Bounds()
	step := s.GridStep
	if step <= 0 {
		step = 20
	}

	rng := rand.New(rand.NewSource(s.Seed))
	var keypoints []mapgraph.Keypoint
	var descriptors []mapgraph.Descriptor

	for y := bounds.Min.Y; y < bounds.Max.Y; y += step {
		for x := bounds.Min.X; x < bounds.Max.X; x += step {
			keypoints = append(keypoints, mapgraph.Keypoint{
				Pt:     r2.Point{X: float64(x), Y: float64(y)},
				Octave: 0,
				Angle:  0,
			})
			descriptors = append(descriptors, mapgraph.Descriptor{
				rng.Uint64(), rng.Uint64(), rng.Uint64(), rng.Uint64(),
			})
		}
	}
	return keypoints, descriptors, nil
}
