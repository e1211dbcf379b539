// Package extractor defines the boundary between image data and the SLAM core: a
// FeatureExtractor turns a grayscale image into the keypoints and descriptors Tracking consumes.
// The production ORB implementation lives outside this module's scope; this package supplies the
// interface seam and a synthetic implementation for tests.
package extractor

import (
	"image"

	"github.com/ekon-robotics/sdslam/mapgraph"
)

// PyramidConfig controls the scale-space pyramid a FeatureExtractor builds before detecting and
// describing keypoints.
type PyramidConfig struct {
	Levels           int
	ScaleFactor      float64
	InitialThreshold int
	RescueThreshold  int
}

// DefaultPyramidConfig returns the 8-level, 1.2-scale-factor pyramid configuration the original
// ORB pipeline uses.
func DefaultPyramidConfig() PyramidConfig {
	return PyramidConfig{Levels: 8, ScaleFactor: 1.2, InitialThreshold: 20, RescueThreshold: 7}
}

// FeatureExtractor detects and describes keypoints in a grayscale image.
type FeatureExtractor interface {
	// Extract returns the detected keypoints and their parallel ORB descriptors.
	Extract(img image.Image, cfg PyramidConfig) ([]mapgraph.Keypoint, []mapgraph.Descriptor, error)
}
