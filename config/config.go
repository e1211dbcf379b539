// Package config loads and validates the JSON configuration document that describes a SLAM
// session's sensor, camera model, and tracking tunables, following the pack's
// NewPinholeCameraIntrinsicsFromJSONFile/CheckValid load-then-validate shape.
package config

import (
	"encoding/json"
	"io"
	"os"

	"github.com/ekon-robotics/sdslam/logging"
	"github.com/ekon-robotics/sdslam/slamerr"
	"github.com/ekon-robotics/sdslam/transform"
	"go.viam.com/utils"
)

// SensorKind names the supported camera configurations.
type SensorKind string

const (
	Monocular SensorKind = "monocular"
	Stereo    SensorKind = "stereo"
	RGBD      SensorKind = "rgbd"
)

// Config is the typed, JSON-tagged system configuration for a SLAM session.
type Config struct {
	SensorKind SensorKind `json:"sensor_kind"`

	Intrinsics transform.PinholeCameraIntrinsics `json:"intrinsics"`
	Distortion DistortionConfig                  `json:"distortion"`

	// StereoBaselineBF is the stereo baseline*fx product (bf), required for Stereo. RGBD reads it
	// too, for its baseline and stereo-parallax checks; Monocular ignores it.
	StereoBaselineBF float64 `json:"stereo_baseline_bf"`
	// CloseDepthThreshold and FarDepthThreshold bound valid stereo/RGB-D depth measurements.
	CloseDepthThreshold float64 `json:"close_depth_threshold"`
	FarDepthThreshold   float64 `json:"far_depth_threshold"`
	// DepthMapScaleFactor converts a raw depth-map sample into world units.
	DepthMapScaleFactor float64 `json:"depth_map_scale_factor"`

	FeaturesPerFrame     int     `json:"features_per_frame"`
	PyramidLevels        int     `json:"pyramid_levels"`
	ScaleFactor          float64 `json:"scale_factor"`
	FastInitialThreshold int     `json:"fast_initial_threshold"`
	FastRescueThreshold  int     `json:"fast_rescue_threshold"`


	// ExpectedFPS drives MinFrames (always 0) and MaxFrames (one second's worth of frames) for
	// keyframe admission decisions.
	ExpectedFPS float64 `json:"expected_fps"`

	// UsePatternInitializer selects the planar-fiducial initialization path (PatternInitializer)
	// instead of the standard two-view monocular initializer.
	UsePatternInitializer bool `json:"use_pattern_initializer"`

	// AlignImage is carried through for fidelity with the source configuration's field set; it
	// has no attached behavior in this implementation (see design notes).
	AlignImage bool `json:"align_image"`

	// LogLevels overrides the log level of named component loggers ("tracking", "localmapping"),
	// by the name each registers itself under via logging.RegisterLogger.
	LogLevels map[string]string `json:"log_levels"`
}

// ApplyLogLevels pushes c.LogLevels onto the registered component loggers, wrapping the first
// unrecognized logger name or level string as a Configuration-kind error.
func (c *Config) ApplyLogLevels() error {
	for name, levelStr := range c.LogLevels {
		level, err := logging.LevelFromString(levelStr)
		if err != nil {
			return slamerr.Wrap(err, slamerr.Configuration, "parsing log level for "+name)
		}
		if err := logging.UpdateLoggerLevel(name, level); err != nil {
			return slamerr.Wrap(err, slamerr.Configuration, "applying log level for "+name)
		}
	}
	return nil
}

// DistortionConfig selects and parameterizes one of the supported lens distortion models.
type DistortionConfig struct {
	Model transform.DistortionType `json:"model"`

	RadialK1     float64 `json:"radial_k1"`
	RadialK2     float64 `json:"radial_k2"`
	RadialK3     float64 `json:"radial_k3"`
	TangentialP1 float64 `json:"tangential_p1"`
	TangentialP2 float64 `json:"tangential_p2"`

	FisheyeK1 float64 `json:"fisheye_k1"`
	FisheyeK2 float64 `json:"fisheye_k2"`
	FisheyeK3 float64 `json:"fisheye_k3"`
	FisheyeK4 float64 `json:"fisheye_k4"`
}

// Distorter builds the transform.Distorter this configuration describes.
func (d DistortionConfig) Distorter() (transform.Distorter, error) {
	switch d.Model {
	case transform.BrownConradyDistortionType:
		return transform.NewDistorter(d.Model, []float64{d.RadialK1, d.RadialK2, d.RadialK3, d.TangentialP1, d.TangentialP2})
	case transform.KannalaBrandtDistortionType:
		return transform.NewDistorter(d.Model, []float64{d.FisheyeK1, d.FisheyeK2, d.FisheyeK3, d.FisheyeK4})
	default:
		return transform.NewDistorter(d.Model, nil)
	}
}

// Load reads and unmarshals the JSON configuration document at path, returning a
// Configuration-kind error wrapped via slamerr on any read or parse failure. Callers must still
// call Validate before using the result.
func Load(path string) (*Config, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, slamerr.Wrap(err, slamerr.Configuration, "opening configuration file")
	}
	defer utils.UncheckedErrorFunc(f.Close)

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, slamerr.Wrap(err, slamerr.Configuration, "reading configuration file")
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, slamerr.Wrap(err, slamerr.Configuration, "parsing configuration JSON")
	}
	return cfg, nil
}

// Validate reports a Configuration-kind error describing the first problem found with c, or nil
// if c is internally consistent and usable.
func (c *Config) Validate() error {
	switch c.SensorKind {
	case Monocular, Stereo, RGBD:
	default:
		return slamerr.New(slamerr.Configuration, "sensor_kind must be monocular, stereo, or rgbd")
	}

	if err := c.Intrinsics.CheckValid(); err != nil {
		return slamerr.Wrap(err, slamerr.Configuration, "invalid camera intrinsics")
	}

	if _, err := c.Distortion.Distorter(); err != nil {
		return slamerr.Wrap(err, slamerr.Configuration, "invalid distortion configuration")
	}

	if c.SensorKind == Stereo && c.StereoBaselineBF <= 0 {
		return slamerr.New(slamerr.Configuration, "stereo sensor kind requires a positive stereo_baseline_bf")
	}

	if c.FeaturesPerFrame <= 0 {
		return slamerr.New(slamerr.Configuration, "features_per_frame must be positive")
	}
	if c.PyramidLevels <= 0 {
		return slamerr.New(slamerr.Configuration, "pyramid_levels must be positive")
	}
	if c.ScaleFactor <= 1 {
		return slamerr.New(slamerr.Configuration, "scale_factor must be greater than 1")
	}
	if c.ExpectedFPS <= 0 {
		return slamerr.New(slamerr.Configuration, "expected_fps must be positive")
	}
	if c.FarDepthThreshold > 0 && c.CloseDepthThreshold > c.FarDepthThreshold {
		return slamerr.New(slamerr.Configuration, "close_depth_threshold must not exceed far_depth_threshold")
	}
	return nil
}

// MinFrames is the minimum number of frames that must elapse after a keyframe before another may
// be inserted, always 0 in this implementation (see design notes on KF admission).
func (c *Config) MinFrames() int {
	return 0
}

// MaxFrames is the maximum number of frames that may elapse before a new keyframe is forced,
// derived from ExpectedFPS so that a keyframe is always inserted at least once per second.
func (c *Config) MaxFrames() int {
	return int(c.ExpectedFPS)
}
