package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ekon-robotics/sdslam/slamerr"
	"go.viam.com/test"
)

const validMonocularJSON = `{
	"sensor_kind": "monocular",
	"intrinsics": {"width_px": 640, "height_px": 480, "fx": 500, "fy": 500, "ppx": 320, "ppy": 240},
	"distortion": {"model": "none"},
	"features_per_frame": 1000,
	"pyramid_levels": 8,
	"scale_factor": 1.2,
	"expected_fps": 30
}`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	test.That(t, os.WriteFile(path, []byte(contents), 0o600), test.ShouldBeNil)
	return path
}

func TestLoadAndValidateRoundTrip(t *testing.T) {
	path := writeTempConfig(t, validMonocularJSON)
	cfg, err := Load(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Validate(), test.ShouldBeNil)
	test.That(t, cfg.MinFrames(), test.ShouldEqual, 0)
	test.That(t, cfg.MaxFrames(), test.ShouldEqual, 30)
}

func TestValidateRejectsUnknownSensorKind(t *testing.T) {
	cfg := &Config{SensorKind: "lidar"}
	err := cfg.Validate()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, slamerr.Is(err, slamerr.Configuration), test.ShouldBeTrue)
}

func TestValidateRejectsStereoWithoutBaseline(t *testing.T) {
	path := writeTempConfig(t, validMonocularJSON)
	cfg, err := Load(path)
	test.That(t, err, test.ShouldBeNil)
	cfg.SensorKind = Stereo
	err = cfg.Validate()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, slamerr.Is(err, slamerr.Configuration), test.ShouldBeTrue)
}

func TestLoadReturnsConfigurationKindErrorOnMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, slamerr.Is(err, slamerr.Configuration), test.ShouldBeTrue)
}
