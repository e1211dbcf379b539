package transform

import "github.com/pkg/errors"

// DistortionType names a lens distortion model.
type DistortionType string

const (
	// BrownConradyDistortionType is for narrow-field lenses well modeled as a pinhole camera
	// with low-order radial and tangential terms.
	BrownConradyDistortionType = DistortionType("brown_conrady")
	// KannalaBrandtDistortionType is for wide-angle and fisheye lenses, where the field of
	// view exceeds what a polynomial-in-r model can represent.
	KannalaBrandtDistortionType = DistortionType("kannala_brandt")
	// NoDistortionType applies no correction; Undistort and Distort are the identity.
	NoDistortionType = DistortionType("none")
)

// Distorter converts between distorted and undistorted normalized-plane coordinates.
type Distorter interface {
	ModelType() DistortionType
	CheckValid() error
	Parameters() []float64
	// Distort maps an undistorted normalized coordinate to its distorted counterpart.
	Distort(xu, yu float64) (xd, yd float64)
	// Undistort maps a distorted normalized coordinate back to its undistorted counterpart.
	Undistort(xd, yd float64) (xu, yu float64)
}

// InvalidDistortionError wraps msg with a common "invalid distortion parameters" cause.
func InvalidDistortionError(msg string) error {
	return errors.Wrap(errors.New("invalid distortion parameters"), msg)
}

// NewDistorter constructs a Distorter for the given model type from a flat parameter list.
func NewDistorter(distortionType DistortionType, parameters []float64) (Distorter, error) {
	switch distortionType {
	case BrownConradyDistortionType:
		return NewBrownConrady(parameters)
	case KannalaBrandtDistortionType:
		return NewKannalaBrandt(parameters)
	case NoDistortionType, "":
		return NoDistortion{}, nil
	default:
		return nil, errors.Errorf("unknown distortion model %q", distortionType)
	}
}

// NoDistortion is the identity Distorter, used for pre-rectified or synthetic cameras.
type NoDistortion struct{}

// ModelType implements Distorter.
func (NoDistortion) ModelType() DistortionType { return NoDistortionType }

// CheckValid implements Distorter.
func (NoDistortion) CheckValid() error { return nil }

// Parameters implements Distorter.
func (NoDistortion) Parameters() []float64 { return nil }

// Distort implements Distorter.
func (NoDistortion) Distort(xu, yu float64) (float64, float64) { return xu, yu }

// Undistort implements Distorter.
func (NoDistortion) Undistort(xd, yd float64) (float64, float64) { return xd, yd }
