// Package transform models the pinhole camera and lens-distortion geometry shared by the
// tracking front end (keypoint undistortion), the two-view geometry package (projection
// matrices), and map-point unprojection for stereo/RGB-D bootstrap.
package transform

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrNoIntrinsics is returned when a camera's intrinsic parameters are missing or invalid.
var ErrNoIntrinsics = errors.New("camera intrinsic parameters are not available")

// PinholeCameraIntrinsics holds the parameters necessary to project a 3D point onto, or back
// off of, a camera's image plane.
type PinholeCameraIntrinsics struct {
	Width  int     `json:"width_px"`
	Height int     `json:"height_px"`
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Ppx    float64 `json:"ppx"`
	Ppy    float64 `json:"ppy"`
}

// CheckValid reports whether the intrinsics describe a usable camera.
func (params *PinholeCameraIntrinsics) CheckValid() error {
	if params == nil {
		return errors.Wrap(ErrNoIntrinsics, "intrinsics are nil")
	}
	if params.Width <= 0 || params.Height <= 0 {
		return errors.Wrapf(ErrNoIntrinsics, "invalid image size (%d, %d)", params.Width, params.Height)
	}
	if params.Fx <= 0 {
		return errors.Wrapf(ErrNoIntrinsics, "invalid focal length fx = %v", params.Fx)
	}
	if params.Fy <= 0 {
		return errors.Wrapf(ErrNoIntrinsics, "invalid focal length fy = %v", params.Fy)
	}
	if params.Ppx < 0 || params.Ppy < 0 {
		return errors.Wrapf(ErrNoIntrinsics, "invalid principal point (%v, %v)", params.Ppx, params.Ppy)
	}
	return nil
}

// PixelToPoint back-projects a pixel with known depth z to a 3D point in the camera frame.
func (params *PinholeCameraIntrinsics) PixelToPoint(x, y, z float64) r3.Vector {
	if params == nil {
		return r3.Vector{}
	}
	return r3.Vector{
		X: (x - params.Ppx) * z / params.Fx,
		Y: (y - params.Ppy) * z / params.Fy,
		Z: z,
	}
}

// PointToPixel projects a 3D point in the camera frame onto the image plane. It returns
// (-1, -1) when the point is behind or on the camera plane, so that callers filter it out the
// same way an out-of-bounds pixel would be.
func (params *PinholeCameraIntrinsics) PointToPixel(p r3.Vector) (float64, float64) {
	if p.Z <= 0 {
		return -1, -1
	}
	return p.X*params.Fx/p.Z + params.Ppx, p.Y*params.Fy/p.Z + params.Ppy
}

// NormalizedToPixel converts a normalized-plane coordinate (x/z, y/z) to a pixel coordinate.
func (params *PinholeCameraIntrinsics) NormalizedToPixel(x, y float64) (float64, float64) {
	return x*params.Fx + params.Ppx, y*params.Fy + params.Ppy
}

// PixelToNormalized converts a pixel coordinate to a normalized-plane coordinate.
func (params *PinholeCameraIntrinsics) PixelToNormalized(u, v float64) (float64, float64) {
	return (u - params.Ppx) / params.Fx, (v - params.Ppy) / params.Fy
}

// InBounds reports whether the pixel (u, v) lies within the image.
func (params *PinholeCameraIntrinsics) InBounds(u, v float64) bool {
	return u >= 0 && u < float64(params.Width) && v >= 0 && v < float64(params.Height)
}

// CameraMatrix returns the 3x3 intrinsic calibration matrix
//
//	[fx  0 ppx]
//	[ 0 fy ppy]
//	[ 0  0   1]
func (params *PinholeCameraIntrinsics) CameraMatrix() *mat.Dense {
	if params == nil {
		return nil
	}
	k := mat.NewDense(3, 3, nil)
	k.Set(0, 0, params.Fx)
	k.Set(1, 1, params.Fy)
	k.Set(0, 2, params.Ppx)
	k.Set(1, 2, params.Ppy)
	k.Set(2, 2, 1)
	return k
}

// StereoBaselineMeters converts the bf product (baseline * fx, in the units the spec carries
// as `bf`) into a baseline in the same units as map-point positions.
func StereoBaselineMeters(bf, fx float64) float64 {
	if fx == 0 {
		return 0
	}
	return bf / fx
}

// DisparityToDepth converts a right-eye disparity to a depth using the stereo baseline*fx
// product, returning +Inf for a non-positive disparity (no stereo evidence).
func DisparityToDepth(bf, disparity float64) float64 {
	if disparity <= 0 {
		return math.Inf(1)
	}
	return bf / disparity
}
