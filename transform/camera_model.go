package transform

// PinholeCameraModel pairs intrinsic parameters with a lens distortion model.
type PinholeCameraModel struct {
	*PinholeCameraIntrinsics `json:"intrinsic_parameters"`
	Distortion               Distorter `json:"distortion"`
}

// CheckValid validates both the intrinsics and the distortion model, if one is set.
func (m *PinholeCameraModel) CheckValid() error {
	if err := m.PinholeCameraIntrinsics.CheckValid(); err != nil {
		return err
	}
	if m.Distortion != nil {
		return m.Distortion.CheckValid()
	}
	return nil
}

// UndistortPixel maps a raw, distorted pixel to its undistorted pixel coordinate. Tracking
// undistorts every extracted keypoint through this call before it enters the map graph, so the
// rest of the core (epipolar geometry, reprojection error, triangulation) only ever sees pixels
// consistent with the ideal pinhole model.
func (m *PinholeCameraModel) UndistortPixel(u, v float64) (float64, float64) {
	if m.Distortion == nil {
		return u, v
	}
	xd, yd := m.PixelToNormalized(u, v)
	xu, yu := m.Distortion.Undistort(xd, yd)
	return m.NormalizedToPixel(xu, yu)
}

// DistortPixel maps an undistorted pixel back to the raw pixel a real sensor would report,
// the inverse of UndistortPixel.
func (m *PinholeCameraModel) DistortPixel(u, v float64) (float64, float64) {
	if m.Distortion == nil {
		return u, v
	}
	xu, yu := m.PixelToNormalized(u, v)
	xd, yd := m.Distortion.Distort(xu, yu)
	return m.NormalizedToPixel(xd, yd)
}
