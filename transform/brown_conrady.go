package transform

// BrownConrady is the standard radial+tangential distortion model used by narrow-field lenses.
type BrownConrady struct {
	RadialK1     float64 `json:"rk1"`
	RadialK2     float64 `json:"rk2"`
	RadialK3     float64 `json:"rk3"`
	TangentialP1 float64 `json:"tp1"`
	TangentialP2 float64 `json:"tp2"`
}

// NewBrownConrady builds a BrownConrady model from a flat parameter list ordered
// (k1, k2, k3, p1, p2); missing trailing parameters default to zero.
func NewBrownConrady(params []float64) (*BrownConrady, error) {
	if len(params) > 5 {
		return nil, InvalidDistortionError("brown_conrady takes at most 5 parameters")
	}
	padded := make([]float64, 5)
	copy(padded, params)
	return &BrownConrady{padded[0], padded[1], padded[2], padded[3], padded[4]}, nil
}

// ModelType implements Distorter.
func (bc *BrownConrady) ModelType() DistortionType { return BrownConradyDistortionType }

// CheckValid implements Distorter.
func (bc *BrownConrady) CheckValid() error {
	if bc == nil {
		return InvalidDistortionError("brown_conrady parameters not provided")
	}
	return nil
}

// Parameters implements Distorter.
func (bc *BrownConrady) Parameters() []float64 {
	if bc == nil {
		return nil
	}
	return []float64{bc.RadialK1, bc.RadialK2, bc.RadialK3, bc.TangentialP1, bc.TangentialP2}
}

// Distort applies the forward Brown-Conrady model to an undistorted normalized coordinate:
//
//	xd = xu*(1 + k1*r^2 + k2*r^4 + k3*r^6) + 2*p1*xu*yu + p2*(r^2 + 2*xu^2)
//	yd = yu*(1 + k1*r^2 + k2*r^4 + k3*r^6) + 2*p2*xu*yu + p1*(r^2 + 2*yu^2)
func (bc *BrownConrady) Distort(xu, yu float64) (float64, float64) {
	if bc == nil {
		return xu, yu
	}
	r2 := xu*xu + yu*yu
	r4 := r2 * r2
	r6 := r4 * r2
	radial := 1 + bc.RadialK1*r2 + bc.RadialK2*r4 + bc.RadialK3*r6
	xd := xu*radial + 2*bc.TangentialP1*xu*yu + bc.TangentialP2*(r2+2*xu*xu)
	yd := yu*radial + 2*bc.TangentialP2*xu*yu + bc.TangentialP1*(r2+2*yu*yu)
	return xd, yd
}

// Undistort inverts Distort by Newton-Raphson iteration on the 2x2 Jacobian of the forward
// model, starting from the distorted point itself as the initial guess.
func (bc *BrownConrady) Undistort(xd, yd float64) (float64, float64) {
	if bc == nil {
		return xd, yd
	}

	xu, yu := xd, yd
	const maxIterations = 20
	const tolerance = 1e-10

	for i := 0; i < maxIterations; i++ {
		r2 := xu*xu + yu*yu
		r4 := r2 * r2

		radial := 1 + bc.RadialK1*r2 + bc.RadialK2*r4 + bc.RadialK3*r2*r4
		tanX := 2*bc.TangentialP1*xu*yu + bc.TangentialP2*(r2+2*xu*xu)
		tanY := 2*bc.TangentialP2*xu*yu + bc.TangentialP1*(r2+2*yu*yu)

		xdEst := xu*radial + tanX
		ydEst := yu*radial + tanY

		errX, errY := xdEst-xd, ydEst-yd
		if errX*errX+errY*errY < tolerance*tolerance {
			break
		}

		dRadialDxu := 2 * xu * (bc.RadialK1 + 2*bc.RadialK2*r2 + 3*bc.RadialK3*r4)
		dRadialDyu := 2 * yu * (bc.RadialK1 + 2*bc.RadialK2*r2 + 3*bc.RadialK3*r4)

		dxdDxu := radial + xu*dRadialDxu + 2*bc.TangentialP1*yu + bc.TangentialP2*6*xu
		dxdDyu := xu*dRadialDyu + 2*bc.TangentialP1*xu + bc.TangentialP2*2*yu
		dydDxu := yu*dRadialDxu + 2*bc.TangentialP2*yu + bc.TangentialP1*2*xu
		dydDyu := radial + yu*dRadialDyu + 2*bc.TangentialP2*xu + bc.TangentialP1*6*yu

		det := dxdDxu*dydDyu - dxdDyu*dydDxu
		if det == 0 {
			break
		}

		xu -= (dydDyu*errX - dxdDyu*errY) / det
		yu -= (-dydDxu*errX + dxdDxu*errY) / det
	}

	return xu, yu
}
