package transform

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func testIntrinsics() *PinholeCameraIntrinsics {
	return &PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 500, Fy: 500, Ppx: 320, Ppy: 240}
}

func TestCheckValid(t *testing.T) {
	valid := testIntrinsics()
	test.That(t, valid.CheckValid(), test.ShouldBeNil)

	invalid := &PinholeCameraIntrinsics{Width: 0, Height: 480, Fx: 500, Fy: 500}
	test.That(t, invalid.CheckValid(), test.ShouldNotBeNil)
}

func TestPixelPointRoundTrip(t *testing.T) {
	intr := testIntrinsics()
	p := intr.PixelToPoint(400, 300, 2.5)
	u, v := intr.PointToPixel(p)
	test.That(t, u, test.ShouldAlmostEqual, 400.0)
	test.That(t, v, test.ShouldAlmostEqual, 300.0)
}

func TestPointToPixelBehindCamera(t *testing.T) {
	intr := testIntrinsics()
	u, v := intr.PointToPixel(r3.Vector{X: 1, Y: 1, Z: -1})
	test.That(t, u, test.ShouldEqual, -1.0)
	test.That(t, v, test.ShouldEqual, -1.0)
}

func TestBrownConradyRoundTrip(t *testing.T) {
	bc, err := NewBrownConrady([]float64{-0.2, 0.05, 0, 0.001, -0.001})
	test.That(t, err, test.ShouldBeNil)

	xu, yu := 0.1, -0.15
	xd, yd := bc.Distort(xu, yu)
	gotXu, gotYu := bc.Undistort(xd, yd)
	test.That(t, math.Abs(gotXu-xu) < 1e-8, test.ShouldBeTrue)
	test.That(t, math.Abs(gotYu-yu) < 1e-8, test.ShouldBeTrue)
}

func TestKannalaBrandtRoundTrip(t *testing.T) {
	kb, err := NewKannalaBrandt([]float64{0.01, -0.002, 0.0005, 0})
	test.That(t, err, test.ShouldBeNil)

	xu, yu := 0.4, 0.3
	xd, yd := kb.Distort(xu, yu)
	gotXu, gotYu := kb.Undistort(xd, yd)
	test.That(t, math.Abs(gotXu-xu) < 1e-6, test.ShouldBeTrue)
	test.That(t, math.Abs(gotYu-yu) < 1e-6, test.ShouldBeTrue)
}

func TestNoDistortionIsIdentity(t *testing.T) {
	var d NoDistortion
	xu, yu := d.Undistort(0.2, 0.3)
	test.That(t, xu, test.ShouldEqual, 0.2)
	test.That(t, yu, test.ShouldEqual, 0.3)
}

func TestNewDistorterUnknownModel(t *testing.T) {
	_, err := NewDistorter(DistortionType("made_up"), nil)
	test.That(t, err, test.ShouldNotBeNil)
}
