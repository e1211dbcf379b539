package extractor

import (
	"image"
	"testing"

	"go.viam.com/test"
)

func TestSyntheticExtractIsDeterministic(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 64, 48))
	s1 := NewSynthetic(7)
	s2 := NewSynthetic(7)

	kp1, desc1, err := s1.Extract(img, DefaultPyramidConfig())
	test.That(t, err, test.ShouldBeNil)
	kp2, desc2, err := s2.Extract(img, DefaultPyramidConfig())
	test.That(t, err, test.ShouldBeNil)

	test.That(t, kp1, test.ShouldResemble, kp2)
	test.That(t, desc1, test.ShouldResemble, desc2)
	test.That(t, len(kp1), test.ShouldEqual, len(desc1))
	test.That(t, len(kp1) > 0, test.ShouldBeTrue)
}

func TestSyntheticExtractCoversGrid(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 40, 40))
	s := &Synthetic{GridStep: 20, Seed: 1}
	kp, _, err := s.Extract(img, PyramidConfig{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(kp), test.ShouldEqual, 4)
}
