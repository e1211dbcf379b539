package slamerr

import (
	"testing"

	"go.viam.com/test"
)

func TestIsMatchesKind(t *testing.T) {
	err := New(Degenerate, "zero baseline")
	test.That(t, Is(err, Degenerate), test.ShouldBeTrue)
	test.That(t, Is(err, Configuration), test.ShouldBeFalse)
}

func TestCheckInvariantPanicsOnlyInDebugMode(t *testing.T) {
	SetDebugMode(false)
	defer SetDebugMode(false)

	err := CheckInvariant(false, "bidirectional observation broken")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, Is(err, InvariantViolation), test.ShouldBeTrue)

	SetDebugMode(true)
	test.That(t, func() { CheckInvariant(false, "bidirectional observation broken") }, test.ShouldPanic)
}
