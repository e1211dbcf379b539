package logging

import (
	"testing"

	"go.viam.com/test"
)

func mockRegistry() *loggerRegistry {
	manager := newLoggerManager()
	loggerManager = manager
	return manager
}

func TestLoggerRegistrationAndRetrieval(t *testing.T) {
	manager := mockRegistry()

	trackingLogger := NewLogger("tracking")
	manager.registerLogger("tracking", trackingLogger)

	actual, ok := manager.loggerNamed("tracking")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, actual, test.ShouldEqual, trackingLogger)

	_, ok = manager.loggerNamed("localmapping")
	test.That(t, ok, test.ShouldBeFalse)
}

func TestUpdateLoggerLevel(t *testing.T) {
	manager := mockRegistry()
	manager.registerLogger("localmapping", NewLogger("localmapping"))

	test.That(t, manager.updateLoggerLevel("localmapping", DEBUG), test.ShouldBeNil)

	logger, ok := manager.loggerNamed("localmapping")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, logger.GetLevel(), test.ShouldEqual, DEBUG)

	test.That(t, manager.updateLoggerLevel("loop-closer", DEBUG), test.ShouldNotBeNil)
}

func TestGetRegisteredLoggerNames(t *testing.T) {
	manager := mockRegistry()
	manager.registerLogger("tracking", NewLogger("tracking"))
	manager.registerLogger("localmapping", NewLogger("localmapping"))

	for _, name := range manager.getRegisteredLoggerNames() {
		_, ok := manager.loggerNamed(name)
		test.That(t, ok, test.ShouldBeTrue)
	}
	test.That(t, len(manager.getRegisteredLoggerNames()), test.ShouldEqual, 2)
}
