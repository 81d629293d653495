package events_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/spindleworks/spindle/pkg/events"
)

func TestEmitOrder(t *testing.T) {
	a := assert.New(t)
	bus := events.NewBus()

	var got []string
	bus.On("plugin_registered", func(...any) { got = append(got, "first") })
	bus.On("plugin_registered", func(...any) { got = append(got, "second") })
	bus.On("plugin_registered", func(...any) { got = append(got, "third") })

	bus.Emit("plugin_registered")
	a.Equal([]string{"first", "second", "third"}, got)
}

func TestEmitArgs(t *testing.T) {
	a := assert.New(t)
	bus := events.NewBus()

	var gotName any
	bus.On("workspace_registered", func(args ...any) {
		if len(args) > 0 {
			gotName = args[0]
		}
	})
	bus.Emit("workspace_registered", "lab-7")
	a.Equal("lab-7", gotName)
}

func TestOnceFiresOnce(t *testing.T) {
	a := assert.New(t)
	bus := events.NewBus()

	calls := 0
	bus.Once("user_connected", func(...any) { calls++ })

	bus.Emit("user_connected")
	bus.Emit("user_connected")
	a.Equal(1, calls)
	a.Zero(bus.ListenerCount("user_connected"))
}

func TestOff(t *testing.T) {
	a := assert.New(t)
	bus := events.NewBus()

	calls := 0
	inc := events.Handler(func(...any) { calls++ })
	bus.On("service_registered", inc)
	bus.On("service_registered", func(...any) { calls += 10 })

	// Removing one handler leaves the other in place.
	bus.Off("service_registered", inc)
	bus.Emit("service_registered")
	a.Equal(10, calls)

	// A nil handler removes everything.
	bus.Off("service_registered", nil)
	bus.Emit("service_registered")
	a.Equal(10, calls)
	a.Zero(bus.ListenerCount("service_registered"))
}

func TestEmitWithoutListeners(t *testing.T) {
	bus := events.NewBus()
	// Must not panic.
	bus.Emit("workspace_unregistered", "w")
}

func TestOnceRegisteredDuringEmit(t *testing.T) {
	a := assert.New(t)
	bus := events.NewBus()

	late := 0
	bus.On("user_entered_workspace", func(...any) {
		bus.Once("user_entered_workspace", func(...any) { late++ })
	})

	// The handler registered mid-emit must not run until the next emission.
	bus.Emit("user_entered_workspace")
	a.Zero(late)
	bus.Emit("user_entered_workspace")
	a.Equal(1, late)
}
