package event_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/sunshow/workgear/client/internal/event"
)

func TestBusRoutesByScopedSubject(t *testing.T) {
	bus := event.NewBus(zaptest.NewLogger(t).Sugar())

	var all, req42, req7 []string
	bus.Subscribe("*", func(sig *event.Signal) { all = append(all, sig.Type) })
	bus.Subscribe(event.Channel(event.ScopeRequirement, "42"), func(sig *event.Signal) { req42 = append(req42, sig.Type) })
	bus.Subscribe(event.Channel(event.ScopeRequirement, "7"), func(sig *event.Signal) { req7 = append(req7, sig.Type) })

	bus.Publish(&event.Signal{Type: event.TypeTestPointsUpdated, Scope: event.ScopeRequirement, SubjectID: "42"})
	// Same id in another scope must not reach requirement subscribers.
	bus.Publish(&event.Signal{Type: event.TypeTestCasesUpdated, Scope: event.ScopeTestPoint, SubjectID: "7"})

	assert.Equal(t, []string{event.TypeTestPointsUpdated, event.TypeTestCasesUpdated}, all)
	assert.Equal(t, []string{event.TypeTestPointsUpdated}, req42)
	assert.Empty(t, req7)
}

func TestBusUnsubscribeOnlyRemovesOneSubscriber(t *testing.T) {
	bus := event.NewBus(zaptest.NewLogger(t).Sugar())
	ch := event.Channel(event.ScopeWorkflow, "t1")

	var a, b int
	cancelA := bus.Subscribe(ch, func(*event.Signal) { a++ })
	bus.Subscribe(ch, func(*event.Signal) { b++ })
	assert.Equal(t, 2, bus.Subscribers(ch))

	cancelA()
	cancelA()
	assert.Equal(t, 1, bus.Subscribers(ch))

	bus.Publish(&event.Signal{Type: event.TypeWorkflowUpdated, Scope: event.ScopeWorkflow, SubjectID: "t1"})
	assert.Equal(t, 0, a)
	assert.Equal(t, 1, b)
}

func TestBusSubscriberMayUnsubscribeItself(t *testing.T) {
	bus := event.NewBus(zaptest.NewLogger(t).Sugar())

	calls := 0
	var cancel func()
	cancel = bus.Subscribe("*", func(*event.Signal) {
		calls++
		cancel()
	})

	bus.Publish(&event.Signal{Type: event.TypeProgress})
	bus.Publish(&event.Signal{Type: event.TypeProgress})
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, bus.Subscribers("*"))
}
