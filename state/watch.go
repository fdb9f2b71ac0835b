package state

import (
	"github.com/aaronorosen/vmware-nsx/api"
	"github.com/aaronorosen/vmware-nsx/watch"
)

// Event is the type used for events passed over watcher channels, and also
// the type used to specify filtering in calls to Watch.
type Event interface {
	// matches checks if this item in a watch queue matches the event
	// description.
	matches(watch.Event) bool
}

// EventCommit delineates a transaction boundary.
type EventCommit struct{}

func (e EventCommit) matches(watchEvent watch.Event) bool {
	_, ok := watchEvent.Payload.(EventCommit)
	return ok
}

// RouterBindingCheckFunc is the type of function used to perform filtering
// checks on api.RouterBinding structures.
type RouterBindingCheckFunc func(b1, b2 *api.RouterBinding) bool

// RouterBindingCheckResourceID is a RouterBindingCheckFunc for matching
// resource IDs.
func RouterBindingCheckResourceID(b1, b2 *api.RouterBinding) bool {
	return b1.ResourceID == b2.ResourceID
}

// RouterBindingCheckEdgeID is a RouterBindingCheckFunc for matching edge IDs.
func RouterBindingCheckEdgeID(b1, b2 *api.RouterBinding) bool {
	return b1.EdgeID == b2.EdgeID
}

// RouterBindingCheckStatus is a RouterBindingCheckFunc for matching statuses.
func RouterBindingCheckStatus(b1, b2 *api.RouterBinding) bool {
	return b1.Status == b2.Status
}

// EventCreateRouterBinding is the type used to put CreateRouterBinding events
// on the publish/subscribe queue and filter these events in calls to Watch.
type EventCreateRouterBinding struct {
	RouterBinding *api.RouterBinding
	// Checks is a list of functions to call to filter events for a watch
	// stream. They are applied with AND logic. They are only applicable for
	// calls to Watch.
	Checks []RouterBindingCheckFunc
}

func (e EventCreateRouterBinding) matches(watchEvent watch.Event) bool {
	typedEvent, ok := watchEvent.Payload.(EventCreateRouterBinding)
	if !ok {
		return false
	}

	for _, check := range e.Checks {
		if !check(e.RouterBinding, typedEvent.RouterBinding) {
			return false
		}
	}
	return true
}

// EventUpdateRouterBinding is the type used to put UpdateRouterBinding events
// on the publish/subscribe queue and filter these events in calls to Watch.
type EventUpdateRouterBinding struct {
	RouterBinding *api.RouterBinding
	// Checks is a list of functions to call to filter events for a watch
	// stream. They are applied with AND logic. They are only applicable for
	// calls to Watch.
	Checks []RouterBindingCheckFunc
}

func (e EventUpdateRouterBinding) matches(watchEvent watch.Event) bool {
	typedEvent, ok := watchEvent.Payload.(EventUpdateRouterBinding)
	if !ok {
		return false
	}

	for _, check := range e.Checks {
		if !check(e.RouterBinding, typedEvent.RouterBinding) {
			return false
		}
	}
	return true
}

// EventDeleteRouterBinding is the type used to put DeleteRouterBinding events
// on the publish/subscribe queue and filter these events in calls to Watch.
type EventDeleteRouterBinding struct {
	RouterBinding *api.RouterBinding
	// Checks is a list of functions to call to filter events for a watch
	// stream. They are applied with AND logic. They are only applicable for
	// calls to Watch.
	Checks []RouterBindingCheckFunc
}

func (e EventDeleteRouterBinding) matches(watchEvent watch.Event) bool {
	typedEvent, ok := watchEvent.Payload.(EventDeleteRouterBinding)
	if !ok {
		return false
	}

	for _, check := range e.Checks {
		if !check(e.RouterBinding, typedEvent.RouterBinding) {
			return false
		}
	}
	return true
}

// VnicBindingCheckFunc is the type of function used to perform filtering
// checks on api.VnicBinding structures.
type VnicBindingCheckFunc func(v1, v2 *api.VnicBinding) bool

// VnicBindingCheckEdgeID is a VnicBindingCheckFunc for matching edge IDs.
func VnicBindingCheckEdgeID(v1, v2 *api.VnicBinding) bool {
	return v1.EdgeID == v2.EdgeID
}

// VnicBindingCheckSlot is a VnicBindingCheckFunc for matching the full
// (edge, vnic, tunnel) slot address.
func VnicBindingCheckSlot(v1, v2 *api.VnicBinding) bool {
	return v1.EdgeID == v2.EdgeID && v1.VnicIndex == v2.VnicIndex && v1.TunnelIndex == v2.TunnelIndex
}

// EventCreateVnicBinding is the type used to put CreateVnicBinding events on
// the publish/subscribe queue and filter these events in calls to Watch.
type EventCreateVnicBinding struct {
	VnicBinding *api.VnicBinding
	// Checks is a list of functions to call to filter events for a watch
	// stream. They are applied with AND logic. They are only applicable for
	// calls to Watch.
	Checks []VnicBindingCheckFunc
}

func (e EventCreateVnicBinding) matches(watchEvent watch.Event) bool {
	typedEvent, ok := watchEvent.Payload.(EventCreateVnicBinding)
	if !ok {
		return false
	}

	for _, check := range e.Checks {
		if !check(e.VnicBinding, typedEvent.VnicBinding) {
			return false
		}
	}
	return true
}

// EventUpdateVnicBinding is the type used to put UpdateVnicBinding events on
// the publish/subscribe queue and filter these events in calls to Watch.
type EventUpdateVnicBinding struct {
	VnicBinding *api.VnicBinding
	// Checks is a list of functions to call to filter events for a watch
	// stream. They are applied with AND logic. They are only applicable for
	// calls to Watch.
	Checks []VnicBindingCheckFunc
}

func (e EventUpdateVnicBinding) matches(watchEvent watch.Event) bool {
	typedEvent, ok := watchEvent.Payload.(EventUpdateVnicBinding)
	if !ok {
		return false
	}

	for _, check := range e.Checks {
		if !check(e.VnicBinding, typedEvent.VnicBinding) {
			return false
		}
	}
	return true
}

// EventDeleteVnicBinding is the type used to put DeleteVnicBinding events on
// the publish/subscribe queue and filter these events in calls to Watch.
type EventDeleteVnicBinding struct {
	VnicBinding *api.VnicBinding
	// Checks is a list of functions to call to filter events for a watch
	// stream. They are applied with AND logic. They are only applicable for
	// calls to Watch.
	Checks []VnicBindingCheckFunc
}

func (e EventDeleteVnicBinding) matches(watchEvent watch.Event) bool {
	typedEvent, ok := watchEvent.Payload.(EventDeleteVnicBinding)
	if !ok {
		return false
	}

	for _, check := range e.Checks {
		if !check(e.VnicBinding, typedEvent.VnicBinding) {
			return false
		}
	}
	return true
}

// DhcpStaticBindingCheckFunc is the type of function used to perform
// filtering checks on api.DhcpStaticBinding structures.
type DhcpStaticBindingCheckFunc func(d1, d2 *api.DhcpStaticBinding) bool

// DhcpStaticBindingCheckEdgeID is a DhcpStaticBindingCheckFunc for matching
// edge IDs.
func DhcpStaticBindingCheckEdgeID(d1, d2 *api.DhcpStaticBinding) bool {
	return d1.EdgeID == d2.EdgeID
}

// EventCreateDhcpStaticBinding is the type used to put
// CreateDhcpStaticBinding events on the publish/subscribe queue and filter
// these events in calls to Watch.
type EventCreateDhcpStaticBinding struct {
	DhcpStaticBinding *api.DhcpStaticBinding
	// Checks is a list of functions to call to filter events for a watch
	// stream. They are applied with AND logic. They are only applicable for
	// calls to Watch.
	Checks []DhcpStaticBindingCheckFunc
}

func (e EventCreateDhcpStaticBinding) matches(watchEvent watch.Event) bool {
	typedEvent, ok := watchEvent.Payload.(EventCreateDhcpStaticBinding)
	if !ok {
		return false
	}

	for _, check := range e.Checks {
		if !check(e.DhcpStaticBinding, typedEvent.DhcpStaticBinding) {
			return false
		}
	}
	return true
}

// EventUpdateDhcpStaticBinding is the type used to put
// UpdateDhcpStaticBinding events on the publish/subscribe queue and filter
// these events in calls to Watch.
type EventUpdateDhcpStaticBinding struct {
	DhcpStaticBinding *api.DhcpStaticBinding
	// Checks is a list of functions to call to filter events for a watch
	// stream. They are applied with AND logic. They are only applicable for
	// calls to Watch.
	Checks []DhcpStaticBindingCheckFunc
}

func (e EventUpdateDhcpStaticBinding) matches(watchEvent watch.Event) bool {
	typedEvent, ok := watchEvent.Payload.(EventUpdateDhcpStaticBinding)
	if !ok {
		return false
	}

	for _, check := range e.Checks {
		if !check(e.DhcpStaticBinding, typedEvent.DhcpStaticBinding) {
			return false
		}
	}
	return true
}

// EventDeleteDhcpStaticBinding is the type used to put
// DeleteDhcpStaticBinding events on the publish/subscribe queue and filter
// these events in calls to Watch.
type EventDeleteDhcpStaticBinding struct {
	DhcpStaticBinding *api.DhcpStaticBinding
	// Checks is a list of functions to call to filter events for a watch
	// stream. They are applied with AND logic. They are only applicable for
	// calls to Watch.
	Checks []DhcpStaticBindingCheckFunc
}

func (e EventDeleteDhcpStaticBinding) matches(watchEvent watch.Event) bool {
	typedEvent, ok := watchEvent.Payload.(EventDeleteDhcpStaticBinding)
	if !ok {
		return false
	}

	for _, check := range e.Checks {
		if !check(e.DhcpStaticBinding, typedEvent.DhcpStaticBinding) {
			return false
		}
	}
	return true
}

// Watch takes a variable number of events to match against. The subscriber
// will receive events that match any of the arguments passed to Watch.
//
// Examples:
//
// // subscribe to all events
// Watch(q)
//
// // subscribe to all UpdateRouterBinding events
// Watch(q, EventUpdateRouterBinding{})
//
// // subscribe to all binding-related events
// Watch(q, EventUpdateRouterBinding{}, EventCreateRouterBinding{}, EventDeleteRouterBinding{})
//
// // subscribe to UpdateRouterBinding for resource router-1
// Watch(q, EventUpdateRouterBinding{RouterBinding: &api.RouterBinding{ResourceID: "router-1"},
//         Checks: []RouterBindingCheckFunc{RouterBindingCheckResourceID}})
func Watch(queue *watch.Queue, specifiers ...Event) chan watch.Event {
	if len(specifiers) == 0 {
		return queue.Watch()
	}
	return queue.CallbackWatch(func(event watch.Event) bool {
		for _, s := range specifiers {
			if s.matches(event) {
				return true
			}
		}
		return false
	})
}

// Publish publishes an event to a queue.
func Publish(queue *watch.Queue, event Event) {
	queue.Publish(watch.Event{Payload: event})
}
