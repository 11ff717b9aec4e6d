package core

import (
	"fmt"
	"weak"

	"github.com/go-drift/relay/pkg/manifest"
	"github.com/go-drift/relay/pkg/state"
)

// LifecycleState is the position of an instance in the lifecycle.
type LifecycleState int

const (
	StateCreated LifecycleState = iota
	StateActive
	StateSuspended
	// StatePendingRecreation marks an instance torn down for recreation. Its
	// captured bundle waits for a replacement with the same tag key.
	StatePendingRecreation
	// StateRecreated marks a replacement whose captured state has been
	// restored but which has not been activated yet.
	StateRecreated
	StateDestroyed
)

// String returns the state name.
func (s LifecycleState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateSuspended:
		return "suspended"
	case StatePendingRecreation:
		return "pending-recreation"
	case StateRecreated:
		return "recreated"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("LifecycleState(%d)", int(s))
	}
}

// Live reports whether an instance in this state is registered and usable.
func (s LifecycleState) Live() bool {
	return s != StatePendingRecreation && s != StateDestroyed
}

// Instance is one live component.
type Instance struct {
	id       string
	tag      string
	scope    string
	typ      string
	kind     manifest.Kind
	state    LifecycleState
	retained bool

	parent    weak.Pointer[Instance]
	children  []*Instance
	store     *state.Store
	component Component
}

// ID returns the process-unique instance ID.
func (i *Instance) ID() string { return i.id }

// Tag returns the tag, or "" for untagged instances.
func (i *Instance) Tag() string { return i.tag }

// Scope returns the scope the instance is registered in.
func (i *Instance) Scope() string { return i.scope }

// Type returns the component type name.
func (i *Instance) Type() string { return i.typ }

// Kind returns the component kind.
func (i *Instance) Kind() manifest.Kind { return i.kind }

// State returns the lifecycle state.
func (i *Instance) State() LifecycleState { return i.state }

// Retained reports whether the instance survives its owner's recreation.
func (i *Instance) Retained() bool { return i.retained }

// Store returns the live state store.
func (i *Instance) Store() *state.Store { return i.store }

// Component returns the attached behavior.
func (i *Instance) Component() Component { return i.component }

// Parent returns the owning instance, or nil for roots, detached retained
// instances and owners that have been collected.
func (i *Instance) Parent() *Instance {
	return i.parent.Value()
}

// Children returns the attached children in creation order.
func (i *Instance) Children() []*Instance {
	out := make([]*Instance, len(i.children))
	copy(out, i.children)
	return out
}

// TagKey returns the registry key of a tagged instance: its scope joined with
// its tag. Untagged instances have no tag key.
func (i *Instance) TagKey() string {
	if i.tag == "" {
		return ""
	}
	return TagKey(i.scope, i.tag)
}

// ChildScope returns the scope children of this instance register in. For a
// tagged instance it is the tag key, which a replacement shares.
func (i *Instance) ChildScope() string {
	if i.tag == "" {
		return "#" + i.id
	}
	return i.TagKey()
}

func (i *Instance) String() string {
	if i.tag == "" {
		return fmt.Sprintf("%s#%s(%s)", i.typ, shortID(i.id), i.state)
	}
	return fmt.Sprintf("%s[%s](%s)", i.typ, i.TagKey(), i.state)
}

func (i *Instance) attach(parent *Instance) {
	if parent == nil {
		i.parent = weak.Pointer[Instance]{}
		return
	}
	i.parent = weak.Make(parent)
	parent.children = append(parent.children, i)
}

func (i *Instance) detach() {
	if p := i.Parent(); p != nil {
		for n, c := range p.children {
			if c == i {
				p.children = append(p.children[:n], p.children[n+1:]...)
				break
			}
		}
	}
	i.parent = weak.Pointer[Instance]{}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
