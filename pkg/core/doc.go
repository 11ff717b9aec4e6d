// Package core provides component instances, the tag-indexed registry and the
// lifecycle controller that moves instances through their states.
//
// # Instances and Components
//
// An Instance is the framework-owned record for one live component: its ID,
// optional tag, lifecycle state, parent and State Store. The Component is the
// user behavior attached to it. Embed Base in a component to get the instance
// handle and LIFO disposers:
//
//	type inbox struct {
//	    core.Base
//	}
//
//	func (c *inbox) OnCreate(restored bool) {
//	    if !restored {
//	        c.Store().Put("filter", "all")
//	    }
//	}
//
// Hooks are optional. A component implements only the ones it needs:
// Creator, Activator, Suspender and Disposer.
//
// # Lifecycle
//
//	Created -> Active -> Suspended -> Active
//	                              \-> PendingRecreation -> (replacement) Recreated -> Active
//	                              \-> Destroyed
//
// Suspend always captures state. DestroyForRecreation tears an instance down
// but keeps its captured bundle and its retained children so the replacement
// registered under the same tag can claim both.
//
// # Scopes and Tags
//
// A scope is the tag path of the owning instance ("" for roots), so a
// recreated parent addresses the same scope as the instance it replaced.
// Within a scope a tag names at most one live instance; RegisterOrReuse is
// safe to call on every (re)initialization.
//
// # Threading
//
// A Controller belongs to one tree and must only be used from that tree's
// owning context: the goroutine driving its Looper, or a callback posted to it.
package core
