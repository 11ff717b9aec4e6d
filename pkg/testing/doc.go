// Package testing provides a harness for testing relay components.
//
// # Quick Start
//
// Build a tester from a manifest, create instances, and make assertions:
//
//	func TestCompose(t *testing.T) {
//	    tester := relaytest.NewTester(t, manifestYAML, nil)
//	    draft := tester.Create("main", nil, "compose", "compose")
//	    draft.Store().Put("body", "hello")
//
//	    // Simulate a configuration change.
//	    again := tester.Recreate(draft)
//	    if got := again.Store().GetString("body", ""); got != "hello" {
//	        t.Errorf("body = %q after recreation", got)
//	    }
//	}
//
// The tester never starts the host's loopers. Work posted across trees runs
// when the test calls Pump, so ordering is deterministic.
//
// # Recording Components
//
// Types without a constructor are built as a Recorder, which logs every hook,
// message and result it receives:
//
//	rec := relaytest.RecorderOf(inst)
//	rec.Calls() // ["Attach", "OnCreate(false)", "OnActivate"]
//
// # Diagnostics
//
// The tester installs a capturing error handler for the test's duration:
//
//	tester.Diagnostics(relayerrors.KindMissedDelivery)
//
// # Import Alias
//
// Since this package has the same name as the standard library testing
// package, import it with an alias:
//
//	import relaytest "github.com/go-drift/relay/pkg/testing"
package testing
