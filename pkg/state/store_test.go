package state

import (
	"errors"
	"math/rand/v2"
	"strconv"
	"testing"

	relayerrors "github.com/go-drift/relay/pkg/errors"
)

type diagRecorder struct {
	diags []*relayerrors.Diagnostic
}

func (r *diagRecorder) HandleError(*relayerrors.RelayError) {}
func (r *diagRecorder) HandlePanic(*relayerrors.PanicError) {}
func (r *diagRecorder) HandleDiagnostic(d *relayerrors.Diagnostic) {
	r.diags = append(r.diags, d)
}

func recordDiagnostics(t *testing.T) *diagRecorder {
	t.Helper()
	rec := &diagRecorder{}
	relayerrors.SetHandler(rec)
	t.Cleanup(func() { relayerrors.SetHandler(nil) })
	return rec
}

func randomBundle(r *rand.Rand, depth int) Bundle {
	s := NewStore()
	n := r.IntN(6) + 1
	for i := 0; i < n; i++ {
		key := "k" + strconv.Itoa(i)
		switch r.IntN(7) {
		case 0:
			s.Put(key, r.IntN(2) == 1)
		case 1:
			s.Put(key, r.Int64())
		case 2:
			s.Put(key, r.Float64())
		case 3:
			s.Put(key, "v"+strconv.Itoa(r.IntN(100)))
		case 4:
			s.Put(key, []string{"a", strconv.Itoa(r.IntN(9))})
		case 5:
			s.Put(key, Blob{byte(r.IntN(255)), 0, 1})
		case 6:
			if depth > 0 {
				s.Put(key, randomBundle(r, depth-1))
			} else {
				s.Put(key, "leaf")
			}
		}
	}
	return s.Snapshot()
}

func TestRestoreSnapshotRoundTrip(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 50; i++ {
		b := randomBundle(r, 2)

		s := NewStore()
		s.Restore(b)
		got := s.Snapshot()
		if !got.Equal(b) {
			t.Fatalf("iteration %d: restore(snapshot) = %v, want %v", i, got.Keys(), b.Keys())
		}
	}
}

func TestRestoreIsIdempotent(t *testing.T) {
	b := MustBundle(map[string]any{"draft": "hi", "cursor": 3})

	once := NewStore()
	once.Put("other", true)
	once.Restore(b)

	twice := NewStore()
	twice.Put("other", true)
	twice.Restore(b)
	twice.Restore(b)

	if !once.Snapshot().Equal(twice.Snapshot()) {
		t.Errorf("restoring twice differs from restoring once")
	}
}

func TestRestoreLastWriteWins(t *testing.T) {
	s := NewStore()
	s.Put("draft", "local")
	s.Put("kept", 1)
	s.Restore(MustBundle(map[string]any{"draft": "saved"}))

	if got := s.GetString("draft", ""); got != "saved" {
		t.Errorf("draft = %q, want %q", got, "saved")
	}
	if got := s.GetInt("kept", 0); got != 1 {
		t.Errorf("kept = %d, want 1", got)
	}
}

func TestSnapshotIsImmutable(t *testing.T) {
	s := NewStore()
	s.Put("tags", []string{"a", "b"})
	s.Put("raw", Blob{1, 2})
	snap := s.Snapshot()

	s.Put("tags", []string{"z"})
	s.Remove("raw")

	v, _ := snap.Get("tags")
	tags, _ := v.Strings()
	if len(tags) != 2 || tags[0] != "a" {
		t.Errorf("snapshot changed after store mutation: %v", tags)
	}
	if !snap.Has("raw") {
		t.Error("snapshot lost key removed from store")
	}

	tags[0] = "mutated"
	v2, _ := snap.Get("tags")
	again, _ := v2.Strings()
	if again[0] != "a" {
		t.Error("snapshot exposed its backing slice")
	}
}

func TestPutUnsupportedReportsWarning(t *testing.T) {
	rec := recordDiagnostics(t)
	s := NewStore()
	s.SetOwner("inst-1")

	err := s.Put("ch", make(chan int))
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("Put(chan) error = %v, want ErrUnsupported", err)
	}
	if err := s.Put("ok", 1); err != nil {
		t.Fatalf("Put(ok) = %v", err)
	}
	if s.Has("ch") {
		t.Error("unsupported key should not be stored")
	}
	if len(rec.diags) != 1 {
		t.Fatalf("got %d diagnostics, want 1", len(rec.diags))
	}
	d := rec.diags[0]
	if d.Kind != relayerrors.KindCaptureWarning || d.Key != "ch" || d.InstanceID != "inst-1" {
		t.Errorf("diagnostic = %+v", d)
	}
}

func TestPutRejectsReservedAndEmptyKeys(t *testing.T) {
	s := NewStore()
	if err := s.Put("", 1); !relayerrors.IsKind(err, relayerrors.KindValidation) {
		t.Errorf("Put(empty) = %v, want validation error", err)
	}
	if err := s.Put(ViewKey, 1); !relayerrors.IsKind(err, relayerrors.KindValidation) {
		t.Errorf("Put(%q) = %v, want validation error", ViewKey, err)
	}
}

func TestTypedGetterMismatchFallsBackToDefault(t *testing.T) {
	rec := recordDiagnostics(t)
	s := NewStore()
	s.Put("count", "not a number")

	if got := s.GetInt("count", 7); got != 7 {
		t.Errorf("GetInt = %d, want default 7", got)
	}
	if got := s.GetInt("missing", 9); got != 9 {
		t.Errorf("GetInt(missing) = %d, want 9", got)
	}
	if len(rec.diags) != 1 {
		t.Errorf("got %d diagnostics, want 1 (missing keys are silent)", len(rec.diags))
	}
}

func TestChildNamespacing(t *testing.T) {
	s := NewStore()
	s.Put("title", "parent")
	s.PutChild("list", MustBundle(map[string]any{"title": "list child"}))
	s.PutChild("detail", MustBundle(map[string]any{"title": "detail child"}))

	b := s.Snapshot()
	list, ok := b.Child("list")
	if !ok {
		t.Fatal("missing child bundle")
	}
	if got := list.String("title", ""); got != "list child" {
		t.Errorf("child title = %q", got)
	}
	if got := b.String("title", ""); got != "parent" {
		t.Errorf("parent title = %q", got)
	}
	tags := b.ChildTags()
	if len(tags) != 2 || tags[0] != "detail" || tags[1] != "list" {
		t.Errorf("ChildTags = %v", tags)
	}
}

func TestBundleOfSkipsBadKeys(t *testing.T) {
	b, err := BundleOf(map[string]any{"good": 1, "bad": struct{}{}})
	if err == nil {
		t.Fatal("expected error for unsupported value")
	}
	if !b.Has("good") || b.Has("bad") {
		t.Errorf("BundleOf kept %v", b.Keys())
	}
}

func TestValueWidening(t *testing.T) {
	tests := []struct {
		in   any
		kind Kind
	}{
		{int8(1), KindInt},
		{uint16(2), KindInt},
		{float32(1.5), KindFloat},
		{[]byte("x"), KindBlob},
		{&Bundle{}, KindBundle},
	}
	for _, tt := range tests {
		v, err := ValueOf(tt.in)
		if err != nil {
			t.Errorf("ValueOf(%T) error = %v", tt.in, err)
			continue
		}
		if v.Kind() != tt.kind {
			t.Errorf("ValueOf(%T).Kind() = %v, want %v", tt.in, v.Kind(), tt.kind)
		}
	}
	if _, err := ValueOf(uint64(1 << 63)); !errors.Is(err, ErrUnsupported) {
		t.Errorf("ValueOf(overflow) error = %v", err)
	}
}
