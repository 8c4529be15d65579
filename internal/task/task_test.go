package task

import (
	"reflect"
	"testing"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to State
		want     bool
	}{
		{StateWaiting, StateRunning, true},
		{StateWaiting, StateCanceling, true},
		{StateWaiting, StateCanceled, true},
		{StateWaiting, StateSkipped, true},
		{StateWaiting, StateCompleted, false},
		{StateWaiting, StateFailed, false},
		{StateRunning, StateCompleted, true},
		{StateRunning, StateFailed, true},
		{StateRunning, StateCanceling, true},
		{StateRunning, StateCanceled, false},
		{StateRunning, StateWaiting, false},
		{StateCanceling, StateCanceled, true},
		{StateCanceling, StateFailed, true},
		{StateCanceling, StateCompleted, false},
		{StateCompleted, StateRunning, false},
		{StateFailed, StateWaiting, false},
		{StateCanceled, StateCanceling, false},
		{StateSkipped, StateRunning, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTerminal(t *testing.T) {
	t.Parallel()

	terminal := map[State]bool{
		StateWaiting:   false,
		StateRunning:   false,
		StateCanceling: false,
		StateCanceled:  true,
		StateCompleted: true,
		StateFailed:    true,
		StateSkipped:   true,
	}
	for st, want := range terminal {
		if got := st.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", st, got, want)
		}
	}

	// Terminal states have no outgoing edges.
	for from, tos := range transitions {
		if from.Terminal() && len(tos) > 0 {
			t.Errorf("terminal state %s has outgoing transitions %v", from, tos)
		}
	}
}

func TestNormalizeResources(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   []string
		want []string
	}{
		{"nil", nil, nil},
		{"empty strings dropped", []string{"", "  "}, nil},
		{"sorted", []string{"b", "a", "c"}, []string{"a", "b", "c"}},
		{"deduped", []string{"a", "a", "b"}, []string{"a", "b"}},
		{"trimmed", []string{" a ", "a"}, []string{"a"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := NormalizeResources(tc.in); !reflect.DeepEqual(got, tc.want) {
				t.Errorf("NormalizeResources(%v) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestSplitResources(t *testing.T) {
	t.Parallel()

	excl, shr := SplitResources(
		[]string{"repositories/a", "repositories/b"},
		[]string{"repositories/b", "repositories/c"},
	)
	if want := []string{"repositories/a", "repositories/b"}; !reflect.DeepEqual(excl, want) {
		t.Errorf("exclusive = %v, want %v", excl, want)
	}
	// b is subsumed by the exclusive claim.
	if want := []string{"repositories/c"}; !reflect.DeepEqual(shr, want) {
		t.Errorf("shared = %v, want %v", shr, want)
	}

	excl, shr = SplitResources([]string{"x"}, []string{"x"})
	if !reflect.DeepEqual(excl, []string{"x"}) || shr != nil {
		t.Errorf("fully subsumed shared should be nil, got excl=%v shr=%v", excl, shr)
	}
}
