package vclock

import "testing"

func TestCompareOrderings(t *testing.T) {
	tests := []struct {
		name string
		a, b Clock
		want Ordering
	}{
		{"both empty", Clock{}, Clock{}, Equal},
		{"identical", Clock{"a": 3, "b": 2}, Clock{"a": 3, "b": 2}, Equal},
		{"a ahead", Clock{"a": 4, "b": 2}, Clock{"a": 3, "b": 2}, After},
		{"a behind", Clock{"a": 2}, Clock{"a": 3}, Before},
		{"concurrent", Clock{"a": 3, "b": 2}, Clock{"a": 2, "b": 3}, Concurrent},
		{"missing key treated as zero", Clock{"a": 1}, Clock{}, After},
		{"b has unseen replica", Clock{"a": 1}, Clock{"a": 1, "c": 1}, Before},
		{"unseen replicas on both sides", Clock{"a": 1}, Clock{"b": 1}, Concurrent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Compare(tt.a, tt.b); got != tt.want {
				t.Fatalf("Compare(%v, %v) = %s, want %s", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestCompareIsAntisymmetric(t *testing.T) {
	a := Clock{"a": 3, "b": 2}
	b := Clock{"a": 2, "b": 2}
	if Compare(a, b) != After {
		t.Fatal("expected a After b")
	}
	if Compare(b, a) != Before {
		t.Fatal("expected b Before a")
	}
}

func TestMergeTakesComponentMax(t *testing.T) {
	a := Clock{"a": 3, "b": 2}
	b := Clock{"a": 2, "b": 5, "c": 1}
	m := Merge(a, b)

	want := Clock{"a": 3, "b": 5, "c": 1}
	for k, v := range want {
		if m[k] != v {
			t.Fatalf("Merge[%q] = %d, want %d", k, m[k], v)
		}
	}
	// Merge result dominates both inputs.
	if !m.Dominates(a) || !m.Dominates(b) {
		t.Fatal("merge result must dominate both inputs")
	}
	// Inputs unchanged.
	if a["b"] != 2 || b["a"] != 2 {
		t.Fatal("Merge must not mutate its inputs")
	}
}

func TestTickIsMonotonic(t *testing.T) {
	c := New()
	before := c.Copy()
	c.Tick("r1")
	if Compare(c, before) != After {
		t.Fatal("ticked clock must compare After its previous value")
	}
	c.Tick("r1").Tick("r2")
	if c["r1"] != 2 || c["r2"] != 1 {
		t.Fatalf("unexpected counters: %v", c)
	}
}

func TestSumTiebreak(t *testing.T) {
	a := Clock{"a": 3, "b": 2}
	b := Clock{"a": 2, "b": 2}
	if a.Sum() != 5 || b.Sum() != 4 {
		t.Fatalf("unexpected sums: %d, %d", a.Sum(), b.Sum())
	}
}

func TestCopyIsIndependent(t *testing.T) {
	a := Clock{"a": 1}
	c := a.Copy()
	c.Tick("a")
	if a["a"] != 1 {
		t.Fatal("Copy must not share storage with the original")
	}
}
