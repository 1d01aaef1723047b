package memory

import (
	"math"
	"testing"
)

func TestAddSaturates(t *testing.T) {
	m := FromBytes(math.MaxUint64 - 1)
	got := m.Add(FromBytes(10))
	if got != FromBytes(math.MaxUint64) {
		t.Fatalf("Add did not saturate: got %d", got.Bytes())
	}
}

func TestCmpAndGreaterOrEqual(t *testing.T) {
	small, big := FromBytes(10), FromBytes(20)
	if small.Cmp(big) != -1 || big.Cmp(small) != 1 || small.Cmp(small) != 0 {
		t.Fatalf("Cmp gave unexpected ordering")
	}
	if !big.GreaterOrEqual(small) || small.GreaterOrEqual(big) {
		t.Fatalf("GreaterOrEqual gave unexpected result")
	}
}

func TestSum(t *testing.T) {
	got := Sum(FromBytes(1), FromBytes(2), FromBytes(3))
	if got != FromBytes(6) {
		t.Fatalf("Sum: got %d, want 6", got.Bytes())
	}
	if Sum() != Zero() {
		t.Fatalf("Sum of no values should be Zero")
	}
}

func TestStringUnits(t *testing.T) {
	cases := map[Memory]string{
		FromBytes(512):       "512 B",
		FromBytes(2048):      "2.0 KiB",
		FromBytes(1 << 30):   "1.0 GiB",
	}
	for m, want := range cases {
		if got := m.String(); got != want {
			t.Errorf("String(%d) = %q, want %q", m.Bytes(), got, want)
		}
	}
}
