package utils

import (
	"sort"
	"testing"
)

func TestPrettyTime(t *testing.T) {
	table := []struct {
		sec  int
		want string
	}{
		{0, "0:00"},
		{59, "0:59"},
		{61, "1:01"},
		{3600, "1:00:00"},
		{3725, "1:02:05"},
	}
	for _, tc := range table {
		if got := PrettyTime(tc.sec); got != tc.want {
			t.Errorf("PrettyTime(%d) = %q, want %q", tc.sec, got, tc.want)
		}
	}
}

func TestEscapeMd(t *testing.T) {
	if got := EscapeMd("a*b_c`d~e"); got != "a\\*b\\_c\\`d\\~e" {
		t.Fatalf("got %q", got)
	}
}

func TestShuffleSliceKeepsElements(t *testing.T) {
	a := []int{1, 2, 3, 4, 5, 6, 7, 8}
	ShuffleSlice(a)
	sort.Ints(a)
	for i, v := range a {
		if v != i+1 {
			t.Fatalf("element set changed: %v", a)
		}
	}
}
