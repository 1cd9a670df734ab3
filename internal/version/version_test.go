package version

import (
	"math/rand"
	"testing"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1.2.3", "1.2.3"},
		{" 1.2.3 ", "1.2.3"},
		{"v2.0", "2.0"},
		{"1.2.3-beta", "1.2.3"},
		{"1.2.3-beta.4", "1.2.3"},
		{"1.2a.3", "1.2"},
		{".5", "0.5"},
		{"5.", "5.0"},
		{"", "0"},
		{"trunk", "0"},
		{"1.0 RC", "1.0"},
		{"10", "10"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := Sanitize(tt.in); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.2", "1.2.0", 0},
		{"1.2.0", "1.2", 0},
		{"1.10", "1.9", 1},
		{"1.9", "1.10", -1},
		{"2.0", "10.0", -1},
		{"1.0.1", "1.0", 1},
		{"01.2", "1.2", 0},
		{"1.2.3-beta", "1.2.3", 0},
		{"99999999999999999999.1", "99999999999999999999.0", 1},
		{"", "0", 0},
		{"v3", "2.9.9", 1},
	}

	for _, tt := range tests {
		t.Run(tt.a+"_vs_"+tt.b, func(t *testing.T) {
			if got := Compare(tt.a, tt.b); got != tt.want {
				t.Errorf("Compare(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestCompareIsTotalOrder(t *testing.T) {
	versions := []string{"1", "1.0", "1.0.1", "1.1", "1.10", "1.9.9", "2", "2.0-rc1", "0.9", ".5", "3.", "abc", "10.0.0"}

	for _, a := range versions {
		if Compare(a, a) != 0 {
			t.Errorf("Compare(%q, %q) should be 0", a, a)
		}
		for _, b := range versions {
			if Compare(a, b) != -Compare(b, a) {
				t.Errorf("Compare not antisymmetric for %q, %q", a, b)
			}
			for _, c := range versions {
				if Compare(a, b) <= 0 && Compare(b, c) <= 0 && Compare(a, c) > 0 {
					t.Errorf("Compare not transitive for %q <= %q <= %q", a, b, c)
				}
			}
		}
	}
}

func TestSortDescending(t *testing.T) {
	type release struct {
		id      int
		version string
	}
	releases := []release{
		{1, "1.2"}, {2, "1.10"}, {3, "1.9.1"}, {4, "2.0-beta"}, {5, "0.1"},
	}
	r := rand.New(rand.NewSource(1))
	r.Shuffle(len(releases), func(i, j int) { releases[i], releases[j] = releases[j], releases[i] })

	SortDescending(releases, func(r release) string { return r.version })

	want := []int{4, 2, 3, 1, 5}
	for i, rel := range releases {
		if rel.id != want[i] {
			t.Fatalf("position %d: got %s, want id %d (order %+v)", i, rel.version, want[i], releases)
		}
	}
	for i := 1; i < len(releases); i++ {
		if Compare(releases[i-1].version, releases[i].version) < 0 {
			t.Errorf("not non-increasing at %d: %s before %s", i, releases[i-1].version, releases[i].version)
		}
	}
}

func TestSortDescendingStrings(t *testing.T) {
	vs := []string{"1.0", "3.1", "3.0.9"}
	SortDescending(vs, func(s string) string { return s })
	if vs[0] != "3.1" || vs[1] != "3.0.9" || vs[2] != "1.0" {
		t.Errorf("unexpected order: %v", vs)
	}
}
