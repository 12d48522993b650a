package matcher

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/catalog"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/snapshot"
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/errors"
)

func TestDistance(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"", "abc", 3},
		{"tomato", "tomato", 0},
		{"tomato", "tomatoe", 1},
		{"tomato", "potato", 2},
		{"kitten", "sitting", 3},
		{"café", "cafe", 1},
		{"flaw", "lawn", 2},
	}
	for _, tt := range tests {
		if got := Distance(tt.a, tt.b); got != tt.want {
			t.Errorf("Distance(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
		if got := Distance(tt.b, tt.a); got != tt.want {
			t.Errorf("Distance(%q, %q) = %d, want %d (symmetry)", tt.b, tt.a, got, tt.want)
		}
	}
}

func snap(v uint64, names ...catalog.Name) *snapshot.Snapshot {
	return &snapshot.Snapshot{Version: v, TakenAt: time.Now(), Names: names}
}

func TestTomatoScenario(t *testing.T) {
	m := New()
	m.Rebuild(snap(1, "tomato", "tomatoe", "potato"))

	res, err := m.Query("tomato", 1)
	if err != nil {
		t.Fatal(err)
	}
	want := []Match{{Name: "tomato", Distance: 0}, {Name: "tomatoe", Distance: 1}}
	if len(res.Matches) != len(want) {
		t.Fatalf("matches = %+v, want %+v", res.Matches, want)
	}
	for i := range want {
		if res.Matches[i].Name != want[i].Name || res.Matches[i].Distance != want[i].Distance {
			t.Fatalf("matches = %+v, want %+v", res.Matches, want)
		}
	}
	if res.SnapshotVersion != 1 {
		t.Errorf("snapshot version = %d", res.SnapshotVersion)
	}
}

func TestEdgeCases(t *testing.T) {
	m := New()
	res, err := m.Query("anything", 3)
	if err != nil || len(res.Matches) != 0 {
		t.Fatalf("empty catalog: %+v, %v", res, err)
	}

	m.Rebuild(snap(1, "milk", "silk", "mild"))
	res, _ = m.Query("milk", 0)
	if len(res.Matches) != 1 || res.Matches[0].Name != "milk" {
		t.Fatalf("tolerance 0: %+v", res.Matches)
	}

	_, err = m.Query("milk", -1)
	if !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Fatalf("negative tolerance: %v", err)
	}
}

func TestTiesFollowSnapshotOrder(t *testing.T) {
	// Every name is distance 1 from "bat"; order must follow the snapshot,
	// not tree layout or map iteration.
	names := []catalog.Name{"cat", "hat", "bit", "rat"}
	for run := 0; run < 20; run++ {
		tree := Build(names)
		got := tree.Search("bat", 1)
		var order []catalog.Name
		for _, m := range got {
			order = append(order, m.Name)
		}
		want := []catalog.Name{"cat", "hat", "bit", "rat"}
		if fmt.Sprint(order) != fmt.Sprint(want) {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestDuplicateNamesSkipped(t *testing.T) {
	tree := Build([]catalog.Name{"milk", "eggs", "milk"})
	if tree.Len() != 2 {
		t.Fatalf("len = %d, want 2", tree.Len())
	}
	if got := tree.Search("milk", 0); len(got) != 1 || got[0].Order != 0 {
		t.Fatalf("search = %+v", got)
	}
}

func randomNames(r *rand.Rand, n int) []catalog.Name {
	const letters = "abcdeot"
	seen := make(map[string]bool)
	var out []catalog.Name
	for len(out) < n {
		b := make([]byte, 3+r.Intn(5))
		for i := range b {
			b[i] = letters[r.Intn(len(letters))]
		}
		if !seen[string(b)] {
			seen[string(b)] = true
			out = append(out, catalog.Name(b))
		}
	}
	return out
}

// The tree must return exactly what a linear scan returns.
func TestSearchMatchesLinearScan(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	names := randomNames(r, 400)
	tree := Build(names)
	for q := 0; q < 100; q++ {
		query := string(randomNames(r, 1)[0])
		for tol := 0; tol <= 3; tol++ {
			got := tree.Search(query, tol)
			var want []Match
			for i, n := range names {
				if d := Distance(query, string(n)); d <= tol {
					want = append(want, Match{Name: n, Distance: d, Order: i})
				}
			}
			sort.SliceStable(want, func(i, j int) bool { return want[i].Distance < want[j].Distance })
			if len(got) != len(want) {
				t.Fatalf("query %q tol %d: got %d matches, want %d", query, tol, len(got), len(want))
			}
			for i := range want {
				if got[i] != want[i] {
					t.Fatalf("query %q tol %d: got[%d] = %+v, want %+v", query, tol, i, got[i], want[i])
				}
				if got[i].Distance > tol || (i > 0 && got[i].Distance < got[i-1].Distance) {
					t.Fatalf("result out of bounds or unsorted: %+v", got)
				}
			}
		}
	}
}

func TestRoundTripAtToleranceZero(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	names := randomNames(r, 200)
	m := New()
	m.Rebuild(snap(3, names...))
	for _, n := range names {
		res, _ := m.Query(string(n), 0)
		if len(res.Matches) != 1 || res.Matches[0].Name != n || res.Matches[0].Distance != 0 {
			t.Fatalf("round trip for %q: %+v", n, res.Matches)
		}
	}
}

func TestRebuildIgnoresOlderSnapshot(t *testing.T) {
	m := New()
	m.Rebuild(snap(2, "milk"))
	if m.Rebuild(snap(1, "eggs")) {
		t.Fatal("older snapshot swapped in")
	}
	if m.Version() != 2 || m.Stats().Names != 1 {
		t.Fatalf("stats = %+v", m.Stats())
	}
}

func BenchmarkSearch(b *testing.B) {
	r := rand.New(rand.NewSource(1))
	tree := Build(randomNames(r, 20000))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tree.Search("tomato", 2)
	}
}

func BenchmarkBuild(b *testing.B) {
	r := rand.New(rand.NewSource(1))
	names := randomNames(r, 5000)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Build(names)
	}
}
