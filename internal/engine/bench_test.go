package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/catalog/memstore"
)

func seededStore(n int) *memstore.Store {
	s := memstore.New()
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("item %05d", i)
	}
	return s.Seed(names...)
}

// BenchmarkFuzzySearch measures end-to-end search latency, including entry
// resolution, for growing catalogs.
func BenchmarkFuzzySearch(b *testing.B) {
	for _, size := range []int{1000, 10000} {
		for _, tol := range []int{1, 2} {
			b.Run(fmt.Sprintf("names_%d/tol_%d", size, tol), func(b *testing.B) {
				e := newTestEngine(b, seededStore(size))
				ctx := context.Background()
				if _, err := e.Rebuild(ctx); err != nil {
					b.Fatal(err)
				}
				b.ReportAllocs()
				b.ResetTimer()
				for i := 0; i < b.N; i++ {
					if _, err := e.FuzzySearch(ctx, fmt.Sprintf("item %05d", i%size), tol); err != nil {
						b.Fatal(err)
					}
				}
			})
		}
	}
}

// BenchmarkAdmitRejectDuplicate measures the oracle-positive path that ends
// in a confirmed rejection.
func BenchmarkAdmitRejectDuplicate(b *testing.B) {
	e := newTestEngine(b, seededStore(5000))
	ctx := context.Background()
	if _, err := e.Rebuild(ctx); err != nil {
		b.Fatal(err)
	}
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			res, err := e.CheckAndAdmit(ctx, AdmitRequest{Name: fmt.Sprintf("item %05d", i%5000)})
			if err != nil {
				b.Error(err)
				return
			}
			if res.Decision != Rejected {
				b.Errorf("expected rejection, got %s", res.Decision)
				return
			}
			i++
		}
	})
}
