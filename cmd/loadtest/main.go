// Command loadtest drives a mixed admit and fuzzy-search workload against a
// running engine and reports latency per operation.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type Config struct {
	BaseURL     string
	Concurrency int
	Duration    time.Duration
	AdmitRatio  float64
	Tolerance   int
	Names       []string
}

// opStats aggregates one operation kind. 409 on admit is an expected
// rejection, not an error.
type opStats struct {
	total     atomic.Int64
	errors    atomic.Int64
	rejected  atomic.Int64
	latencies []time.Duration
	mu        sync.Mutex
	codes     map[int]int64
}

func newOpStats() *opStats {
	return &opStats{latencies: make([]time.Duration, 0, 100000), codes: make(map[int]int64)}
}

func (s *opStats) record(d time.Duration, status int, err error) {
	s.total.Add(1)
	if err != nil {
		s.errors.Add(1)
		return
	}
	switch {
	case status == http.StatusConflict:
		s.rejected.Add(1)
	case status < 200 || status >= 300:
		s.errors.Add(1)
	}
	s.mu.Lock()
	s.latencies = append(s.latencies, d)
	s.codes[status]++
	s.mu.Unlock()
}

var baseNames = []string{
	"tomato", "potato", "bread", "milk", "cheese", "butter", "yogurt",
	"apple", "banana", "orange", "carrot", "onion", "garlic", "pepper",
	"rice", "pasta", "flour", "sugar", "coffee", "tea",
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "base URL of the catalog engine")
	concurrency := flag.Int("concurrency", 10, "number of concurrent workers")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	admitRatio := flag.Float64("admit-ratio", 0.1, "fraction of requests that are admissions")
	tolerance := flag.Int("tolerance", 1, "fuzzy search tolerance")
	flag.Parse()

	cfg := Config{
		BaseURL:     *baseURL,
		Concurrency: *concurrency,
		Duration:    *duration,
		AdmitRatio:  *admitRatio,
		Tolerance:   *tolerance,
		Names:       baseNames,
	}

	fmt.Println("=== Catalog Engine Load Test ===")
	fmt.Printf("Target:      %s\n", cfg.BaseURL)
	fmt.Printf("Concurrency: %d\n", cfg.Concurrency)
	fmt.Printf("Duration:    %s\n", cfg.Duration)
	fmt.Printf("Admit ratio: %.2f\n", cfg.AdmitRatio)
	fmt.Printf("Tolerance:   %d\n", cfg.Tolerance)
	fmt.Println()

	search, admit := runLoadTest(cfg)
	ok := printReport("search", search, cfg.Duration)
	ok = printReport("admit", admit, cfg.Duration) || ok
	if !ok {
		fmt.Println("WARNING: No requests completed. Is the engine running?")
		os.Exit(1)
	}
}

// mutate returns name with one random substitution, giving searches that
// hit at distance 1 and admissions that land near existing names.
func mutate(r *rand.Rand, name string) string {
	if name == "" {
		return name
	}
	b := []byte(name)
	b[r.IntN(len(b))] = byte('a' + r.IntN(26))
	return string(b)
}

func runLoadTest(cfg Config) (search, admit *opStats) {
	search, admit = newOpStats(), newOpStats()
	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        cfg.Concurrency * 2,
			MaxIdleConnsPerHost: cfg.Concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	var wg sync.WaitGroup
	fmt.Print("Running")

	for w := range cfg.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := rand.New(rand.NewPCG(uint64(w), uint64(time.Now().UnixNano())))
			for i := 0; ctx.Err() == nil; i++ {
				name := cfg.Names[r.IntN(len(cfg.Names))]
				if r.Float64() < cfg.AdmitRatio {
					body, _ := json.Marshal(map[string]any{
						"name":      fmt.Sprintf("%s %d-%d", mutate(r, name), w, i),
						"seller_id": fmt.Sprintf("loadtest-%d", w),
						"price":     1.0,
						"quantity":  1,
					})
					req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.BaseURL+"/api/v1/catalog/admit", bytes.NewReader(body))
					if err != nil {
						panic(fmt.Sprintf("creating request: %v", err))
					}
					req.Header.Set("Content-Type", "application/json")
					do(ctx, client, req, admit)
					continue
				}
				u := fmt.Sprintf("%s/api/v1/catalog/search?q=%s&tolerance=%d",
					cfg.BaseURL, url.QueryEscape(mutate(r, name)), cfg.Tolerance)
				req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
				if err != nil {
					panic(fmt.Sprintf("creating request: %v", err))
				}
				do(ctx, client, req, search)
			}
		}()
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Print(".")
			}
		}
	}()

	wg.Wait()
	fmt.Println(" done!")
	fmt.Println()
	return search, admit
}

func do(ctx context.Context, client *http.Client, req *http.Request, s *opStats) {
	start := time.Now()
	resp, err := client.Do(req)
	d := time.Since(start)
	if err != nil {
		// Requests cut off by the end of the run are not failures.
		if ctx.Err() == nil {
			s.record(d, 0, err)
		}
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	s.record(d, resp.StatusCode, nil)
}

// printReport prints one operation's results and reports whether any
// request completed.
func printReport(op string, s *opStats, duration time.Duration) bool {
	total := s.total.Load()
	fmt.Printf("=== %s ===\n", op)
	fmt.Printf("Total Requests:  %d\n", total)
	fmt.Printf("Errors:          %d\n", s.errors.Load())
	if op == "admit" {
		fmt.Printf("Rejected (409):  %d\n", s.rejected.Load())
	}
	if total == 0 {
		fmt.Println()
		return false
	}
	fmt.Printf("Error Rate:      %.2f%%\n", float64(s.errors.Load())/float64(total)*100)
	fmt.Printf("Requests/sec:    %.2f\n", float64(total)/duration.Seconds())

	s.mu.Lock()
	latencies := append([]time.Duration(nil), s.latencies...)
	codes := make([]int, 0, len(s.codes))
	for code := range s.codes {
		codes = append(codes, code)
	}
	counts := make(map[int]int64, len(s.codes))
	for code, n := range s.codes {
		counts[code] = n
	}
	s.mu.Unlock()

	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		avg := sum / time.Duration(len(latencies))
		var sq float64
		for _, l := range latencies {
			diff := float64(l) - float64(avg)
			sq += diff * diff
		}
		fmt.Printf("Latency min/avg/max: %s / %s / %s\n", latencies[0], avg, latencies[len(latencies)-1])
		fmt.Printf("P50 %s  P90 %s  P99 %s  StdDev %s\n",
			percentile(latencies, 50), percentile(latencies, 90), percentile(latencies, 99),
			time.Duration(math.Sqrt(sq/float64(len(latencies)))))
	}

	sort.Ints(codes)
	for _, code := range codes {
		fmt.Printf("  %d: %d\n", code, counts[code])
	}
	fmt.Println()
	return true
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
