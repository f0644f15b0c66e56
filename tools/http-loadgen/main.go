// http-loadgen is a tiny HTTP load generator tailored for the flash-sale
// demo. It reuses HTTP connections (keep-alive) and supports concurrency so
// demo scripts run fast on Windows (Git Bash), Ubuntu (WSL), and macOS
// without relying on external tools.
//
// Modes:
//   - burst:  every worker is its own user, all hammering one SKU
//   - repeat: a single user retries the same SKU N times (limit testing)
//
// Usage examples:
//
//	http-loadgen -base=http://127.0.0.1:8080 -mode=burst -sku=skuA -n=5000 -c=64
//	http-loadgen -base=http://127.0.0.1:8080 -mode=repeat -sku=skuA -user=alice -n=50
//
// It tallies outcomes by status line (CONFIRMED, QUEUED, SOLD_OUT, ...) and
// prints a one-line summary with duration and approximate throughput.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

type modeType string

const (
	modeBurst  modeType = "burst"
	modeRepeat modeType = "repeat"
)

type purchaseBody struct {
	UserID   string `json:"user_id"`
	SKU      string `json:"sku"`
	Quantity int64  `json:"quantity"`
	DeviceID string `json:"device_id"`
	Channel  string `json:"channel"`
}

func main() {
	var (
		base  = flag.String("base", "http://127.0.0.1:8080", "Base URL including scheme and host")
		path  = flag.String("path", "/api/v1/purchase", "Purchase endpoint path")
		modeS = flag.String("mode", string(modeBurst), "Mode: burst|repeat")
		sku   = flag.String("sku", "skuA", "SKU to buy")
		user  = flag.String("user", "alice", "User id for repeat mode")
		qty   = flag.Int64("qty", 1, "Quantity per request")
		N     = flag.Int("n", 5000, "Total requests to send")
		conc  = flag.Int("c", 8, "Number of concurrent workers")
		// Timeouts & transport tuning
		timeout    = flag.Duration("timeout", 60*time.Second, "Overall timeout for the loadgen run")
		connIdle   = flag.Duration("idle_timeout", 30*time.Second, "HTTP idle connection timeout")
		maxIdle    = flag.Int("max_idle", 256, "Max idle connections total")
		maxIdlePer = flag.Int("max_idle_per_host", 256, "Max idle connections per host")
	)
	flag.Parse()

	m := modeType(strings.ToLower(*modeS))
	if m != modeBurst && m != modeRepeat {
		fmt.Fprintf(os.Stderr, "unknown -mode=%s (want burst|repeat)\n", *modeS)
		os.Exit(2)
	}
	if *N <= 0 || *conc <= 0 {
		fmt.Fprintln(os.Stderr, "-n and -c must be > 0")
		os.Exit(2)
	}

	baseURL := strings.TrimRight(*base, "/")
	p := *path
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	fullURL := baseURL + p

	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        *maxIdle,
		MaxIdleConnsPerHost: *maxIdlePer,
		IdleConnTimeout:     *connIdle,
	}
	client := &http.Client{Transport: tr, Timeout: 5 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var (
		mu       sync.Mutex
		statuses = map[string]int{}
	)
	tally := func(s string) {
		mu.Lock()
		statuses[s]++
		mu.Unlock()
	}

	start := time.Now()

	worker := func(id, count int) {
		for i := 0; i < count; i++ {
			select {
			case <-ctx.Done():
				return
			default:
			}
			uid := *user
			if m == modeBurst {
				uid = fmt.Sprintf("u-%d-%d", id, i)
			}
			body, _ := json.Marshal(purchaseBody{
				UserID:   uid,
				SKU:      *sku,
				Quantity: *qty,
				DeviceID: fmt.Sprintf("dev-%d", id),
				Channel:  "loadgen",
			})
			req, _ := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			resp, err := client.Do(req)
			if err != nil {
				tally("transport_error")
				// Brief backoff on errors to avoid hot spinning
				time.Sleep(200 * time.Microsecond)
				continue
			}
			var out struct {
				Status string `json:"status"`
			}
			raw, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if err := json.Unmarshal(raw, &out); err != nil || out.Status == "" {
				tally(fmt.Sprintf("http_%d", resp.StatusCode))
				continue
			}
			tally(out.Status)
		}
	}

	// Split N across conc workers
	per := *N / *conc
	rem := *N - per**conc
	var wg sync.WaitGroup
	wg.Add(*conc)
	for w := 0; w < *conc; w++ {
		count := per
		if w == *conc-1 {
			count += rem
		}
		go func(id, n int) {
			defer wg.Done()
			worker(id, n)
		}(w, count)
	}
	wg.Wait()
	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}

	keys := make([]string, 0, len(statuses))
	for k := range statuses {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, statuses[k]))
	}

	ops := float64(*N) / elapsed.Seconds()
	fmt.Printf("LoadGen: mode=%s N=%d c=%d go=%d Duration=%s Throughput=%.0f req/s [%s]\n",
		m, *N, *conc, runtime.GOMAXPROCS(0), elapsed.Truncate(time.Millisecond), ops, strings.Join(parts, " "))
}
