package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/punchamoorthee/walletops/internal/logger"
	"go.uber.org/zap"
)

// Config holds the benchmark settings
var (
	targetURL     string
	apiKey        string
	concurrency   int
	duration      time.Duration
	workload      string
	totalAccounts int
)

// Metrics
var (
	totalRequests uint64
	success200    uint64 // Idempotent replays
	success201    uint64 // Created
	fail409       uint64 // In flight or business conflict
	fail422       uint64 // Insufficient funds and other rejections
	fail503       uint64 // Version conflict retries exhausted
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.StringVar(&apiKey, "api-key", os.Getenv("LEDGER_API_KEY"), "Value sent as X-API-Key")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot | replay")
	flag.IntVar(&totalAccounts, "accounts", 1000, "Number of seeded accounts (IDs 1..N)")
}

func main() {
	flag.Parse()

	log, err := logger.New(os.Getenv("ENVIRONMENT"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create zap logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting benchmark",
		zap.String("workload", workload),
		zap.Int("workers", concurrency),
		zap.Duration("duration", duration),
		zap.String("url", targetURL))

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, i)
	}

	wg.Wait()
	printResults(log, time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time, id int) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	// The replay workload sends every request of a worker under a small set of keys,
	// so most responses should be 200 replays.
	var replayKeys []string
	for i := 0; i < 4; i++ {
		replayKeys = append(replayKeys, fmt.Sprintf("bench-replay-%d-%d-%d", start.UnixNano(), id, i))
	}

	for seq := 0; time.Since(start) < duration; seq++ {
		from, to := generateAccounts(id, seq)
		amount := int64(100)

		key := fmt.Sprintf("bench-%d-%d-%d", from, to, time.Now().UnixNano())
		if workload == "replay" {
			key = replayKeys[seq%len(replayKeys)]
		}

		payload := map[string]interface{}{
			"sender_id":   from,
			"receiver_id": to,
			"amount":      amount,
		}
		body, _ := json.Marshal(payload)

		req, _ := http.NewRequest("POST", targetURL+"/api/v1/transfers", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", key)
		if apiKey != "" {
			req.Header.Set("X-API-Key", apiKey)
		}

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case http.StatusCreated:
			atomic.AddUint64(&success201, 1)
		case http.StatusOK:
			atomic.AddUint64(&success200, 1)
		case http.StatusConflict:
			atomic.AddUint64(&fail409, 1)
		case http.StatusUnprocessableEntity:
			atomic.AddUint64(&fail422, 1)
		case http.StatusServiceUnavailable:
			atomic.AddUint64(&fail503, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}

func generateAccounts(id, seq int) (int64, int64) {
	switch workload {
	case "hotspot":
		// Hotspot: 90% of traffic goes to Account 1 & 2
		if rand.Float32() < 0.90 {
			if rand.Float32() < 0.5 {
				return 1, 2
			}
			return 2, 1
		}
	case "replay":
		// Replayed keys must carry the same payload every time.
		a := int64((id*2)%totalAccounts + 1)
		b := int64((id*2+1)%totalAccounts + 1)
		if a == b {
			b = a%int64(totalAccounts) + 1
		}
		return a, b
	}

	// Uniform Random
	a := rand.Intn(totalAccounts) + 1
	b := rand.Intn(totalAccounts) + 1
	for a == b {
		b = rand.Intn(totalAccounts) + 1
	}
	return int64(a), int64(b)
}

func printResults(log *zap.Logger, d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&success201)
	s200 := atomic.LoadUint64(&success200)
	f409 := atomic.LoadUint64(&fail409)
	f422 := atomic.LoadUint64(&fail422)
	f503 := atomic.LoadUint64(&fail503)
	fErr := atomic.LoadUint64(&failOther)

	var abortRate float64
	if total > 0 {
		abortRate = float64(f409+f503) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_tps":    float64(total) / d.Seconds(),
		"success_created":   s201,
		"success_replay":    s200,
		"aborts_conflict":   f409,
		"retries_exhausted": f503,
		"rejected":          f422,
		"abort_rate_pct":    abortRate,
		"errors":            fErr,
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Error("Failed to save results", zap.String("file", filename), zap.Error(err))
		return
	}
	defer file.Close()
	_ = json.NewEncoder(file).Encode(results)
}
