package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/securevote/internal/domain"
	"github.com/punchamoorthee/securevote/internal/webhook"
	"golang.org/x/sync/errgroup"
)

// Config holds the benchmark settings
var (
	targetURL    string
	concurrency  int
	duration     time.Duration
	workload     string
	fixturesPath string
	secret       string
	forgeRate    float64
)

// Metrics
var (
	totalRequests uint64
	applied       uint64 // First delivery settled the payment
	duplicates    uint64 // Redeliveries absorbed by the row lock
	otherOutcome  uint64 // not_found, underpaid, ignored, ...
	rejected403   uint64 // Forged signatures
	fail400       uint64
	fail5xx       uint64
	failOther     uint64
)

// fixture mirrors the file written by the seeder.
type fixture struct {
	Reference  string    `json:"reference"`
	ExternalID int64     `json:"external_id"`
	VoteID     uuid.UUID `json:"vote_id"`
	Pesewas    int64     `json:"pesewas"`
}

type webhookResponse struct {
	Status bool `json:"status"`
	Data   struct {
		Outcome string `json:"outcome"`
	} `json:"data"`
}

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.StringVar(&fixturesPath, "fixtures", "bench_fixtures.json", "Fixtures written by the seeder")
	flag.StringVar(&secret, "secret", os.Getenv("PAYSTACK_SECRET_KEY"), "Paystack secret key used to sign deliveries")
	flag.Float64Var(&forgeRate, "forge", 0.05, "Fraction of deliveries sent with a forged signature")
}

func main() {
	flag.Parse()
	if secret == "" {
		log.Fatal("a Paystack secret is required (-secret or PAYSTACK_SECRET_KEY)")
	}

	fixtures, err := loadFixtures(fixturesPath)
	if err != nil {
		log.Fatalf("Unable to load fixtures: %v", err)
	}
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s | Payments: %d",
		workload, concurrency, duration, len(fixtures))

	signer := webhook.NewPaystackVerifier(secret)
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			worker(gctx, signer, fixtures)
			return nil
		})
	}
	_ = g.Wait()
	printResults(time.Since(start))
}

func loadFixtures(path string) ([]fixture, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fixtures []fixture
	if err := json.Unmarshal(raw, &fixtures); err != nil {
		return nil, err
	}
	if len(fixtures) == 0 {
		return nil, fmt.Errorf("%s has no payments", path)
	}
	return fixtures, nil
}

func worker(ctx context.Context, signer *webhook.HMACVerifier, fixtures []fixture) {
	client := &http.Client{Timeout: 5 * time.Second}
	url := targetURL + "/api/v1/webhooks/paystack"

	for ctx.Err() == nil {
		f := pickFixture(fixtures)
		body, err := chargeSuccess(f)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if rand.Float64() < forgeRate {
			req.Header.Set("X-Paystack-Signature", signer.Sign([]byte("forged")))
		} else {
			req.Header.Set("X-Paystack-Signature", signer.Sign(body))
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() == nil {
				atomic.AddUint64(&failOther, 1)
			}
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch {
		case resp.StatusCode == http.StatusOK:
			var out webhookResponse
			_ = json.NewDecoder(resp.Body).Decode(&out)
			switch out.Data.Outcome {
			case "applied":
				atomic.AddUint64(&applied, 1)
			case "duplicate":
				atomic.AddUint64(&duplicates, 1)
			default:
				atomic.AddUint64(&otherOutcome, 1)
			}
		case resp.StatusCode == http.StatusForbidden:
			atomic.AddUint64(&rejected403, 1)
		case resp.StatusCode == http.StatusBadRequest:
			atomic.AddUint64(&fail400, 1)
		case resp.StatusCode >= 500:
			atomic.AddUint64(&fail5xx, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func pickFixture(fixtures []fixture) fixture {
	if workload == "hotspot" {
		// Hotspot: 90% of deliveries are redeliveries of the first two payments
		if rand.Float32() < 0.90 {
			return fixtures[rand.Intn(min(2, len(fixtures)))]
		}
	}
	return fixtures[rand.Intn(len(fixtures))]
}

func chargeSuccess(f fixture) ([]byte, error) {
	metadata, err := domain.VoteProduct(f.VoteID).EncodeMetadata()
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"event": webhook.PaystackChargeSuccess,
		"data": map[string]any{
			"id":        f.ExternalID,
			"reference": f.Reference,
			"status":    "success",
			"amount":    f.Pesewas,
			"currency":  domain.DefaultCurrency,
			"metadata":  metadata,
		},
	})
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	nApplied := atomic.LoadUint64(&applied)
	nDup := atomic.LoadUint64(&duplicates)
	nOther := atomic.LoadUint64(&otherOutcome)
	n403 := atomic.LoadUint64(&rejected403)
	n400 := atomic.LoadUint64(&fail400)
	n5xx := atomic.LoadUint64(&fail5xx)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	var dupRate float64
	if total > 0 {
		dupRate = float64(nDup) / float64(total) * 100
	}

	results := map[string]any{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_tps":    tps,
		"applied":           nApplied,
		"duplicates":        nDup,
		"duplicate_rate":    dupRate,
		"other_outcomes":    nOther,
		"rejected_403":      n403,
		"malformed_400":     n400,
		"server_errors_5xx": n5xx,
		"errors":            fErr,
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("Unable to save results: %v", err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
