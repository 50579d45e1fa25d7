//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"research/internal/hub"
	"research/internal/job"
	"research/internal/testutil"
	"research/pkg/cloudevent"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// countingObserver counts events it receives.
type countingObserver struct {
	received atomic.Int64
	ready    atomic.Int64
}

func (o *countingObserver) Send(_ context.Context, ev *cloudevent.CloudEvent) error {
	o.received.Add(1)
	if ev.Type == job.EventTypeDataReady && ev.Data["status"] == job.PhasePersonasReady {
		o.ready.Add(1)
	}
	return nil
}

var _ hub.Observer = (*countingObserver)(nil)

// BenchmarkConcurrentJobs stress tests job creation while pipelines run.
// Run with: go test -tags=e2e -run=^$ -bench=BenchmarkConcurrentJobs -benchtime=10s ./e2e/
func BenchmarkConcurrentJobs(b *testing.B) {
	server, svc := createTestServer(b, 8)
	obs := &countingObserver{}

	var created atomic.Int64
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		client := &http.Client{Timeout: 30 * time.Second}
		i := 0
		for pb.Next() {
			i++
			body, _ := json.Marshal(job.Request{Description: fmt.Sprintf("bench product %d", i)})
			resp, err := client.Post(server.URL+"/v1/jobs", "application/json", bytes.NewReader(body))
			if err != nil {
				b.Errorf("Failed to create job: %v", err)
				continue
			}
			var r job.Response
			json.NewDecoder(resp.Body).Decode(&r)
			resp.Body.Close()

			if resp.StatusCode != http.StatusAccepted {
				b.Errorf("Expected 202, got %d", resp.StatusCode)
				continue
			}
			svc.Subscribe(r.ID, obs)
			created.Add(1)
		}
	})

	b.StopTimer()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := svc.Wait(ctx); err != nil {
		b.Fatalf("Pipelines did not finish: %v", err)
	}
	b.ReportMetric(float64(created.Load()), "jobs")
	b.ReportMetric(float64(obs.received.Load()), "events")
}

// TestFanOutThroughput measures how fast one job's events reach many observers.
func TestFanOutThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping throughput test in short mode")
	}

	const (
		numJobs      = 50
		observersPer = 20
	)

	_, svc := createTestServer(t, 8)

	observers := make([]*countingObserver, numJobs*observersPer)
	for i := range observers {
		observers[i] = &countingObserver{}
	}

	start := time.Now()
	var wg sync.WaitGroup
	for i := range numJobs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := svc.Create(context.Background(), &job.Request{Description: fmt.Sprintf("fan-out product %d", i)})
			if err != nil {
				t.Errorf("Create failed: %v", err)
				return
			}
			for _, obs := range observers[i*observersPer : (i+1)*observersPer] {
				svc.Subscribe(resp.ID, obs)
			}
		}(i)
	}
	wg.Wait()

	testutil.MustWaitFor(t, func() bool {
		for _, obs := range observers {
			if obs.ready.Load() == 0 {
				return false
			}
		}
		return true
	}, testutil.WithTimeout(60*time.Second))

	var total int64
	for _, obs := range observers {
		total += obs.received.Load()
	}
	elapsed := time.Since(start)
	t.Logf("Fan-out results:")
	t.Logf("  Jobs:       %d", numJobs)
	t.Logf("  Observers:  %d", len(observers))
	t.Logf("  Events:     %d", total)
	t.Logf("  Duration:   %v", elapsed)
	t.Logf("  Rate:       %.0f events/sec", float64(total)/elapsed.Seconds())
}
