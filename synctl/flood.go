package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/urfave/cli"

	"sync-scheduler/pkg/api"
)

var (
	floodRate        int
	floodConcurrency int
	floodDuration    time.Duration
)

var floodFlags = []cli.Flag{
	cli.IntFlag{
		Name:        "rate, r",
		Usage:       "requests per second across all senders",
		EnvVar:      "RATE_PER_SEC",
		Value:       10,
		Destination: &floodRate,
	},
	cli.IntFlag{
		Name:        "concurrency, c",
		EnvVar:      "CONCURRENCY",
		Value:       4,
		Destination: &floodConcurrency,
	},
	cli.DurationFlag{
		Name:        "duration, d",
		Value:       5 * time.Second,
		Destination: &floodDuration,
	},
}

type tally struct {
	mu     sync.Mutex
	counts map[string]int
}

func (t *tally) add(k string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[k]++
}

func flood(c *cli.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), floodDuration)
	defer cancel()

	counts := runFlood(ctx, http.DefaultClient, "http://"+addr+"/trigger", floodRate, floodConcurrency)
	for _, k := range []string{"triggered", "already_running", "error"} {
		fmt.Fprintf(c.App.Writer, "%-16s %d\n", k, counts[k])
	}
	return nil
}

// runFlood sends manual triggers to url until ctx is done and counts the answers.
func runFlood(ctx context.Context, client *http.Client, url string, rate, concurrency int) map[string]int {
	if concurrency < 1 {
		concurrency = 1
	}
	interval := time.Second
	if rps := rate / concurrency; rps > 0 {
		interval = time.Second / time.Duration(rps)
	}
	if interval < time.Millisecond {
		interval = time.Millisecond
	}

	t := &tally{counts: make(map[string]int)}
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(sender int) {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if res := send(ctx, client, url, sender); res != "" {
						t.add(res)
					}
				}
			}
		}(i)
	}
	wg.Wait()
	return t.counts
}

func send(ctx context.Context, client *http.Client, url string, sender int) string {
	body, _ := json.Marshal(api.TriggerRequest{Params: map[string]string{"sender": fmt.Sprint(sender)}})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "error"
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ""
		}
		return "error"
	}
	defer resp.Body.Close()

	var out api.TriggerResponse
	if resp.StatusCode >= 300 || json.NewDecoder(resp.Body).Decode(&out) != nil || out.Result == "" {
		return "error"
	}
	return out.Result
}
