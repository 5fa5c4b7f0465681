package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"sync-scheduler/pkg/api"
	"sync-scheduler/pkg/connectivity"
	"sync-scheduler/pkg/report"
	"sync-scheduler/pkg/scheduler"
	"sync-scheduler/pkg/work"
)

func TestParseParams(t *testing.T) {
	got, err := parseParams([]string{"reason=pull", "folder=a=b"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got["reason"] != "pull" || got["folder"] != "a=b" {
		t.Errorf("params = %v", got)
	}
	if got, err := parseParams(nil); got != nil || err != nil {
		t.Errorf("empty args = %v, %v", got, err)
	}
	for _, bad := range []string{"novalue", "=x"} {
		if _, err := parseParams([]string{bad}); err == nil {
			t.Errorf("%q accepted", bad)
		}
	}
}

func TestPrintStatus(t *testing.T) {
	st := scheduler.Status{
		Connectivity: connectivity.Snapshot{State: connectivity.Offline},
		Deferred:     []string{work.PeriodicSync},
		Items: []work.Item{{
			Definition:  work.Definition{Name: work.PeriodicSync, Kind: work.KindPeriodic},
			State:       work.StatePending,
			RetryCount:  2,
			LastOutcome: work.Retry(2, "timeout"),
		}},
	}
	var buf bytes.Buffer
	printStatus(&buf, st)
	out := buf.String()
	for _, want := range []string{"connectivity: offline", "deferred: periodic-sync", "periodic-sync", "PENDING", "retry(2)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunFlood(t *testing.T) {
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req api.TriggerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Params["sender"] == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		res := scheduler.AlreadyRunning
		if n.Add(1) == 1 {
			res = scheduler.Triggered
		}
		json.NewEncoder(w).Encode(api.TriggerResponse{Result: res})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	counts := runFlood(ctx, srv.Client(), srv.URL, 100, 4)

	if counts[scheduler.Triggered] != 1 {
		t.Errorf("triggered = %d, want 1", counts[scheduler.Triggered])
	}
	if counts[scheduler.AlreadyRunning] == 0 {
		t.Error("no already_running answers")
	}
	if counts["error"] != 0 {
		t.Errorf("errors = %d", counts["error"])
	}
}

type acks struct {
	acked, nacked []uint64
}

func (a *acks) Ack(tag uint64, multiple bool) error {
	a.acked = append(a.acked, tag)
	return nil
}

func (a *acks) Nack(tag uint64, multiple, requeue bool) error {
	a.nacked = append(a.nacked, tag)
	return nil
}

func (a *acks) Reject(tag uint64, requeue bool) error { return a.Nack(tag, false, requeue) }

func TestPrintReports(t *testing.T) {
	r := report.New("one-time-sync", report.KindFailure, "timeout", 5)
	body, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	a := &acks{}
	deliveries := make(chan amqp.Delivery, 2)
	deliveries <- amqp.Delivery{Acknowledger: a, DeliveryTag: 1, MessageId: r.ID.String(), Body: body}
	deliveries <- amqp.Delivery{Acknowledger: a, DeliveryTag: 2, Body: []byte("{")}
	close(deliveries)

	var out bytes.Buffer
	printReports(context.Background(), &out, deliveries)

	if !strings.Contains(out.String(), "report one-time-sync failure attempts=5 timeout") {
		t.Errorf("output = %q", out.String())
	}
	if !strings.Contains(out.String(), "malformed report") {
		t.Errorf("malformed delivery not reported: %q", out.String())
	}
	if len(a.acked) != 1 || a.acked[0] != 1 || len(a.nacked) != 1 || a.nacked[0] != 2 {
		t.Errorf("acked %v nacked %v", a.acked, a.nacked)
	}
}
