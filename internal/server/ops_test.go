package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/Allen15763/spe-bank-recon/internal/queue/streams"
)

func TestQueueLagReportsBacklog(t *testing.T) {
	var gotStream, gotGroup string
	h := &OpsHandler{
		Monitor: func(ctx context.Context, stream, group string) (streams.LagMetrics, error) {
			gotStream, gotGroup = stream, group
			return streams.LagMetrics{Pending: 4, Lag: 9, Consumers: 2, OldestIdle: 1500 * time.Millisecond}, nil
		},
		Stream: "recon.runs",
		Group:  "recon-workers",
	}

	rec, _ := doJSON(t, h.queue, http.MethodGet, "/api/ops/queue", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if gotStream != "recon.runs" || gotGroup != "recon-workers" {
		t.Fatalf("monitor asked for %s/%s", gotStream, gotGroup)
	}
	var out QueueLagResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Lag != 9 || out.Pending != 4 || out.Consumers != 2 {
		t.Fatalf("unexpected backlog: %+v", out)
	}
	if out.OldestIdleMS != 1500 {
		t.Fatalf("oldest idle = %dms, want 1500", out.OldestIdleMS)
	}
}

func TestQueueLagMonitorFailure(t *testing.T) {
	h := &OpsHandler{
		Monitor: func(ctx context.Context, stream, group string) (streams.LagMetrics, error) {
			return streams.LagMetrics{}, fmt.Errorf("redis unavailable")
		},
		Stream: "recon.runs",
		Group:  "recon-workers",
	}
	rec, _ := doJSON(t, h.queue, http.MethodGet, "/api/ops/queue", "", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}
