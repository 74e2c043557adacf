package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Allen15763/spe-bank-recon/internal/checkpoint"
	"github.com/Allen15763/spe-bank-recon/internal/history"
	"github.com/Allen15763/spe-bank-recon/internal/pipeline"
	"github.com/Allen15763/spe-bank-recon/internal/queue/streams"
	"github.com/Allen15763/spe-bank-recon/internal/store"
	"github.com/Allen15763/spe-bank-recon/internal/task"
)

// reclaimMinIdle is how long a request may sit unacked with a dead consumer
// before another worker claims it on startup.
const reclaimMinIdle = 5 * time.Minute

// StoreAPI captures the registry methods the worker needs.
type StoreAPI interface {
	CreateRun(ctx context.Context, rec store.RunRecord) (string, error)
	MarkRunRunning(ctx context.Context, runID string) error
	FinishRun(ctx context.Context, runID, status string, out store.RunOutcome, errMsg *string) error
	InsertRunSteps(ctx context.Context, runID string, steps []store.RunStepRecord) error
	UpsertCheckpointIndex(ctx context.Context, rec store.CheckpointIndexRecord) error
}

// TaskAPI is the slice of the task runner the worker drives.
type TaskAPI interface {
	ExecuteRun(ctx context.Context, runID, mode string, vars map[string]pipeline.Value) (*task.Result, error)
	ListCheckpoints(ctx context.Context, runID string) ([]checkpoint.Info, error)
}

// HistoryAPI indexes run and step audit entries.
type HistoryAPI interface {
	Add(entries ...history.Entry) error
}

// BusAPI publishes run.completed events.
type BusAPI interface {
	PublishRunCompleted(ctx context.Context, stream string, done streams.RunCompleted, opts ...streams.PublishOption) (string, error)
}

// Claimer grants exactly one worker the right to process an event.
type Claimer interface {
	ClaimIdempotency(ctx context.Context, scope, key string) (bool, error)
}

// RedisClaimer implements Claimer with SET NX under a TTL, so replayed or
// re-delivered events are skipped until the claim expires.
type RedisClaimer struct {
	Client *redis.Client
	TTL    time.Duration
}

func (r *RedisClaimer) ClaimIdempotency(ctx context.Context, scope, key string) (bool, error) {
	ttl := r.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return r.Client.SetNX(ctx, "sperecon:idemp:"+scope+":"+key, "1", ttl).Result()
}

// Processor consumes run.requested events, executes the requested mode and
// records the outcome in the registry, the checkpoint index and the history
// index before publishing run.completed.
type Processor struct {
	logger       *log.Logger
	store        StoreAPI
	runner       TaskAPI
	history      HistoryAPI
	claims       Claimer
	publisher    BusAPI
	consumer     *streams.Consumer
	stream       string
	resultStream string
	tracer       trace.Tracer
	runCounter   otelmetric.Int64Counter
	failCounter  otelmetric.Int64Counter
}

// NewProcessor constructs a Processor.
func NewProcessor(logger *log.Logger, st StoreAPI, runner TaskAPI, hist HistoryAPI, claims Claimer, pub BusAPI, cons *streams.Consumer, stream, resultStream string, meter otelmetric.Meter, tracer trace.Tracer) *Processor {
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("worker")
	}

	proc := &Processor{
		logger:       logger,
		store:        st,
		runner:       runner,
		history:      hist,
		claims:       claims,
		publisher:    pub,
		consumer:     cons,
		stream:       stream,
		resultStream: resultStream,
		tracer:       tracer,
	}
	if meter != nil {
		var err error
		proc.runCounter, err = meter.Int64Counter("worker_runs_processed")
		if err != nil {
			logger.Printf("warn: create run counter failed: %v", err)
		}
		proc.failCounter, err = meter.Int64Counter("worker_runs_failed")
		if err != nil {
			logger.Printf("warn: create fail counter failed: %v", err)
		}
		if cons != nil && stream != "" {
			registerQueueGauges(meter, logger, stream, cons.Lag)
		}
	}
	return proc
}

// registerQueueGauges exposes the consumer group's backlog as observable
// gauges, read from redis on every metrics collection.
func registerQueueGauges(meter otelmetric.Meter, logger *log.Logger, stream string, lag func(context.Context, string) (streams.LagMetrics, error)) {
	lagGauge, err := meter.Int64ObservableGauge("worker_queue_lag")
	if err != nil {
		logger.Printf("warn: create queue lag gauge failed: %v", err)
		return
	}
	pendingGauge, err := meter.Int64ObservableGauge("worker_queue_pending")
	if err != nil {
		logger.Printf("warn: create queue pending gauge failed: %v", err)
		return
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, o otelmetric.Observer) error {
		m, err := lag(ctx, stream)
		if err != nil {
			return err
		}
		attrs := otelmetric.WithAttributes(attribute.String("stream", stream))
		o.ObserveInt64(lagGauge, m.Lag, attrs)
		o.ObserveInt64(pendingGauge, m.Pending, attrs)
		return nil
	}, lagGauge, pendingGauge)
	if err != nil {
		logger.Printf("warn: register queue gauges failed: %v", err)
	}
}

// Start blocks, continuously processing run.requested events until the
// context is cancelled.
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Printf("worker processor starting; consuming stream %s", p.stream)
	if err := p.reclaimStale(ctx); err != nil {
		p.logger.Printf("warn: reclaim stale messages failed: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			p.logger.Printf("worker processor stopping: %v", ctx.Err())
			return nil
		default:
		}

		msgs, err := p.consumer.Read(ctx, p.stream, streams.WithBlock(5*time.Second), streams.WithCount(16))
		if err != nil {
			p.logger.Printf("error reading stream: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		for _, msg := range msgs {
			if err := p.handleRunRequested(ctx, msg); err != nil {
				p.logger.Printf("error handling run message %s: %v", msg.ID, err)
			}
			if err := p.consumer.Ack(ctx, p.stream, msg.ID); err != nil {
				p.logger.Printf("warn: failed to ack message %s: %v", msg.ID, err)
			}
		}
	}
}

// reclaimStale takes over requests another consumer read but never acked,
// so a crashed worker's runs are picked up on the next start.
func (p *Processor) reclaimStale(ctx context.Context) error {
	start := "0-0"
	for {
		msgs, next, err := p.consumer.AutoClaim(ctx, p.stream, reclaimMinIdle, start, 16)
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			p.logger.Printf("reclaimed stale message %s", msg.ID)
			if err := p.handleRunRequested(ctx, msg); err != nil {
				p.logger.Printf("error handling reclaimed message %s: %v", msg.ID, err)
			}
			if err := p.consumer.Ack(ctx, p.stream, msg.ID); err != nil {
				p.logger.Printf("warn: failed to ack reclaimed message %s: %v", msg.ID, err)
			}
		}
		if next == "" || next == "0-0" {
			return nil
		}
		start = next
	}
}

func (p *Processor) handleRunRequested(ctx context.Context, msg streams.Message) error {
	ctx, span := p.tracer.Start(ctx, "worker.handle_run")
	defer span.End()

	claimed, err := p.claims.ClaimIdempotency(ctx, msg.Envelope.EventType, msg.Envelope.EventID)
	if err != nil {
		return fmt.Errorf("claim idempotency: %w", err)
	}
	if !claimed {
		p.logger.Printf("skip event %s: already processed", msg.Envelope.EventID)
		return nil
	}

	req, err := msg.Envelope.DecodeRunRequested()
	if err != nil {
		return fmt.Errorf("decode run request: %w", err)
	}

	if err := p.markRunning(ctx, req); err != nil {
		return err
	}

	vars := make(map[string]pipeline.Value, len(req.Vars))
	for k, v := range req.Vars {
		vars[k] = pipeline.StringValue(v)
	}

	result, err := p.runner.ExecuteRun(ctx, req.RunID, req.Mode, vars)
	if err != nil {
		// Unknown modes and failed input validation abort before any step
		// runs, so there is no summary; the run fails with the reason.
		reason := err.Error()
		if ferr := p.store.FinishRun(ctx, req.RunID, store.RunStatusFailed, store.RunOutcome{}, &reason); ferr != nil {
			p.logger.Printf("warn: finish run %s: %v", req.RunID, ferr)
		}
		p.publishCompleted(ctx, streams.RunCompleted{
			RunID:  req.RunID,
			Mode:   req.Mode,
			Status: store.RunStatusFailed,
			Error:  reason,
		})
		if p.failCounter != nil {
			p.failCounter.Add(ctx, 1)
		}
		return nil
	}

	status := store.RunStatusSucceeded
	if !result.Summary.Success {
		status = store.RunStatusFailed
	}
	out := store.RunOutcome{
		TotalSteps:      result.Summary.TotalSteps,
		SuccessfulSteps: result.Summary.SuccessfulSteps,
		FailedStep:      result.Summary.FailedStep,
		Warnings:        len(result.Context.Warnings()),
		DurationMS:      result.Summary.Duration.Milliseconds(),
	}
	var errMsg *string
	if len(result.Summary.Errors) > 0 {
		joined := strings.Join(result.Summary.Errors, "; ")
		errMsg = &joined
	}
	if err := p.store.FinishRun(ctx, req.RunID, status, out, errMsg); err != nil {
		p.logger.Printf("warn: finish run %s: %v", req.RunID, err)
	}

	p.recordSteps(ctx, req.RunID, result)
	p.indexCheckpoints(ctx, req.RunID)
	p.indexHistory(req.RunID, result, status)

	done := streams.RunCompleted{
		RunID:           req.RunID,
		Mode:            req.Mode,
		Status:          status,
		TotalSteps:      out.TotalSteps,
		SuccessfulSteps: out.SuccessfulSteps,
		FailedStep:      out.FailedStep,
		DurationMS:      out.DurationMS,
	}
	if errMsg != nil {
		done.Error = *errMsg
	}
	p.publishCompleted(ctx, done)

	if p.runCounter != nil {
		p.runCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("status", status)))
	}
	return nil
}

// markRunning flips the run row to running. Requests published without a
// registry row (a CLI enqueue against an empty database) get one created
// under the announced id first.
func (p *Processor) markRunning(ctx context.Context, req streams.RunRequested) error {
	err := p.store.MarkRunRunning(ctx, req.RunID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("mark run %s running: %w", req.RunID, err)
	}
	rec := store.RunRecord{
		ID:          req.RunID,
		Mode:        req.Mode,
		TaskName:    req.TaskName,
		Trigger:     req.Trigger,
		RequestedBy: req.RequestedBy,
		Vars:        req.Vars,
	}
	if _, err := p.store.CreateRun(ctx, rec); err != nil {
		return fmt.Errorf("create run %s: %w", req.RunID, err)
	}
	if err := p.store.MarkRunRunning(ctx, req.RunID); err != nil {
		return fmt.Errorf("mark run %s running: %w", req.RunID, err)
	}
	return nil
}

func (p *Processor) recordSteps(ctx context.Context, runID string, result *task.Result) {
	hist := result.Context.History()
	if len(hist) == 0 {
		return
	}
	steps := make([]store.RunStepRecord, 0, len(hist))
	for _, rec := range hist {
		steps = append(steps, store.RunStepRecord{
			RunID:      runID,
			StepName:   rec.StepName,
			Status:     string(rec.Status),
			Message:    rec.Message,
			Attempts:   rec.Attempts,
			DurationMS: rec.FinishedAt.Sub(rec.StartedAt).Milliseconds(),
			StartedAt:  rec.StartedAt,
			FinishedAt: rec.FinishedAt,
		})
	}
	if err := p.store.InsertRunSteps(ctx, runID, steps); err != nil {
		p.logger.Printf("warn: record steps for run %s: %v", runID, err)
	}
}

func (p *Processor) indexCheckpoints(ctx context.Context, runID string) {
	infos, err := p.runner.ListCheckpoints(ctx, runID)
	if err != nil {
		p.logger.Printf("warn: list checkpoints for run %s: %v", runID, err)
		return
	}
	for _, info := range infos {
		rec := store.CheckpointIndexRecord{
			RunID:         info.RunID,
			CheckpointID:  info.ID,
			TaskName:      info.TaskName,
			TaskType:      info.TaskType,
			StepName:      info.StepName,
			HistoryLength: info.HistoryLength,
			SavedAt:       info.SavedAt,
		}
		if err := p.store.UpsertCheckpointIndex(ctx, rec); err != nil {
			p.logger.Printf("warn: index checkpoint %s for run %s: %v", info.ID, runID, err)
		}
	}
}

func (p *Processor) indexHistory(runID string, result *task.Result, status string) {
	if p.history == nil {
		return
	}
	warns := result.Context.Warnings()
	texts := make([]string, 0, len(warns))
	for _, w := range warns {
		texts = append(texts, w.Text)
	}
	entries := []history.Entry{{
		ID:       runID,
		Kind:     history.KindRun,
		RunID:    runID,
		TaskName: result.Context.TaskName(),
		Mode:     result.Mode,
		Status:   status,
		Message:  strings.Join(result.Summary.Errors, "; "),
		Warnings: texts,
		At:       time.Now().UTC(),
	}}
	for i, rec := range result.Context.History() {
		entries = append(entries, history.Entry{
			ID:       fmt.Sprintf("%s/%d", runID, i),
			Kind:     history.KindStep,
			RunID:    runID,
			TaskName: result.Context.TaskName(),
			Mode:     result.Mode,
			Step:     rec.StepName,
			Status:   string(rec.Status),
			Message:  rec.Message,
			At:       rec.FinishedAt,
		})
	}
	if err := p.history.Add(entries...); err != nil {
		p.logger.Printf("warn: index history for run %s: %v", runID, err)
	}
}

func (p *Processor) publishCompleted(ctx context.Context, done streams.RunCompleted) {
	if p.publisher == nil {
		return
	}
	if _, err := p.publisher.PublishRunCompleted(ctx, p.resultStream, done); err != nil {
		p.logger.Printf("warn: publish run.completed for %s: %v", done.RunID, err)
	}
}
