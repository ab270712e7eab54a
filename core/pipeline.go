package core

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"soundsense/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Stage identifies where in the pipeline a sample is, or where it failed.
type Stage string

const (
	StageReceived  Stage = "received"
	StageValidated Stage = "validated"
	StagePersisted Stage = "persisted"
	StageAudited   Stage = "audited"
	StageBroadcast Stage = "broadcast"
	StageDone      Stage = "done"
)

// PipelineError wraps a failure with the stage that produced it.
type PipelineError struct {
	Stage Stage
	Err   error
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline failed at %s: %v", e.Stage, e.Err)
}

// Unwrap exposes the stage failure for errors.Is/As.
func (e *PipelineError) Unwrap() error { return e.Err }

// ObservationFilter narrows List queries. Zero values mean "no filter";
// Limit <= 0 falls back to the store's default.
type ObservationFilter struct {
	PatientID string
	Code      string
	Since     time.Time
	Limit     int
}

// AuditFilter narrows audit log queries.
type AuditFilter struct {
	PatientID string
	ActorID   string
	Limit     int
}

// ObservationStore is the persistence surface the pipeline depends on.
// Implementations must enforce id uniqueness and the Observation invariants
// at the storage layer as a second line of defense, and must serialize
// conflicting writes internally.
type ObservationStore interface {
	Insert(ctx context.Context, obs *Observation) error
	List(ctx context.Context, filter ObservationFilter) ([]Observation, error)
	Count(ctx context.Context) (int64, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status ObservationStatus) error
}

// AuditRecorder appends immutable audit entries. Record must be durable and
// keep per-actor/per-resource timestamp order; cross-actor ordering is not
// required.
type AuditRecorder interface {
	Record(ctx context.Context, entry *AuditEntry) error
}

// Broadcaster fans a newly accepted observation out to live subscribers.
// Publish must never block on or fail because of an individual subscriber.
type Broadcaster interface {
	Publish(obs Observation)
}

// Pipeline coordinates one RawSample through validate, persist, audit and
// broadcast. Invocations for distinct devices run concurrently; samples from
// the same device are processed to completion in arrival order.
type Pipeline struct {
	store       ObservationStore
	audit       AuditRecorder
	broadcaster Broadcaster
	logger      *zap.SugaredLogger

	mu      sync.Mutex
	sources map[string]*sync.Mutex
}

// NewPipeline creates a pipeline coordinator. broadcaster may be nil (e.g.
// during startup before the hub is wired); audit and store must not be.
func NewPipeline(store ObservationStore, audit AuditRecorder, broadcaster Broadcaster, logger *zap.SugaredLogger) *Pipeline {
	return &Pipeline{
		store:       store,
		audit:       audit,
		broadcaster: broadcaster,
		logger:      logger,
		sources:     make(map[string]*sync.Mutex),
	}
}

// SetBroadcaster wires the live-feed hub after construction. Not safe to call
// once Submit traffic has started.
func (p *Pipeline) SetBroadcaster(b Broadcaster) {
	p.broadcaster = b
}

// sourceLock returns the mutex serializing samples for one device.
func (p *Pipeline) sourceLock(deviceID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.sources[deviceID]
	if !ok {
		l = &sync.Mutex{}
		p.sources[deviceID] = l
	}
	return l
}

// Submit runs one sample through the full pipeline and returns the persisted
// observation. Every call, success or failure, produces exactly one CREATE
// audit entry whose status code reflects the outcome. Persistence always
// precedes broadcast so subscribers never see data that failed to commit.
func (p *Pipeline) Submit(ctx context.Context, actor Actor, reqCtx RequestContext, sample RawSample) (*Observation, error) {
	lock := p.sourceLock(strings.TrimSpace(sample.DeviceID))
	lock.Lock()
	defer lock.Unlock()

	entry := NewAuditEntry(ActionCreate, "Observation")
	entry.ActorID = actor.ID
	entry.ActorRole = actor.Role
	entry.PatientID = strings.TrimSpace(sample.PatientID)
	entry.RequestContext = reqCtx

	obs, err := Validate(sample)
	if err != nil {
		entry.StatusCode = http.StatusBadRequest
		entry.ErrorMessage = err.Error()
		if ve, ok := err.(*ValidationError); ok {
			// Stringified: NaN and Inf values have no JSON encoding, and the
			// rejection audit must never fail because of the rejected value.
			entry.Metadata = map[string]interface{}{
				"constraint": string(ve.Constraint),
				"field":      ve.Field,
				"value":      fmt.Sprintf("%v", ve.Value),
			}
			metrics.SamplesRejected.WithLabelValues(string(ve.Constraint)).Inc()
		}
		p.recordAudit(ctx, entry)
		return nil, &PipelineError{Stage: StageValidated, Err: err}
	}

	if err := p.store.Insert(ctx, obs); err != nil {
		entry.StatusCode = http.StatusServiceUnavailable
		kind := string(StoreUnavailable)
		if IsConstraint(err) {
			entry.StatusCode = http.StatusConflict
			kind = string(StoreConstraint)
		}
		entry.ResourceID = obs.ID.String()
		entry.ErrorMessage = err.Error()
		metrics.StoreFailures.WithLabelValues(kind).Inc()
		p.recordAudit(ctx, entry)
		return nil, &PipelineError{Stage: StagePersisted, Err: err}
	}
	metrics.ObservationsPersisted.Inc()

	entry.ResourceID = obs.ID.String()
	entry.StatusCode = http.StatusCreated
	p.recordAudit(ctx, entry)

	if p.broadcaster != nil {
		p.broadcaster.Publish(*obs)
	}

	return obs, nil
}

// RecordAccess writes an audit entry for a read-path access (query, audit log
// review). Like pipeline audit, a write failure degrades to an operational
// log line rather than failing the read.
func (p *Pipeline) RecordAccess(ctx context.Context, entry *AuditEntry) {
	p.recordAudit(ctx, entry)
}

// recordAudit attempts the audit write synchronously. A failed audit write
// does not fail the parent operation; the failure is surfaced to operators
// via log and metric instead.
func (p *Pipeline) recordAudit(ctx context.Context, entry *AuditEntry) {
	if p.audit == nil {
		return
	}
	if err := p.audit.Record(ctx, entry); err != nil {
		metrics.AuditWriteFailures.Inc()
		p.logger.Errorw("Audit write failed; operation proceeds unaudited",
			"action", entry.Action,
			"resource_type", entry.ResourceType,
			"resource_id", entry.ResourceID,
			"actor_id", entry.ActorID,
			"error", err,
		)
	}
}
