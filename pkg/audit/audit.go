// Package audit records order lifecycle events. Events are handed to a
// protoactor actor that writes them to a Sink one at a time, so request
// handlers never wait on the audit store.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/example/campuseats/pkg/models"
	"github.com/example/campuseats/pkg/repository"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

const (
	ActionOrderPlaced     = "order_placed"
	ActionDuplicateOrder  = "order_placement_deduplicated"
	ActionStatusChanged   = "order_status_changed"
	ActionMessageSent     = "order_message_sent"
	ActionCancelledViewed = "cancelled_orders_viewed"

	serviceName  = "order-engine"
	writeTimeout = 5 * time.Second
)

// Event is one audit entry.
type Event struct {
	Action  string
	OrderID string
	ActorID string
	From    models.OrderStatus
	To      models.OrderStatus
	Data    map[string]interface{}
	At      time.Time
}

func (e *Event) log() *repository.AuditLog {
	l := &repository.AuditLog{
		Service:    serviceName,
		Action:     e.Action,
		EntityID:   e.OrderID,
		ActorID:    e.ActorID,
		FromStatus: string(e.From),
		ToStatus:   string(e.To),
		CreatedAt:  e.At,
	}
	if len(e.Data) > 0 {
		l.Data = bson.M(e.Data)
	}
	return l
}

// Sink persists audit logs. *repository.MongoRepository satisfies it.
type Sink interface {
	CreateAuditLog(ctx context.Context, log *repository.AuditLog) error
}

// Recorder is what the services depend on.
type Recorder interface {
	Record(e Event)
}

type discard struct{}

func (discard) Record(Event) {}

// Discard drops every event. Used when no audit store is configured.
var Discard Recorder = discard{}

type flushRequest struct{}
type flushed struct{}

type writerActor struct {
	sink   Sink
	logger *zap.Logger
}

func (a *writerActor) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *Event:
		wctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := a.sink.CreateAuditLog(wctx, msg.log())
		cancel()
		if err != nil {
			a.logger.Error("Failed to write audit log",
				zap.String("action", msg.Action),
				zap.String("order_id", msg.OrderID),
				zap.Error(err))
		}

	case *flushRequest:
		ctx.Respond(&flushed{})

	case *actor.Started:
		a.logger.Info("Audit writer started")

	case *actor.Stopped:
		a.logger.Info("Audit writer stopped")
	}
}

// ActorRecorder sends events to the audit writer actor.
type ActorRecorder struct {
	system *actor.ActorSystem
	pid    *actor.PID
	logger *zap.Logger
}

func NewActorRecorder(sink Sink, logger *zap.Logger) (*ActorRecorder, error) {
	system := actor.NewActorSystem()

	props := actor.PropsFromProducer(func() actor.Actor {
		return &writerActor{sink: sink, logger: logger.Named("audit-writer")}
	})
	pid, err := system.Root.SpawnNamed(props, "audit-writer")
	if err != nil {
		return nil, fmt.Errorf("failed to spawn audit writer: %w", err)
	}

	return &ActorRecorder{system: system, pid: pid, logger: logger}, nil
}

// Record enqueues e without waiting for it to be written.
func (r *ActorRecorder) Record(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	r.system.Root.Send(r.pid, &e)
}

// Flush blocks until every event recorded before the call has been handled.
func (r *ActorRecorder) Flush(timeout time.Duration) error {
	if _, err := r.system.Root.RequestFuture(r.pid, &flushRequest{}, timeout).Result(); err != nil {
		return fmt.Errorf("failed to flush audit writer: %w", err)
	}
	return nil
}

// Close drains the mailbox and stops the actor.
func (r *ActorRecorder) Close(timeout time.Duration) error {
	if err := r.Flush(timeout); err != nil {
		r.logger.Warn("Audit writer did not drain", zap.Error(err))
	}
	return r.system.Root.StopFuture(r.pid).Wait()
}
