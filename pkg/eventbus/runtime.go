package eventbus

import (
	"bytes"
	"context"
	"time"

	"github.com/chris-alexander-pop/go-eventbus/pkg/logger"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Runtime implements the shared publish/consume pipeline of §4.E. The Bus
// wraps each transport's BrokerOps in one Runtime, which delegates the
// broker-specific verbs to it; the pipeline itself never varies by broker.
type Runtime struct {
	ops    BrokerOps
	gate   *ReadinessGate
	host   HostInfo
	tracer trace.Tracer
}

// NewRuntime builds the shared pipeline around a concrete BrokerOps.
func NewRuntime(ops BrokerOps, gate *ReadinessGate, host HostInfo) *Runtime {
	return &Runtime{
		ops:    ops,
		gate:   gate,
		host:   host,
		tracer: otel.Tracer("pkg/eventbus"),
	}
}

// PublishEntry runs §4.E's numbered publish pipeline for a single context and
// returns the transport's scheduled marker.
func PublishEntry[T any](ctx context.Context, rt *Runtime, c *Context[T], reg *EventRegistration, scheduled *time.Time) (string, error) {
	stampContext(c)

	env, err := toEnvelope(c)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	contentType, err := reg.Serializer.Serialize(&buf, env, rt.host)
	if err != nil {
		return "", err
	}

	spanCtx, span := rt.tracer.Start(ctx, reg.EventName+" publish", trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", reg.TransportName),
			attribute.String("messaging.destination.name", reg.EventName),
			attribute.String("messaging.message.id", c.Id),
		))
	defer span.End()

	headers := cloneHeaders(env.Headers)
	headers[ReservedHeaderActivityId] = activityIDFromSpan(spanCtx)

	marker, err := rt.ops.SendOne(spanCtx, reg, OutboundMessage{
		Body:        buf.Bytes(),
		ContentType: contentType,
		Headers:     headers,
		Expires:     c.Expires,
	}, scheduled)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetStatus(codes.Ok, "")
	return marker, nil
}

// stampContext fills Id and Sent when unset, per §4.E steps 1-2.
func stampContext[T any](c *Context[T]) {
	if c.Id == "" {
		c.Id = uuid.NewString()
	}
	if c.Sent == nil {
		now := time.Now().UTC()
		c.Sent = &now
	}
	if c.Headers == nil {
		c.Headers = map[string]string{}
	}
}

func cloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h)+1)
	for k, v := range h {
		out[k] = v
	}
	return out
}

func activityIDFromSpan(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	carrier := propagation.MapCarrier{}
	propagation.TraceContext{}.Inject(ctx, carrier)
	return carrier.Get("traceparent")
}

// ConsumeEntry runs §4.E's numbered consume pipeline: it deserializes msg,
// invokes dispatch against the correct event type (captured at AddConsumer
// time, §9), and applies the consumer's UnhandledErrorBehavior on failure.
func (rt *Runtime) ConsumeEntry(ctx context.Context, msg InboundMessage, reg *EventRegistration, creg *EventConsumerRegistration, bus *Bus) error {
	<-rt.gate.Wait()

	parentCtx := ctx
	if traceparent := msg.Headers[ReservedHeaderActivityId]; traceparent != "" {
		carrier := propagation.MapCarrier{"traceparent": traceparent}
		parentCtx = propagation.TraceContext{}.Extract(ctx, carrier)
	}

	spanCtx, span := rt.tracer.Start(parentCtx, reg.EventName+" consume", trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", reg.TransportName),
			attribute.String("messaging.destination.name", reg.EventName),
			attribute.String("messaging.consumer", creg.ConsumerName),
		))
	defer span.End()

	env, err := reg.Serializer.Deserialize(bytes.NewReader(msg.Body), msg.ContentType)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.L().ErrorContext(spanCtx, "failed to deserialize message", "event", reg.EventName, "consumer", creg.ConsumerName, "error", err)
		return rt.applyFailure(spanCtx, msg, creg, err)
	}

	if err := creg.dispatch(spanCtx, env, bus); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.L().ErrorContext(spanCtx, "consumer failed", "event", reg.EventName, "consumer", creg.ConsumerName, "message_id", env.Id, "correlation_id", env.CorrelationId, "error", err)
		return rt.applyFailure(spanCtx, msg, creg, err)
	}

	span.SetStatus(codes.Ok, "")
	return msg.Ack(spanCtx)
}

// applyFailure dispatches a failed delivery per the consumer's
// UnhandledErrorBehavior (§4.E step 7, §7 "Consumer errors").
func (rt *Runtime) applyFailure(ctx context.Context, msg InboundMessage, creg *EventConsumerRegistration, cause error) error {
	switch creg.UnhandledErrorBehavior {
	case Discard:
		return msg.Discard(ctx)
	case Fail:
		if msg.Requeue != nil {
			if err := msg.Requeue(ctx); !IsNotSupported(err) {
				return err
			}
		}
		return cause
	default: // DeadLetter
		return msg.DeadLetter(ctx, cause.Error())
	}
}
