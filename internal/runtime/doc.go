/*
Package runtime provides the message bus behind flowbus.

# Architecture Overview

A Bus owns one consumption transport, any number of publish-only bridges,
the subscription groups that consume from queues and the publishers that
route outgoing message types to queues or topics. Each subscription group
long-polls its queues into one bounded channel and dispatches from it with
a fixed pool of workers.

# Package Structure

## Bus (service.go)

The Bus struct wires together:
  - Transport set built by the transport factory
  - Subscription groups (see the group sub-package)
  - Handler map and message converter
  - Middleware chain
  - Pause signal shared by every receive source
  - HTTP servers for metrics and interrogation

## Handler Registration (registration.go)

RegisterHandler binds a typed handler to a queue and the subject of its
message type. RegisterProtoHandler does the same for protobuf types and
RegisterMessageHandler accepts an untyped handler. A queue without an
explicit group gets a group of its own.

## Middleware (middleware.go, hooks.go)

Registrations wrap the handlers of every group:
  - Tracer: consumer spans linked to the publisher's trace context
  - LogMessages: logs every dispatch outcome
  - Metrics: handler durations and the /metrics endpoint
  - Timeout, Backoff, VisibilityExtension, PauseOnError
  - JobHooks: callbacks around each invocation

Every chain runs inside exception containment, so a failing or panicking
handler never takes a worker down.

## Stats & Monitoring (models.go, resources.go, metrics.go)

  - Per handler latency percentiles, throughput, error categories and lag
  - Resource usage sampling
  - Prometheus counters for receive, dispatch and publish results

## Publishing (publisher.go)

Publish stamps the message, injects the trace context into its attributes,
compresses it above the configured threshold and sends it to the
destination registered for its type.

## Interrogation (webui.go)

Interrogate reports groups, handlers, publishers and counters, also served
as JSON on /api/interrogate and /api/handlers.

# Sub-packages

  - attributes/: typed message attributes
  - compression/: content-encoding compressors
  - config/: bus configuration with validation
  - convert/: wire envelope conversion
  - dispatch/: handler map and worker pool
  - errors/: sentinel errors and error types
  - group/: subscription group coordinator
  - ids/: ULID message ids
  - jsoncodec/: JSON marshaling utilities
  - logging/: logger interface and adapters
  - messages/: message types and serializers
  - middleware/: handler middleware
  - receive/: receive sources, pause signal and multiplexer
  - transport/: transport factory

# Usage Example

	bus, err := flowbus.NewBus(ctx, cfg, logger, flowbus.BusDependencies{})
	if err != nil {
		return err
	}

	err = flowbus.RegisterHandler(bus, "orders", func(ctx context.Context, msg *OrderPlaced, hc *flowbus.HandleContext) (bool, error) {
		return true, process(ctx, msg)
	})

	err = flowbus.RegisterPublisher[OrderShipped](bus, flowbus.Topic("order-events"))

	return bus.Run(ctx)
*/
package runtime
