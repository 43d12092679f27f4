// Package flowbus consumes typed messages from queues and publishes them to
// queues and topics. It reads the consumption transport (AWS SQS/SNS, the
// in-memory transport, SQLite or PostgreSQL queues) from Config, optionally
// connects publish-only bridges (Kafka, RabbitMQ, NATS, HTTP) and runs every
// queue through a subscription group: receive sources long-poll their queues
// into one bounded buffer and a fixed pool of workers dispatches from it.
//
// Bus hosts the groups and exposes typed helpers: RegisterHandler binds a
// handler to a queue and the subject of its message type, RegisterPublisher
// routes a message type to a destination and Bus.Publish sends it. A minimal
// setup therefore involves filling Config, creating a Bus, registering
// handlers and publishers, and calling Run.
//
// # Delivery
//
// A handler returning true marks its message handled and it is deleted.
// Returning false, failing or panicking leaves the message for redelivery
// once its visibility timeout expires. Messages without a matching handler
// are acknowledged or left according to Config.UnroutablePolicy.
//
// # Middleware
//
// The default chain traces each message as a consumer span linked to the
// publisher, logs dispatch outcomes and, when metrics are enabled, records
// handler durations. Timeout, Backoff, VisibilityExtension, PauseOnError and
// JobHooks middlewares can be added via BusDependencies.Middlewares.
//
// # Job Hooks
//
// JobHooksMiddleware provides OnJobStart, OnJobDone, and OnJobError callbacks for
// custom logging, metrics collection, and alerting around handler execution.
//
// When you need more control, BusDependencies exposes well-scoped hooks:
// bring your own serializers, compressors, tracer provider, publish error
// handler, or even an entire TransportFactory to plug in custom queues.
package flowbus
