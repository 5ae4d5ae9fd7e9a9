// Package types defines the core data types used throughout the telemetry pipeline.
//
// Key types:
//   - Event: A single captured runtime occurrence (immutable after ingest)
//   - CorrelatedEvent: An Event enriched with causal links and anomalies
//   - CorrelationLink: A directed causal edge between correlation ids
//   - Payload: The closed, explicit field set carried by each event kind
package types
