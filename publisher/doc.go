// Package publisher delivers resolution events to external systems.
//
// Each configured sink gets a Worker that subscribes to the notify.Hub,
// filters events by XID and resource globs, transforms them into the sink's
// wire format and publishes them with exponential backoff.
//
// Delivery is best-effort. A full subscription buffer drops events and an
// event that exhausts its retries is logged and skipped; neither ever
// blocks or fails a protocol step. The resource's prepared catalog remains
// the source of truth for in-doubt transactions.
//
// Topics are built as "{topic}.{outcome}", e.g. "tpc.resolutions.committed".
// The message key is the XID so all events of a transaction land on the
// same Kafka partition.
package publisher
