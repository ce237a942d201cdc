// Package outbox implements the transactional outbox pattern: messages
// are staged in the same transaction as the business state change that
// produced them, then drained to a broker by a background Processor.
//
// Delivery is at-least-once. A message is never marked PUBLISHED without
// a prior successful publish call, but a crash between publish and the
// state update can cause a duplicate publish. Consumers must be
// idempotent; the pipeline does not deduplicate.
//
// Store backends live in the pgx, sqlite and inmem subpackages.
package outbox
