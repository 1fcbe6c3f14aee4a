// Package storage is the SQLite persistence layer.
//
// It holds:
//   - the Delivery Ledger (delivery_jobs + delivery_recipients), whose rows only
//     move pending -> sent|failed through conditional per-row updates
//   - notifications and their status transitions
//   - collaborator records (events, registrants, custom field answers,
//     referral and invite links, polls)
//   - single-flight leases and the audit log
package storage
