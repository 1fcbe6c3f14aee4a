// Package dispatch drains the Delivery Ledger in paced, sequential batches.
//
// A run selects the oldest pending rows, sends each through the rate-limited
// sender using the job's flavor (copy, templated or poll), and settles every
// row with a single conditional update:
//
//	pending --ok--------------------------> sent
//	pending --permanent-------------------> failed
//	pending --transient, retry+1 < ceil---> pending (retry+1)
//	pending --transient, retry+1 >= ceil--> failed  (retry = ceil)
//
// Jobs left without pending rows are reported once, guarded by the ledger's
// reported_at stamp.
package dispatch
