// Package delivery fans campaign content out to recipients.
//
// One invocation covers one or more timezone buckets of one campaign phase:
// it pages recipients per bucket, sends through the messenger gateway with
// rate limiting, isolates per-recipient failures, and reports the whole
// invocation's counts in a single relative progress update. Survey phases
// add recipient filtering (unanswered-only reminders) and the author-only
// result summary.
package delivery
