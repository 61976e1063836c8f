// Package scheduler runs durable one-shot jobs.
//
// Jobs are rows in the SQLite store keyed by a deterministic JobKey string;
// the service arms an in-process timer per row and re-arms everything from
// the store on Start, so schedules survive restarts. A periodic sweep picks
// up due rows whose timer was lost. A job executes at most once: workers
// claim the row (delete-and-own) before invoking its handler.
package scheduler
