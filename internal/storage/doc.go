// Package storage is the SQLite persistence layer for the campaign engine.
//
// It holds:
//   - campaign and survey state (content, schedule, delivery counters)
//   - survey choices and append-only answer rows
//   - the recipient directory (chat id + UTC offset)
//   - durable scheduler job rows, so schedules survive restarts
//
// Counter mutations are relative UPDATEs at the SQL layer; callers never
// read-modify-write progress state.
package storage
