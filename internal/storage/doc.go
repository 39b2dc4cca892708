// Package storage persists tasks, their fired reminder phases, and user
// preferences.
//
// The SQLite and PostgreSQL backends share one SQL implementation; the
// at-most-once guarantee for reminders comes from the (task_id, phase)
// primary key on task_phases, written with INSERT ... ON CONFLICT DO NOTHING.
// An in-memory backend with the same semantics serves tests and throwaway
// runs.
package storage
