// Package storage is the job store: accounts, contents, schedules, their
// execution log and runtime settings, backed by SQLite (modernc) or
// PostgreSQL through sqlx.
//
// Every state change that must be exclusive (claim, cancel, completion) is a
// single conditional UPDATE whose affected-row count decides the outcome.
package storage
