// Package history keeps a SQLite journal of terminal event outcomes so
// operators can see which devices failed, timed out, or were dropped after
// the fact.
package history
