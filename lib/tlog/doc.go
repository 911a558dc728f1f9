// Package tlog is the durable transaction log of unit state changes, kept in SQLite.
//
// Both sides of the protocol use it. The client journals what it believes about each
// unit (created, submitted, uncertain, confirmed) so an operator can tell which units
// need a resend or a confirm after a crash. The endpoint records every server side
// transition and answers history requests from it.
//
// The database runs in WAL mode with a single connection, the schema is embedded and
// migrated through PRAGMA user_version.
package tlog
