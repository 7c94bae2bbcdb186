// Package database provides connection pool management for the recorder's
// TimescaleDB (or plain PostgreSQL) target.
//
// The database is optional: streaming runs without one, and the recorder
// and its health check are only wired when a host is configured.
package database
