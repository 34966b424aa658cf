// Package database provides the gateway's local SQLite store.
//
// The gateway keeps very little state: the last accepted slave
// configuration document and a short history of reconfiguration attempts.
// Both survive restarts so the gateway can resume polling before the hub
// connection comes back.
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migrations:
//
// Files are named YYYYMMDD_HHMMSS_description.up.sql with an optional
// matching .down.sql, and are read from MigrationsFS. The migrations
// package at the repository root embeds them and sets MigrationsFS in its
// init function, so importing it for side effects is enough.
package database
