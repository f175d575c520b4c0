// Package database opens the PostgreSQL pool that stores binding history.
package database
