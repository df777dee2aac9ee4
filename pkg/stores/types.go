package stores

import (
	"time"
)

// Config holds SQLite store configuration.
type Config struct {
	// Path is the database file path. ":memory:" is accepted for tests.
	Path string

	// MaxOpenConns caps the connection pool.
	MaxOpenConns int

	// MaxIdleConns caps idle connections.
	MaxIdleConns int

	// ConnMaxLifetime recycles connections after this duration.
	ConnMaxLifetime time.Duration
}

// withDefaults fills in pool defaults.
func (c Config) withDefaults() Config {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	return c
}
