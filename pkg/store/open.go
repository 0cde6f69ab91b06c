package store

import (
	gate "github.com/xmrgate/xmrgate/pkg"
)

// Open creates the store backend named in config.
func Open(conf gate.StoreConfig) (gate.Store, error) {
	switch conf.Backend {
	case "sqlite", "":
		return NewSQLiteStore(conf.DSN)
	case "postgres":
		return NewPostgresStore(conf.DSN)
	case "bolt":
		return NewBoltStore(conf.DSN)
	case "memory":
		return NewMock(), nil
	}
	return nil, gate.NewErr(gate.BadRequest, "unknown store backend: %q", conf.Backend)
}
