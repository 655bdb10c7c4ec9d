package snapshot

import (
	"fmt"

	"github.com/myogestic/myogestic/internal/config"
)

// Open connects the backend named in cfg.
func Open(cfg config.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "file", "":
		return NewFileStore(cfg.Dir)
	case "redis":
		return NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisTTL)
	case "postgres":
		return NewPostgresStore(cfg.PostgresConn)
	default:
		return nil, fmt.Errorf("unknown snapshot backend %q", cfg.Backend)
	}
}
