package fanout

import (
	"log/slog"

	"github.com/google/uuid"
	"github.com/mahaj/cipherline/pkg/config"
	"github.com/redis/go-redis/v9"
)

// Open builds the bus selected by BUS_KIND. Every process publishing to
// a user's channels must use the same kind and topic.
func Open(cfg config.Config, rdb redis.UniversalClient, log *slog.Logger) Bus {
	switch cfg.BusKind {
	case "kafka":
		// Each instance needs its own consumer group to see every envelope.
		return NewKafkaBus(cfg.Brokers(), cfg.BusTopic, uuid.NewString(), log)
	case "local":
		return NewLocalBus(256)
	default:
		return NewRedisBus(rdb, cfg.BusTopic, log)
	}
}
