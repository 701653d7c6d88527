package store

import (
	"fmt"
	"log/slog"

	"github.com/mahaj/cipherline/pkg/config"
	"github.com/mahaj/cipherline/pkg/db"
)

// Open connects the backend selected by STORE_KIND.
func Open(cfg config.Config, log *slog.Logger) (Store, error) {
	switch cfg.StoreKind {
	case "scylla":
		session, err := db.NewSession(cfg.Scylla(), cfg.ScyllaKeyspace, log)
		if err != nil {
			return nil, err
		}
		return NewScyllaStore(session), nil
	case "badger":
		return OpenBadger(cfg.BadgerPath, log)
	default:
		return nil, fmt.Errorf("unknown store kind %q", cfg.StoreKind)
	}
}
