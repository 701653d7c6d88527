package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mahaj/cipherline/pkg/config"
	"github.com/mahaj/cipherline/pkg/db"
	"github.com/mama165/sdk-go/logs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	replication := flag.Int("replication", 1, "replication factor for a newly created keyspace")
	drop := flag.Bool("drop", false, "drop every table before applying the schema")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logs.GetLoggerFromString(cfg.LogLevel)

	if *drop {
		session, err := db.NewSession(cfg.Scylla(), cfg.ScyllaKeyspace, log)
		if err != nil {
			return err
		}
		err = db.Drop(session, log)
		session.Close()
		if err != nil {
			return err
		}
	}
	return db.Migrate(cfg.Scylla(), cfg.ScyllaKeyspace, *replication, log)
}
