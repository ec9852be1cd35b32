package main

import (
	"context"
	"fmt"

	storagewh "github.com/assetra/automation/dispatcher/storage"
	storagewhdiskv "github.com/assetra/automation/dispatcher/storage/diskv"
	storagewhinmem "github.com/assetra/automation/dispatcher/storage/inmem"
	storagewhpgsql "github.com/assetra/automation/dispatcher/storage/pgsql"
	storageeng "github.com/assetra/automation/engine/storage"
	storageengdiskv "github.com/assetra/automation/engine/storage/diskv"
	storageenginmem "github.com/assetra/automation/engine/storage/inmem"
	storageengmysql "github.com/assetra/automation/engine/storage/mysql"

	_ "github.com/go-sql-driver/mysql"
)

type storageConfig struct {
	engine  storageeng.AllStorage
	webhook storagewh.AllStorage
}

// parseStorage configures the engine and webhook storage backends.
// An empty webhook backend name shares the engine backend's kind and DSN,
// except that the mysql engine backend pairs with inmem webhook storage.
func parseStorage(ctx context.Context, name, dsn, whName, whDSN string, applySchema bool) (*storageConfig, error) {
	cfg := new(storageConfig)
	switch name {
	case "inmem":
		cfg.engine = storageenginmem.New()
	case "file", "diskv":
		if dsn == "" {
			dsn = "db"
		}
		cfg.engine = storageengdiskv.New(dsn)
	case "mysql":
		eng, err := storageengmysql.New(storageengmysql.WithDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("creating mysql engine storage: %w", err)
		}
		cfg.engine = eng
	default:
		return nil, fmt.Errorf("unknown storage: %s", name)
	}

	if whName == "" {
		whName = name
		if whName == "mysql" {
			whName = "inmem"
		}
		if whDSN == "" {
			whDSN = dsn
		}
	}
	switch whName {
	case "inmem":
		cfg.webhook = storagewhinmem.New()
	case "file", "diskv":
		if whDSN == "" {
			whDSN = "db"
		}
		cfg.webhook = storagewhdiskv.New(whDSN)
	case "pgsql", "postgres":
		wh, err := storagewhpgsql.New(ctx, storagewhpgsql.WithDSN(whDSN))
		if err != nil {
			return nil, fmt.Errorf("creating pgsql webhook storage: %w", err)
		}
		if applySchema {
			if err = wh.ApplySchema(ctx); err != nil {
				return nil, fmt.Errorf("applying pgsql webhook schema: %w", err)
			}
		}
		cfg.webhook = wh
	default:
		return nil, fmt.Errorf("unknown webhook storage: %s", whName)
	}
	return cfg, nil
}
