package storage

import (
	"errors"
	"strings"

	"rssbot/internal/transport"
	logx "rssbot/pkg/logx"
)

// Open initializes the configured store. It returns (nil, nil) if storage is
// disabled. ad is only used by the account_data driver.
func Open(cfg Config, ad transport.AccountData, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "account_data", "accountdata":
		if ad == nil {
			return nil, errors.New("account_data storage requires a chat transport")
		}
		return &accountDataStore{ad: ad, log: log}, nil
	case "none":
		return nil, nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
