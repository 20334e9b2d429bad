package storage

import (
	"context"
	"errors"
	"fmt"

	"rssbot/internal/relay"
	"rssbot/internal/transport"
	logx "rssbot/pkg/logx"
)

// accountDataStore keeps the known set in the bot account's account data,
// so it follows the account across hosts.
type accountDataStore struct {
	ad  transport.AccountData
	log logx.Logger
}

func (s *accountDataStore) Driver() string { return "account_data" }

func (s *accountDataStore) LoadKnown(ctx context.Context) ([]string, error) {
	var doc relay.KnownPayload
	err := s.ad.GetAccountData(ctx, AccountDataKey, &doc)
	if errors.Is(err, transport.ErrNotFound) {
		s.log.Info("no known identifiers stored yet")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read account data %s: %w", AccountDataKey, err)
	}
	return doc.KnownGUIDs, nil
}

func (s *accountDataStore) SaveKnown(ctx context.Context, ids []string) error {
	if ids == nil {
		ids = []string{}
	}
	if err := s.ad.SetAccountData(ctx, AccountDataKey, relay.KnownPayload{KnownGUIDs: ids}); err != nil {
		return fmt.Errorf("write account data %s: %w", AccountDataKey, err)
	}
	return nil
}

func (s *accountDataStore) Close() error { return nil }
