package tree

import (
	"context"

	"github.com/scopecfg/scopecfg/pkg/audit"
	"github.com/scopecfg/scopecfg/pkg/crypto"
	"github.com/scopecfg/scopecfg/pkg/log"
	"github.com/scopecfg/scopecfg/pkg/storage"
	"github.com/scopecfg/scopecfg/pkg/types"
)

// RekeyNodeConfigs re-encrypts every stored config of an org that
// still carries envelopes sealed under a retired key. Returns the
// number of configs rewritten. Configs already on the active key are
// left untouched.
func (e *Engine) RekeyNodeConfigs(ctx context.Context, orgID, actor string) (int, error) {
	if _, err := e.store.GetOrg(ctx, orgID); err != nil {
		return 0, err
	}
	configs, err := e.store.ListNodeConfigs(ctx, orgID)
	if err != nil {
		return 0, err
	}

	activeID := e.keyring.ActiveKeyID()
	rekeyed := 0
	for _, cfg := range configs {
		if !hasStaleEnvelope(cfg.Config, activeID) {
			continue
		}
		plain, err := e.keyring.DecryptSubtree(cfg.Config)
		if err != nil {
			noteDecryptFailure(err)
			return rekeyed, types.Wrap(types.KindOf(err), "rekeying config of node "+cfg.NodeID, err)
		}
		sealed, err := e.keyring.EncryptSubtree(plain, e.sensitive)
		if err != nil {
			return rekeyed, err
		}
		cfg.Config = sealed

		err = e.store.WithinTx(ctx, func(tx storage.Store) error {
			if err := tx.UpsertNodeConfig(ctx, cfg); err != nil {
				return err
			}
			ev := audit.NewEvent(ctx, orgID, types.AuditSourceConfig, types.AuditConfigUpdated, actor,
				"config of node "+cfg.NodeID+" re-encrypted under the active key")
			ev.Details = types.JSONMap{"node_id": cfg.NodeID, "key_id": activeID, "rekey": true}
			return tx.InsertAuditEvent(ctx, ev)
		})
		if err != nil {
			return rekeyed, err
		}
		rekeyed++
		zl1 := log.WithNode(orgID, cfg.NodeID)
		zl1.Info().Str("key_id", activeID).Msg("config re-encrypted")
	}
	return rekeyed, nil
}

// hasStaleEnvelope walks a stored config looking for an envelope whose
// key id differs from the active one.
func hasStaleEnvelope(v any, activeID string) bool {
	switch t := v.(type) {
	case string:
		if !crypto.IsEnvelope(t) {
			return false
		}
		keyID, err := crypto.EnvelopeKeyID(t)
		return err != nil || keyID != activeID
	case map[string]any:
		for _, child := range t {
			if hasStaleEnvelope(child, activeID) {
				return true
			}
		}
	case types.JSONMap:
		return hasStaleEnvelope(map[string]any(t), activeID)
	case []any:
		for _, child := range t {
			if hasStaleEnvelope(child, activeID) {
				return true
			}
		}
	}
	return false
}
