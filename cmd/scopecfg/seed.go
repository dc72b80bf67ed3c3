package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/scopecfg/scopecfg/pkg/config"
	"github.com/scopecfg/scopecfg/pkg/crypto"
	"github.com/scopecfg/scopecfg/pkg/log"
	"github.com/scopecfg/scopecfg/pkg/storage"
	"github.com/scopecfg/scopecfg/pkg/tokens"
	"github.com/scopecfg/scopecfg/pkg/tree"
	"github.com/scopecfg/scopecfg/pkg/types"
)

// seedManifest is the YAML shape consumed by `scopecfg seed`
type seedManifest struct {
	Orgs []struct {
		OrgID string `yaml:"org_id"`
		Nodes []struct {
			NodeID   string         `yaml:"node_id"`
			ParentID *string        `yaml:"parent_id"`
			NodeType string         `yaml:"node_type"`
			Name     string         `yaml:"name"`
			Config   map[string]any `yaml:"config"`
		} `yaml:"nodes"`
		Policy *struct {
			TokenExpiryDays           int                `yaml:"token_expiry_days"`
			TokenWarnBeforeDays       int                `yaml:"token_warn_before_days"`
			TokenRevokeInactiveDays   int                `yaml:"token_revoke_inactive_days"`
			LockedPaths               []string           `yaml:"locked_paths"`
			MaxValues                 map[string]float64 `yaml:"max_values"`
			RequireApprovalForPrompts bool               `yaml:"require_approval_for_prompts"`
			RequireApprovalForTools   bool               `yaml:"require_approval_for_tools"`
		} `yaml:"policy"`
		Tokens []struct {
			TeamNodeID string `yaml:"team_node_id"`
		} `yaml:"tokens"`
	} `yaml:"orgs"`
}

var seedFile string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Bootstrap orgs, trees, configs and tokens from a YAML manifest",
	Long: `Apply a declarative manifest against an empty or partially seeded
database. Existing entities are skipped, so the command is safe to
re-run. Issued token secrets are printed to stdout once.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := config.Load()
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(opts.LogLevel), JSONOutput: false})

		raw, err := os.ReadFile(seedFile)
		if err != nil {
			return fmt.Errorf("reading manifest: %w", err)
		}
		var manifest seedManifest
		if err := yaml.Unmarshal(raw, &manifest); err != nil {
			return fmt.Errorf("parsing manifest: %w", err)
		}

		store, err := storage.Open(opts.DatabaseURL, opts.PoolSize)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer store.Close()
		if err := store.Migrate(); err != nil {
			return err
		}

		keyring, err := crypto.NewKeyring(opts.EncryptionKey, opts.RetiredKeys...)
		if err != nil {
			return err
		}
		engine := tree.NewEngine(store, keyring, crypto.NewSensitiveSet(opts.SensitiveKeys), opts.MaxTreeDepth)
		tokenSvc := tokens.NewService(store, opts.TokenPepper, opts.LastUsedFlush)
		defer tokenSvc.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		return applySeed(ctx, engine, tokenSvc, store, &manifest)
	},
}

func init() {
	seedCmd.Flags().StringVarP(&seedFile, "file", "f", "seed.yaml", "manifest file to apply")
}

func applySeed(ctx context.Context, engine *tree.Engine, tokenSvc *tokens.Service, store storage.Store, manifest *seedManifest) error {
	const actor = "seed"
	for _, org := range manifest.Orgs {
		if _, err := engine.CreateOrg(ctx, org.OrgID, actor); err != nil {
			if !types.IsKind(err, types.KindConflict) {
				return fmt.Errorf("org %s: %w", org.OrgID, err)
			}
			zl1 := log.WithOrg(org.OrgID)
			zl1.Info().Msg("org exists, skipping")
		}

		for _, n := range org.Nodes {
			_, err := engine.CreateNode(ctx, org.OrgID, n.NodeID, n.ParentID, types.NodeType(n.NodeType), n.Name, actor)
			if err != nil {
				if !types.IsKind(err, types.KindConflict) {
					return fmt.Errorf("node %s/%s: %w", org.OrgID, n.NodeID, err)
				}
				zl2 := log.WithNode(org.OrgID, n.NodeID)
				zl2.Info().Msg("node exists, skipping")
			}
			if len(n.Config) > 0 {
				if _, _, err := engine.UpdateConfig(ctx, org.OrgID, n.NodeID, types.JSONMap(n.Config), actor); err != nil {
					return fmt.Errorf("config %s/%s: %w", org.OrgID, n.NodeID, err)
				}
			}
		}

		if org.Policy != nil {
			pol := &types.SecurityPolicy{
				OrgID:                     org.OrgID,
				TokenExpiryDays:           org.Policy.TokenExpiryDays,
				TokenWarnBeforeDays:       org.Policy.TokenWarnBeforeDays,
				TokenRevokeInactiveDays:   org.Policy.TokenRevokeInactiveDays,
				LockedPaths:               org.Policy.LockedPaths,
				MaxValues:                 org.Policy.MaxValues,
				RequireApprovalForPrompts: org.Policy.RequireApprovalForPrompts,
				RequireApprovalForTools:   org.Policy.RequireApprovalForTools,
				UpdatedAt:                 time.Now().UTC(),
			}
			if err := store.UpsertPolicy(ctx, pol); err != nil {
				return fmt.Errorf("policy %s: %w", org.OrgID, err)
			}
		}

		for _, tok := range org.Tokens {
			issued, secret, err := tokenSvc.Issue(ctx, org.OrgID, tok.TeamNodeID, nil, actor)
			if err != nil {
				return fmt.Errorf("token for %s/%s: %w", org.OrgID, tok.TeamNodeID, err)
			}
			// Printed once; scopecfg never stores or logs the secret.
			fmt.Printf("%s %s %s\n", issued.TokenID, tok.TeamNodeID, secret)
		}
	}
	return nil
}
