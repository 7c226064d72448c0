package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/porterolabs/portero/internal/config"
	"github.com/porterolabs/portero/internal/secrets"
	"github.com/porterolabs/portero/internal/store"
	"github.com/porterolabs/portero/internal/store/file"
)

func cmdStatus() error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := file.Open(cfg.statePath())
	if err != nil {
		return fmt.Errorf("open state dir: %w", err)
	}
	defer func() { _ = st.Close() }()

	docs, err := config.Load(cfg.ConfigDir, statusLookup(cfg))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tasks, err := st.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	pending := 0
	for _, t := range tasks {
		if t.Status == store.TaskPendingApproval {
			pending++
		}
	}

	grants, err := st.ListGrants(ctx)
	if err != nil {
		return fmt.Errorf("list grants: %w", err)
	}
	active := 0
	now := time.Now()
	for i := range grants {
		if grants[i].Active(now) {
			active++
		}
	}

	rules, err := st.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}

	admin, err := st.GetAdmin(ctx)
	if err != nil {
		return fmt.Errorf("get admin pairing: %w", err)
	}
	pairing := "unpaired"
	if admin.ChatID != nil {
		pairing = fmt.Sprintf("paired (chat %d)", *admin.ChatID)
	}

	recent, err := st.RecentAudit(ctx, 10)
	if err != nil {
		return fmt.Errorf("read audit stream: %w", err)
	}

	fmt.Printf("Portero Status (data: %s)\n", cfg.DataDir)
	fmt.Printf("  Backends configured: %d\n", len(docs.Backends))
	fmt.Printf("  Replacement rules:   %d\n", len(docs.Replacements))
	fmt.Printf("  Static policies:     %d (default %s)\n", len(docs.Policy.Entries), docs.Policy.Default)
	fmt.Printf("  Dynamic rules:       %d\n", len(rules))
	fmt.Printf("  Tasks:               %d (%d pending approval)\n", len(tasks), pending)
	fmt.Printf("  Grants:              %d (%d active)\n", len(grants), active)
	fmt.Printf("  Admin channel:       %s\n", pairing)
	if len(recent) > 0 {
		fmt.Printf("  Last audit event:    %s %s (%s)\n",
			recent[0].Time.Format(time.RFC3339), recent[0].ToolName, recent[0].Status)
	}
	return nil
}

// statusLookup resolves placeholders from the environment plus the secrets
// file when a key already exists. It never creates key material: status is
// read-only.
func statusLookup(cfg *Config) config.Lookup {
	keyPath := cfg.AgeKeyPath
	if keyPath == "" {
		keyPath = cfg.autoKeyPath()
	}
	if _, err := os.Stat(keyPath); err != nil {
		return config.EnvLookup
	}
	enc, err := secrets.NewAgeEncryptor(keyPath)
	if err != nil {
		return config.EnvLookup
	}
	sm := secrets.NewManager(cfg.secretsPath(), enc)
	return config.ChainLookup(config.EnvLookup, sm.Lookup)
}
