package main

import (
	"fmt"
	"os"

	"github.com/porterolabs/portero/internal/config"
	"github.com/porterolabs/portero/internal/secrets"
	"github.com/porterolabs/portero/internal/store/file"
)

func cmdInit() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := file.Open(cfg.statePath())
	if err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	_ = st.Close()
	fmt.Printf("State directory ready: %s\n", cfg.statePath())

	if err := config.WriteStarter(cfg.ConfigDir); err != nil {
		return err
	}
	fmt.Printf("Config documents ready: %s\n", cfg.ConfigDir)

	if cfg.AgeKeyPath == "" {
		if _, err := secrets.EnsureKeyFile(cfg.autoKeyPath()); err != nil {
			return fmt.Errorf("create age key: %w", err)
		}
		fmt.Printf("Age key ready: %s\n", cfg.autoKeyPath())
	} else {
		fmt.Printf("Using configured age key: %s\n", cfg.AgeKeyPath)
	}

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s/backends.yaml and policies.yaml\n", cfg.ConfigDir)
	fmt.Println("  2. Export PORTERO_AUTH_TOKEN and, for approvals, PORTERO_TELEGRAM_TOKEN")
	fmt.Println("  3. Run: portero serve")
	return nil
}
