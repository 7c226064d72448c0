package main

import (
	"fmt"

	"github.com/porterolabs/portero/internal/secrets"
)

func cmdSecret(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: portero secret <put|get|list|delete> [args...]")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	enc, err := secretEncryptor(cfg)
	if err != nil {
		return fmt.Errorf("create encryptor: %w", err)
	}
	sm := secrets.NewManager(cfg.secretsPath(), enc)

	sub, rest := args[0], args[1:]
	switch sub {
	case "put":
		if len(rest) < 2 {
			return fmt.Errorf("usage: portero secret put <key> <value>")
		}
		if err := sm.Put(rest[0], rest[1]); err != nil {
			return fmt.Errorf("put secret: %w", err)
		}
		fmt.Printf("Secret %q set\n", rest[0])

	case "get":
		if len(rest) < 1 {
			return fmt.Errorf("usage: portero secret get <key>")
		}
		val, err := sm.Get(rest[0])
		if err != nil {
			return fmt.Errorf("get secret: %w", err)
		}
		fmt.Print(val)

	case "list":
		keys, err := sm.List()
		if err != nil {
			return fmt.Errorf("list secrets: %w", err)
		}
		for _, k := range keys {
			fmt.Println(k)
		}

	case "delete":
		if len(rest) < 1 {
			return fmt.Errorf("usage: portero secret delete <key>")
		}
		if err := sm.Delete(rest[0]); err != nil {
			return fmt.Errorf("delete secret: %w", err)
		}
		fmt.Printf("Secret %q deleted\n", rest[0])

	default:
		return fmt.Errorf("unknown secret command: %s", sub)
	}
	return nil
}

// secretEncryptor loads the configured or auto-generated key. It never
// falls back to an ephemeral identity: a secret written with one would be
// unreadable after exit.
func secretEncryptor(cfg *Config) (*secrets.AgeEncryptor, error) {
	if cfg.AgeKeyPath != "" {
		return secrets.NewAgeEncryptor(cfg.AgeKeyPath)
	}
	return secrets.EnsureKeyFile(cfg.autoKeyPath())
}
