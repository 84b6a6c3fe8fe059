package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/koirun/koi/internal/registry"
)

// RegistryCmd groups key/value registry subcommands.
type RegistryCmd struct {
	Get    RegistryGetCmd    `cmd:"" help:"Get a key's value."`
	Set    RegistrySetCmd    `cmd:"" help:"Set a key to a JSON value."`
	Delete RegistryDeleteCmd `cmd:"" help:"Delete a key."`
	Keys   RegistryKeysCmd   `cmd:"" help:"List keys under a prefix."`
	Search RegistrySearchCmd `cmd:"" help:"Search values by a JSON operator query."`
	Stats  RegistryStatsCmd  `cmd:"" help:"Show store occupancy."`
}

// registryFlags is embedded by every leaf subcommand so each carries its
// own --db flag (kong does not expose parent-node fields to child Run
// methods).
type registryFlags struct {
	DB string `help:"Registry backend path. A .db suffix selects SQLite; anything else selects the JSON file backend." default:".koi/registry.json"`
}

func openRegistry(path string) (registry.Store, error) {
	if strings.HasSuffix(path, ".db") {
		return registry.NewSQLiteBackend(path)
	}
	return registry.NewFileBackend(path)
}

// RegistryGetCmd prints a key's JSON value.
type RegistryGetCmd struct {
	registryFlags
	Key string `arg:"" help:"Key to look up."`
}

func (c *RegistryGetCmd) Run(cli *CLI) error {
	store, err := openRegistry(c.DB)
	if err != nil {
		return fmt.Errorf("registry get: %w", err)
	}
	defer store.Close()

	value, err := store.Get(c.Key)
	if err != nil {
		return fmt.Errorf("registry get: %w", err)
	}
	if value == nil {
		fmt.Println("null")
		return nil
	}
	out, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("registry get: encoding result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// RegistrySetCmd stores a key/value pair. Value is parsed as JSON, falling
// back to the raw string if it doesn't parse.
type RegistrySetCmd struct {
	registryFlags
	Key   string `arg:"" help:"Key to set."`
	Value string `arg:"" help:"Value, parsed as JSON (falls back to a plain string)."`
}

func (c *RegistrySetCmd) Run(cli *CLI) error {
	store, err := openRegistry(c.DB)
	if err != nil {
		return fmt.Errorf("registry set: %w", err)
	}
	defer store.Close()

	var value any
	if err := json.Unmarshal([]byte(c.Value), &value); err != nil {
		value = c.Value
	}
	if err := store.Set(c.Key, value); err != nil {
		return fmt.Errorf("registry set: %w", err)
	}
	fmt.Printf("set %q\n", c.Key)
	return nil
}

// RegistryDeleteCmd removes a key.
type RegistryDeleteCmd struct {
	registryFlags
	Key string `arg:"" help:"Key to delete."`
}

func (c *RegistryDeleteCmd) Run(cli *CLI) error {
	store, err := openRegistry(c.DB)
	if err != nil {
		return fmt.Errorf("registry delete: %w", err)
	}
	defer store.Close()

	if err := store.Delete(c.Key); err != nil {
		return fmt.Errorf("registry delete: %w", err)
	}
	fmt.Printf("deleted %q\n", c.Key)
	return nil
}

// RegistryKeysCmd lists keys under an optional prefix.
type RegistryKeysCmd struct {
	registryFlags
	Prefix string `arg:"" optional:"" help:"Key prefix filter."`
}

func (c *RegistryKeysCmd) Run(cli *CLI) error {
	store, err := openRegistry(c.DB)
	if err != nil {
		return fmt.Errorf("registry keys: %w", err)
	}
	defer store.Close()

	keys, err := store.Keys(c.Prefix)
	if err != nil {
		return fmt.Errorf("registry keys: %w", err)
	}
	for _, k := range keys {
		fmt.Println(k)
	}
	return nil
}

// RegistrySearchCmd runs a Mongo-style operator query over stored values.
type RegistrySearchCmd struct {
	registryFlags
	Query string `arg:"" help:"JSON object, e.g. {\"status\":{\"$eq\":\"open\"}}."`
}

func (c *RegistrySearchCmd) Run(cli *CLI) error {
	store, err := openRegistry(c.DB)
	if err != nil {
		return fmt.Errorf("registry search: %w", err)
	}
	defer store.Close()

	var query map[string]any
	if err := json.Unmarshal([]byte(c.Query), &query); err != nil {
		return fmt.Errorf("registry search: parsing query: %w", err)
	}

	entries, err := store.Search(query)
	if err != nil {
		return fmt.Errorf("registry search: %w", err)
	}
	for _, e := range entries {
		out, err := json.Marshal(e.Value)
		if err != nil {
			return fmt.Errorf("registry search: encoding %q: %w", e.Key, err)
		}
		fmt.Printf("%s\t%s\n", e.Key, out)
	}
	return nil
}

// RegistryStatsCmd prints store occupancy.
type RegistryStatsCmd struct {
	registryFlags
}

func (c *RegistryStatsCmd) Run(cli *CLI) error {
	store, err := openRegistry(c.DB)
	if err != nil {
		return fmt.Errorf("registry stats: %w", err)
	}
	defer store.Close()

	stats, err := store.Stats()
	if err != nil {
		return fmt.Errorf("registry stats: %w", err)
	}
	fmt.Printf("entries: %d\n", stats.Count)
	return nil
}
