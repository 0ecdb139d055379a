package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v3"
)

// settableKeys maps the CLI-facing key names to config file paths.
var settableKeys = map[string]string{
	"api-url":  "api.base_url",
	"jwks-ttl": "jwks.ttl_seconds",
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "inspect and edit the persistent configuration",
		Commands: []*cli.Command{
			{
				Name:      "get",
				Usage:     "print a config value (or all known keys when no key is given)",
				ArgsUsage: "[key]",
				Action:    configGetAction,
			},
			{
				Name:      "set",
				Usage:     "persist a config value",
				ArgsUsage: "<key> <value>",
				Action:    configSetAction,
			},
			{
				Name:      "unset",
				Usage:     "remove a config value, reverting to the default",
				ArgsUsage: "<key>",
				Action:    configUnsetAction,
			},
		},
	}
}

func configFilePath(cmd *cli.Command) (string, error) {
	if path := cmd.String("config"); path != "" {
		return path, nil
	}
	if path := defaultConfigPath(); path != "" {
		return path, nil
	}
	return "", errors.New("no config file location, pass --config")
}

func loadConfigFile(path string) (*koanf.Koanf, error) {
	k := koanf.New(".")
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}
	return k, nil
}

func writeConfigFile(path string, k *koanf.Koanf) error {
	data, err := k.Marshal(toml.Parser())
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.toml")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func lookupKey(name string) (string, error) {
	path, ok := settableKeys[name]
	if !ok {
		names := make([]string, 0, len(settableKeys))
		for key := range settableKeys {
			names = append(names, key)
		}
		sort.Strings(names)
		return "", fmt.Errorf("unknown key %q, known keys: %v", name, names)
	}
	return path, nil
}

func configGetAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := setup(cmd)
	if err != nil {
		return err
	}

	values := map[string]any{
		"api-url":  cfg.API.BaseURL,
		"jwks-ttl": cfg.JWKS.TTLSeconds,
	}

	if name := cmd.Args().First(); name != "" {
		if _, err := lookupKey(name); err != nil {
			return err
		}
		fmt.Println(values[name])
		return nil
	}

	names := make([]string, 0, len(values))
	for key := range values {
		names = append(names, key)
	}
	sort.Strings(names)
	for _, key := range names {
		fmt.Printf("%s = %v\n", key, values[key])
	}
	return nil
}

func configSetAction(ctx context.Context, cmd *cli.Command) error {
	name := cmd.Args().Get(0)
	raw := cmd.Args().Get(1)
	if name == "" || raw == "" {
		return errors.New("usage: crosswind config set <key> <value>")
	}

	path, err := lookupKey(name)
	if err != nil {
		return err
	}

	var value any = raw
	if name == "jwks-ttl" {
		seconds, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || seconds < 0 {
			return fmt.Errorf("jwks-ttl must be a non-negative number of seconds, got %q", raw)
		}
		value = seconds
	}

	filePath, err := configFilePath(cmd)
	if err != nil {
		return err
	}
	k, err := loadConfigFile(filePath)
	if err != nil {
		return err
	}
	if err := k.Set(path, value); err != nil {
		return err
	}
	if err := writeConfigFile(filePath, k); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Set %s in %s.\n", name, filePath)
	return nil
}

func configUnsetAction(ctx context.Context, cmd *cli.Command) error {
	name := cmd.Args().First()
	if name == "" {
		return errors.New("usage: crosswind config unset <key>")
	}

	path, err := lookupKey(name)
	if err != nil {
		return err
	}

	filePath, err := configFilePath(cmd)
	if err != nil {
		return err
	}
	k, err := loadConfigFile(filePath)
	if err != nil {
		return err
	}
	if !k.Exists(path) {
		fmt.Printf("%s is not set.\n", name)
		return nil
	}

	k.Delete(path)
	if err := writeConfigFile(filePath, k); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Unset %s in %s.\n", name, filePath)
	return nil
}
