package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/crosswindhq/crosswind-cli/internal/app"
	"github.com/crosswindhq/crosswind-cli/internal/registry"
)

func relayCommand() *cli.Command {
	return &cli.Command{
		Name:  "relay",
		Usage: "manage the local relay registry",
		Commands: []*cli.Command{
			{
				Name:  "add",
				Usage: "register a relay instance",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "ip", Usage: "relay IP address", Required: true},
					&cli.UintFlag{Name: "port", Usage: "relay port", Required: true},
					&cli.StringFlag{Name: "label", Usage: "human-readable relay name", Required: true},
					&cli.StringFlag{Name: "path-prefix", Usage: "management endpoint path prefix"},
				},
				Action: relayAddAction,
			},
			{
				Name:   "list",
				Usage:  "list registered relays",
				Action: relayListAction,
			},
			{
				Name:  "remove",
				Usage: "remove a relay from the registry",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Usage: "relay ID"},
					&cli.StringFlag{Name: "label", Usage: "relay label"},
					&cli.StringFlag{Name: "ip", Usage: "relay IP address"},
					&cli.UintFlag{Name: "port", Usage: "relay port"},
				},
				Action: relayRemoveAction,
			},
		},
	}
}

func relayAddAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := setup(cmd)
	if err != nil {
		return err
	}

	port, err := validatePort(cmd.Uint("port"))
	if err != nil {
		return err
	}

	reg := registry.New(cfg.RegistryPath())
	relay, err := reg.Add(registry.Relay{
		IP:         cmd.String("ip"),
		Port:       port,
		Label:      cmd.String("label"),
		PathPrefix: cmd.String("path-prefix"),
	})
	if err != nil {
		return fmt.Errorf("failed to register relay: %w", err)
	}

	fmt.Printf("Registered relay %q with ID %s (%s).\n", relay.Label, relay.ID, relay.URL())
	return nil
}

func relayListAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := setup(cmd)
	if err != nil {
		return err
	}

	relays, err := registry.New(cfg.RegistryPath()).List()
	if err != nil {
		return fmt.Errorf("failed to read relay registry: %w", err)
	}
	if len(relays) == 0 {
		fmt.Println("No relays registered. Add one with 'crosswind relay add'.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLABEL\tADDRESS\tURL")
	for _, relay := range relays {
		fmt.Fprintf(w, "%s\t%s\t%s:%d\t%s\n", relay.ID, relay.Label, relay.IP, relay.Port, relay.URL())
	}
	return w.Flush()
}

func relayRemoveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := setup(cmd)
	if err != nil {
		return err
	}

	reg := registry.New(cfg.RegistryPath())

	var (
		removed bool
		err2    error
	)
	switch {
	case cmd.IsSet("id"):
		removed, err2 = reg.RemoveByID(cmd.String("id"))
	case cmd.IsSet("label"):
		removed, err2 = reg.RemoveByLabel(cmd.String("label"))
	case cmd.IsSet("ip") && cmd.IsSet("port"):
		port, portErr := validatePort(cmd.Uint("port"))
		if portErr != nil {
			return portErr
		}
		removed, err2 = reg.RemoveByAddr(cmd.String("ip"), port)
	default:
		return errors.New("specify --id, --label, or --ip with --port")
	}
	if err2 != nil {
		return fmt.Errorf("failed to update relay registry: %w", err2)
	}
	if !removed {
		fmt.Println("No matching relay found.")
		return nil
	}

	fmt.Println("Relay removed.")
	return nil
}

// validatePort rejects values outside the TCP port range before they are
// narrowed to uint16.
func validatePort(port uint) (uint16, error) {
	if port == 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port %d", port)
	}
	return uint16(port), nil
}

// resolveRelay looks a relay up by exactly one of ID or label.
func resolveRelay(cfg *app.Config, id, label string) (*registry.Relay, error) {
	if (id == "") == (label == "") {
		return nil, errors.New("specify exactly one of --id or --label")
	}

	reg := registry.New(cfg.RegistryPath())

	var (
		relay *registry.Relay
		err   error
	)
	if id != "" {
		relay, err = reg.FindByID(id)
	} else {
		relay, err = reg.FindByLabel(label)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read relay registry: %w", err)
	}
	if relay == nil {
		return nil, errors.New("relay not found, see 'crosswind relay list'")
	}
	return relay, nil
}
