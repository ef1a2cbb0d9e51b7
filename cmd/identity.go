package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/ioustamora/datamesh/pkg/hooks"
	"github.com/ioustamora/datamesh/pkg/keystore"
)

// ErrPasswordRequired is returned when no password was supplied and stdin
// is not a terminal.
var ErrPasswordRequired = errors.New("a password is required; pass --password or run interactively")

func identityCommand(flagSources flagSourcesFn) *cli.Command {
	passwordFlags := []cli.Flag{
		&cli.StringFlag{
			Name:    "data-path",
			Usage:   "The absolute local path holding shards, keys and the name index",
			Sources: flagSources("node.data-path", "DATAMESH_DATA_PATH"),

			Required: true,
		},
		&cli.StringFlag{
			Name:    "password",
			Usage:   "The identity password; omit to be prompted",
			Sources: flagSources("identity.password", "DATAMESH_PASSWORD"),
		},
	}

	return &cli.Command{
		Name:  "identity",
		Usage: "manage identity keypairs",
		Commands: []*cli.Command{
			{
				Name:      "create",
				Usage:     "create a new identity",
				ArgsUsage: "<name>",
				Flags:     passwordFlags,
				Action: func(ctx context.Context, cmd *cli.Command) error {
					name := cmd.Args().First()
					if name == "" {
						return errors.New("an identity name is required")
					}

					password, err := resolvePassword(cmd)
					if err != nil {
						return err
					}

					ks, err := openKeystore(cmd)
					if err != nil {
						return err
					}

					id, err := ks.CreateIdentity(ctx, name, password)
					if err != nil {
						return err
					}
					defer id.Close()

					fmt.Fprintf(cmd.Writer, "identity %s created, public key %x\n", id.Name, id.Public)

					return nil
				},
			},
			{
				Name:      "delete",
				Usage:     "shred and remove an identity",
				ArgsUsage: "<name>",
				Flags:     passwordFlags[:1],
				Action: func(ctx context.Context, cmd *cli.Command) error {
					name := cmd.Args().First()
					if name == "" {
						return errors.New("an identity name is required")
					}

					ks, err := openKeystore(cmd)
					if err != nil {
						return err
					}

					if err := ks.DeleteIdentity(ctx, name); err != nil {
						return err
					}

					fmt.Fprintf(cmd.Writer, "identity %s deleted\n", name)

					return nil
				},
			},
		},
	}
}

func openKeystore(cmd *cli.Command) (*keystore.Store, error) {
	return keystore.New(cmd.String("data-path")+"/keys", hooks.Default())
}

func resolvePassword(cmd *cli.Command) (string, error) {
	if password := cmd.String("password"); password != "" {
		return password, nil
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", ErrPasswordRequired
	}

	fmt.Fprint(cmd.Writer, "password: ")

	b, err := term.ReadPassword(int(os.Stdin.Fd()))

	fmt.Fprintln(cmd.Writer)

	if err != nil {
		return "", fmt.Errorf("error reading the password: %w", err)
	}

	return string(b), nil
}
