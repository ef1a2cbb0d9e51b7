package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/ioustamora/datamesh/pkg/index"
	"github.com/ioustamora/datamesh/pkg/key"
	"github.com/ioustamora/datamesh/pkg/node"
	"github.com/ioustamora/datamesh/pkg/placement"
)

func filesCommand(flagSources flagSourcesFn) *cli.Command {
	// fileFlags returns a fresh slice per command; appending to a shared
	// one would alias the backing array between subcommands.
	fileFlags := func(extra ...cli.Flag) []cli.Flag {
		flags := nodeFlags(flagSources)

		flags = append(flags,
			&cli.StringFlag{
				Name:     "identity",
				Usage:    "The identity to operate as",
				Sources:  flagSources("identity.name", "DATAMESH_IDENTITY"),
				Required: true,
			},
			&cli.StringFlag{
				Name:    "password",
				Usage:   "The identity password; omit to be prompted",
				Sources: flagSources("identity.password", "DATAMESH_PASSWORD"),
			},
		)

		return append(flags, extra...)
	}

	return &cli.Command{
		Name:  "files",
		Usage: "store, fetch and list files",
		Commands: []*cli.Command{
			{
				Name:      "put",
				Usage:     "ingest a local file into the mesh",
				ArgsUsage: "<path> [name]",
				Flags: fileFlags(
					&cli.StringSliceFlag{
						Name:  "tag",
						Usage: "Tags to attach to the name binding",
					},
					&cli.BoolFlag{
						Name:  "shared",
						Usage: "Publish the manifest into the mesh under its file key",
					},
				),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					path := cmd.Args().First()
					if path == "" {
						return errors.New("a file path is required")
					}

					name := cmd.Args().Get(1)
					if name == "" {
						name = path
					}

					data, err := os.ReadFile(path)
					if err != nil {
						return fmt.Errorf("error reading %q: %w", path, err)
					}

					n, err := openNodeWithIdentity(ctx, cmd)
					if err != nil {
						return err
					}
					defer n.Close()

					bound, fk, err := n.Ingest(ctx, name, data, node.IngestOptions{
						Tags:     cmd.StringSlice("tag"),
						Shared:   cmd.Bool("shared"),
						Progress: printProgress(cmd),
					})
					if err != nil {
						return err
					}

					fmt.Fprintf(cmd.Writer, "stored %s (%s) as %s\n",
						bound, humanize.IBytes(uint64(len(data))), fk.Hex())

					return nil
				},
			},
			{
				Name:      "get",
				Usage:     "fetch a file from the mesh",
				ArgsUsage: "<name-or-file-key> <output-path>",
				Flags:     fileFlags(),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					target := cmd.Args().First()
					output := cmd.Args().Get(1)

					if target == "" || output == "" {
						return errors.New("a name (or file key) and an output path are required")
					}

					n, err := openNodeWithIdentity(ctx, cmd)
					if err != nil {
						return err
					}
					defer n.Close()

					var data []byte

					if fk, err := key.FromHex(target); err == nil {
						data, err = n.RetrieveByKey(ctx, fk, printProgress(cmd))
						if err != nil {
							return err
						}
					} else {
						data, err = n.Retrieve(ctx, target, printProgress(cmd))
						if err != nil {
							return err
						}
					}

					if err := os.WriteFile(output, data, 0o600); err != nil {
						return fmt.Errorf("error writing %q: %w", output, err)
					}

					fmt.Fprintf(cmd.Writer, "fetched %s (%s)\n", target, humanize.IBytes(uint64(len(data))))

					return nil
				},
			},
			{
				Name:  "ls",
				Usage: "list name bindings",
				Flags: fileFlags(
					&cli.StringFlag{
						Name:  "tag",
						Usage: "Only list files carrying this tag",
					},
				),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					n, err := openNodeWithIdentity(ctx, cmd)
					if err != nil {
						return err
					}
					defer n.Close()

					id, err := n.Identity()
					if err != nil {
						return err
					}

					owner := key.Sum(id.Public).Hex()

					var entries []index.Entry

					if tag := cmd.String("tag"); tag != "" {
						list, err := n.Index().ByTag(ctx, owner, tag)
						if err != nil {
							return err
						}

						entries = append(entries, list...)
					} else {
						list, err := n.Index().List(ctx, owner)
						if err != nil {
							return err
						}

						entries = append(entries, list...)
					}

					w := tabwriter.NewWriter(cmd.Writer, 0, 0, 2, ' ', 0)
					fmt.Fprintln(w, "NAME\tSIZE\tUPLOADED\tHEALTH\tFILE KEY")

					for _, e := range entries {
						health := "unknown"
						if e.Health >= 0 {
							health = fmt.Sprintf("%d%%", e.Health)
						}

						fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
							e.Name,
							humanize.IBytes(e.Size),
							humanize.Time(e.UploadedAt),
							health,
							e.FileKey.Hex())
					}

					return w.Flush()
				},
			},
		},
	}
}

func openNodeWithIdentity(ctx context.Context, cmd *cli.Command) (*node.Node, error) {
	n, err := buildNode(ctx, cmd, nil)
	if err != nil {
		return nil, err
	}

	if len(cmd.StringSlice("bootstrap")) > 0 {
		if err := n.Bootstrap(ctx); err != nil {
			n.Close()

			return nil, fmt.Errorf("error joining the mesh: %w", err)
		}
	}

	password, err := resolvePassword(cmd)
	if err != nil {
		n.Close()

		return nil, err
	}

	if err := n.OpenIdentity(ctx, cmd.String("identity"), password); err != nil {
		n.Close()

		return nil, err
	}

	return n, nil
}

func printProgress(cmd *cli.Command) placement.ProgressFunc {
	return func(p placement.Progress) {
		fmt.Fprintf(cmd.Writer, "\r%d/%d shards", p.DoneShards, p.TotalShards)

		if p.DoneShards == p.TotalShards {
			fmt.Fprintln(cmd.Writer)
		}
	}
}
