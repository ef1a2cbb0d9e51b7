package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/ioustamora/datamesh/pkg/dht"
	"github.com/ioustamora/datamesh/pkg/helper"
	"github.com/ioustamora/datamesh/pkg/hooks"
	"github.com/ioustamora/datamesh/pkg/key"
	"github.com/ioustamora/datamesh/pkg/node"
	"github.com/ioustamora/datamesh/pkg/telemetry"
)

// ErrInvalidBootstrapEntry is returned for a malformed --bootstrap value.
var ErrInvalidBootstrapEntry = errors.New("invalid bootstrap entry, want <peer-id-hex>@<addr>[;<addr>...]")

func nodeFlags(flagSources flagSourcesFn) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "data-path",
			Usage:    "The absolute local path holding shards, keys and the name index",
			Sources:  flagSources("node.data-path", "DATAMESH_DATA_PATH"),
			Required: true,
		},
		&cli.StringFlag{
			Name:    "listen-addr",
			Usage:   "The TCP address the wire protocol listens on",
			Sources: flagSources("node.listen-addr", "DATAMESH_LISTEN_ADDR"),
			Value:   ":49222",
		},
		&cli.StringSliceFlag{
			Name:    "bootstrap",
			Usage:   "Bootstrap peers as <peer-id-hex>@<addr>[;<addr>...], in priority order",
			Sources: flagSources("node.bootstrap", "DATAMESH_BOOTSTRAP"),
		},
		&cli.StringFlag{
			Name:    "store-high-water",
			Usage:   "Disk utilization that triggers the cold shard sweep (e.g. 100G)",
			Sources: flagSources("node.store.high-water", "DATAMESH_STORE_HIGH_WATER"),
		},
		&cli.StringFlag{
			Name:    "store-low-water",
			Usage:   "Disk utilization the cold shard sweep stops at (e.g. 80G)",
			Sources: flagSources("node.store.low-water", "DATAMESH_STORE_LOW_WATER"),
		},
	}
}

func parseBootstrap(entries []string) ([]dht.BootstrapEntry, error) {
	out := make([]dht.BootstrapEntry, 0, len(entries))

	for i, entry := range entries {
		idPart, addrPart, ok := strings.Cut(entry, "@")
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidBootstrapEntry, entry)
		}

		id, err := key.FromHex(idPart)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrInvalidBootstrapEntry, entry, err)
		}

		addrs := strings.Split(addrPart, ";")
		if len(addrs) == 0 || addrs[0] == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidBootstrapEntry, entry)
		}

		out = append(out, dht.BootstrapEntry{
			Peer:     dht.PeerInfo{ID: id, Addrs: addrs},
			Priority: i,
		})
	}

	return out, nil
}

func buildNode(ctx context.Context, cmd *cli.Command, metrics *telemetry.Metrics) (*node.Node, error) {
	bootstrap, err := parseBootstrap(cmd.StringSlice("bootstrap"))
	if err != nil {
		return nil, err
	}

	cfg := node.Config{
		DataPath:   cmd.String("data-path"),
		ListenAddr: cmd.String("listen-addr"),
		Bootstrap:  bootstrap,
		Hooks:      hooks.Default(),
		Metrics:    metrics,
	}

	if hw := cmd.String("store-high-water"); hw != "" {
		if cfg.StoreHighWater, err = helper.ParseSize(hw); err != nil {
			return nil, fmt.Errorf("error parsing --store-high-water: %w", err)
		}
	}

	if lw := cmd.String("store-low-water"); lw != "" {
		if cfg.StoreLowWater, err = helper.ParseSize(lw); err != nil {
			return nil, fmt.Errorf("error parsing --store-low-water: %w", err)
		}
	}

	return node.New(ctx, cfg)
}

func serveCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "join the mesh and serve shards",
		Flags:   nodeFlags(flagSources),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := zerolog.Ctx(ctx)

			metrics := telemetry.New()

			n, err := buildNode(ctx, cmd, metrics)
			if err != nil {
				return err
			}
			defer n.Close()

			if len(cmd.StringSlice("bootstrap")) > 0 {
				if err := n.Bootstrap(ctx); err != nil {
					return fmt.Errorf("error joining the mesh: %w", err)
				}
			}

			jobs := n.StartJobs(ctx)
			defer jobs.Stop()

			log.Info().
				Str("peer_id", n.DHT().Self().ID.Hex()).
				Strs("addrs", n.DHT().Self().Addrs).
				Msg("node is serving")

			sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			<-sigCtx.Done()

			log.Info().Msg("shutting down")

			return nil
		},
	}
}
