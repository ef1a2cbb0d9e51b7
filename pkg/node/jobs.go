package node

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/ioustamora/datamesh/pkg/key"
	"github.com/ioustamora/datamesh/pkg/manifest"
)

// Background job schedules: TTL reaping and cold sweeps, provider
// republish before half-life, orphan-shard collection, and health surveys.
const (
	sweepSchedule     = "@every 5m"
	republishSchedule = "@every 1m"
	orphanSchedule    = "@every 1h"
	healthSchedule    = "@every 30m"
)

// StartJobs registers and starts the background jobs. The returned cron is
// already running; stop it on shutdown.
func (n *Node) StartJobs(ctx context.Context) *cron.Cron {
	log := zerolog.Ctx(ctx)
	c := cron.New()

	mustAdd := func(schedule string, name string, fn func()) {
		if _, err := c.AddFunc(schedule, fn); err != nil {
			// The schedules are compile-time constants; a parse
			// failure is programmer error.
			panic(fmt.Sprintf("invalid cron schedule for %s: %v", name, err))
		}
	}

	mustAdd(sweepSchedule, "store sweep", func() {
		if err := n.store.Sweep(ctx, time.Now()); err != nil {
			log.Error().Err(err).Msg("store sweep failed")
		}
	})

	mustAdd(republishSchedule, "provider republish", func() {
		n.dht.Republish(ctx, time.Now())
	})

	mustAdd(orphanSchedule, "orphan sweep", func() {
		if err := n.OrphanSweep(ctx, time.Now()); err != nil {
			log.Error().Err(err).Msg("orphan sweep failed")
		}
	})

	mustAdd(healthSchedule, "health survey", func() {
		if err := n.HealthSurvey(ctx); err != nil {
			log.Error().Err(err).Msg("health survey failed")
		}
	})

	c.Start()

	return c
}

// OrphanSweep removes local shards that no local manifest references and
// that are older than the grace period. The grace period covers the crash
// window between shard upload and manifest persist: young orphans may
// still get their manifest.
func (n *Node) OrphanSweep(ctx context.Context, now time.Time) error {
	referenced, err := n.referencedShardKeys(ctx)
	if err != nil {
		return fmt.Errorf("error collecting referenced shard keys: %w", err)
	}

	log := zerolog.Ctx(ctx)
	removed := 0

	err = n.store.Walk(ctx, func(k key.Key) error {
		if referenced[k] {
			return nil
		}

		var createdAt time.Time

		err := n.db.WithTx(ctx, func(tx *sql.Tx) error {
			sm, err := n.db.GetShardRecord(tx, k.Hex())
			if err != nil {
				return err
			}

			if sm.Protected {
				// Protected but unreferenced: stale flag, leave it
				// for the next pass after the flag is corrected.
				createdAt = now

				return nil
			}

			createdAt = sm.CreatedAt

			return nil
		})
		if err != nil {
			// No metadata row: treat the file's presence alone as
			// young and give it a full grace period via skip.
			return nil //nolint:nilerr
		}

		if now.Sub(createdAt) < n.cfg.OrphanGracePeriod {
			return nil
		}

		if err := n.store.Delete(ctx, k); err != nil {
			log.Warn().Err(err).Str("shard_key", k.String()).Msg("error deleting an orphan shard")

			return nil
		}

		removed++

		return nil
	})
	if err != nil {
		return err
	}

	if removed > 0 {
		if n.metrics != nil {
			n.metrics.ShardsEvicted.Add(float64(removed))
		}

		log.Info().Int("removed", removed).Msg("orphan sweep finished")
	}

	return nil
}

// HealthSurvey refreshes the last-known-health score of every binding.
// The cheap proxy is provider-record presence per shard; a real fetch is
// attempted only when the proxy drops below the configured threshold.
func (n *Node) HealthSurvey(ctx context.Context) error {
	var fms []manifestRecord

	err := n.db.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := n.db.SelectAllFileRecords(tx)
		if err != nil {
			return err
		}

		for _, fm := range rows {
			m, err := manifest.Unmarshal(fm.Manifest)
			if err != nil {
				continue
			}

			fk, err := key.FromHex(fm.FileKey)
			if err != nil {
				continue
			}

			fms = append(fms, manifestRecord{fileKey: fk, manifest: m})
		}

		return nil
	})
	if err != nil {
		return err
	}

	log := zerolog.Ctx(ctx)

	for _, rec := range fms {
		score := n.surveyOne(ctx, rec)

		if err := n.index.SetHealth(ctx, rec.fileKey, score); err != nil {
			log.Warn().Err(err).Str("file_key", rec.fileKey.String()).Msg("error recording health")
		}
	}

	return nil
}

type manifestRecord struct {
	fileKey  key.Key
	manifest *manifest.Manifest
}

func (n *Node) surveyOne(ctx context.Context, rec manifestRecord) int {
	total := len(rec.manifest.ShardKeys)
	if total == 0 {
		return 0
	}

	covered := 0

	for _, sk := range rec.manifest.ShardKeys {
		providers, err := n.dht.FindProviders(ctx, sk)
		if err == nil && len(providers) > 0 {
			covered++
		}
	}

	score := covered * 100 / total
	if score >= n.cfg.HealthFetchThreshold {
		return score
	}

	// Proxy looks bad: confirm with an actual fetch before writing the
	// file off.
	need := int(rec.manifest.DataShards)

	if _, err := n.retriever.Fetch(ctx, rec.manifest.ShardKeys, need, nil); err != nil {
		zerolog.Ctx(ctx).Warn().
			Str("file_key", rec.fileKey.String()).
			Int("proxy_score", score).
			Msg("health escalation fetch failed")

		return score
	}

	// Retrievable despite thin provider coverage.
	minHealthy := need * 100 / total

	if score < minHealthy {
		return minHealthy
	}

	return score
}
