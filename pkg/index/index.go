// Package index maps human-chosen names to content-addressed manifests.
// The index is local-first: bindings are freely mutated by the owning node
// and are not authoritative across the network.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/ioustamora/datamesh/pkg/database"
	"github.com/ioustamora/datamesh/pkg/key"
	"github.com/ioustamora/datamesh/pkg/manifest"
)

// maxNameAttempts bounds the disambiguation-suffix search.
const maxNameAttempts = 1000

var (
	// ErrNotFound is returned if no binding or manifest matches.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyBound is returned if the manifest is already bound to a
	// name for this owner.
	ErrAlreadyBound = errors.New("manifest is already bound")

	// ErrTooManyCollisions is returned if no free disambiguated name was
	// found.
	ErrTooManyCollisions = errors.New("too many name collisions")
)

// Entry is one name binding.
type Entry struct {
	Name       string
	FileKey    key.Key
	Size       uint64
	UploadedAt time.Time
	Health     int
}

// Index provides the name-to-manifest mapping on top of the database.
type Index struct {
	db *database.DB
}

// New returns an index backed by db.
func New(db *database.DB) *Index {
	return &Index{db: db}
}

// Bind persists the manifest and binds it to the requested name, appending
// a `-N` suffix when the name is taken. It returns the name actually bound
// and the manifest's file key.
func (ix *Index) Bind(ctx context.Context, owner string, name string, m *manifest.Manifest) (string, key.Key, error) {
	encoded, err := m.Marshal()
	if err != nil {
		return "", key.Key{}, fmt.Errorf("error encoding the manifest: %w", err)
	}

	fk := key.Sum(encoded)

	var bound string

	err = ix.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := ix.db.GetFileRecordByKey(tx, fk.Hex()); err == nil {
			return fmt.Errorf("%w: %s", ErrAlreadyBound, fk)
		} else if !errors.Is(err, database.ErrNotFound) {
			return err
		}

		candidate := name

		for attempt := 1; attempt <= maxNameAttempts; attempt++ {
			_, err := ix.db.InsertFileRecord(tx, fk.Hex(), owner, candidate, m.FileSize, encoded)
			if err == nil {
				bound = candidate

				return nil
			}

			if !errors.Is(err, database.ErrAlreadyExists) {
				return err
			}

			candidate = name + "-" + strconv.Itoa(attempt)
		}

		return fmt.Errorf("%w: %s", ErrTooManyCollisions, name)
	})
	if err != nil {
		return "", key.Key{}, err
	}

	if bound != name {
		zerolog.Ctx(ctx).Debug().
			Str("requested", name).
			Str("bound", bound).
			Msg("name collision resolved with a suffix")
	}

	return bound, fk, nil
}

// Lookup returns the file key bound to (owner, name).
func (ix *Index) Lookup(ctx context.Context, owner, name string) (key.Key, error) {
	var fk key.Key

	err := ix.db.WithTx(ctx, func(tx *sql.Tx) error {
		fm, err := ix.db.GetFileRecordByName(tx, owner, name)
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}

		if err != nil {
			return err
		}

		fk, err = key.FromHex(fm.FileKey)

		return err
	})

	return fk, err
}

// Manifest loads and validates the manifest stored under a file key.
func (ix *Index) Manifest(ctx context.Context, fk key.Key) (*manifest.Manifest, error) {
	var encoded []byte

	err := ix.db.WithTx(ctx, func(tx *sql.Tx) error {
		fm, err := ix.db.GetFileRecordByKey(tx, fk.Hex())
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, fk)
		}

		if err != nil {
			return err
		}

		encoded = fm.Manifest

		return nil
	})
	if err != nil {
		return nil, err
	}

	m, err := manifest.Unmarshal(encoded)
	if err != nil {
		return nil, fmt.Errorf("error decoding the stored manifest: %w", err)
	}

	return m, nil
}

// Remove drops the binding for a file key. Removing an unknown key is not
// an error.
func (ix *Index) Remove(ctx context.Context, fk key.Key) error {
	return ix.db.WithTx(ctx, func(tx *sql.Tx) error {
		return ix.db.DeleteFileRecord(tx, fk.Hex())
	})
}

// Tag attaches tags to a bound manifest.
func (ix *Index) Tag(ctx context.Context, fk key.Key, tags ...string) error {
	return ix.db.WithTx(ctx, func(tx *sql.Tx) error {
		fm, err := ix.db.GetFileRecordByKey(tx, fk.Hex())
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, fk)
		}

		if err != nil {
			return err
		}

		for _, tag := range tags {
			if err := ix.db.AddTag(tx, fm.ID, tag); err != nil {
				return err
			}
		}

		return nil
	})
}

// List returns all bindings of one owner ordered by name.
func (ix *Index) List(ctx context.Context, owner string) ([]Entry, error) {
	return ix.selectEntries(ctx, func(tx *sql.Tx) ([]database.FileModel, error) {
		return ix.db.SelectFileRecords(tx, owner)
	})
}

// ByTag returns the bindings of one owner carrying a tag.
func (ix *Index) ByTag(ctx context.Context, owner, tag string) ([]Entry, error) {
	return ix.selectEntries(ctx, func(tx *sql.Tx) ([]database.FileModel, error) {
		return ix.db.SelectFileRecordsByTag(tx, owner, tag)
	})
}

// BySize returns the bindings of one owner within a size range.
func (ix *Index) BySize(ctx context.Context, owner string, minSize, maxSize uint64) ([]Entry, error) {
	return ix.selectEntries(ctx, func(tx *sql.Tx) ([]database.FileModel, error) {
		return ix.db.SelectFileRecordsBySize(tx, owner, minSize, maxSize)
	})
}

// ByTime returns the bindings of one owner uploaded within a time range.
func (ix *Index) ByTime(ctx context.Context, owner string, from, to time.Time) ([]Entry, error) {
	return ix.selectEntries(ctx, func(tx *sql.Tx) ([]database.FileModel, error) {
		return ix.db.SelectFileRecordsByTime(tx, owner, from, to)
	})
}

// SetHealth records the last known health score for a file key.
func (ix *Index) SetHealth(ctx context.Context, fk key.Key, score int) error {
	return ix.db.WithTx(ctx, func(tx *sql.Tx) error {
		fm, err := ix.db.GetFileRecordByKey(tx, fk.Hex())
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, fk)
		}

		if err != nil {
			return err
		}

		return ix.db.UpsertHealth(tx, fm.ID, score)
	})
}

func (ix *Index) selectEntries(ctx context.Context, sel func(*sql.Tx) ([]database.FileModel, error)) ([]Entry, error) {
	var entries []Entry

	err := ix.db.WithTx(ctx, func(tx *sql.Tx) error {
		fms, err := sel(tx)
		if err != nil {
			return err
		}

		entries = make([]Entry, 0, len(fms))

		for _, fm := range fms {
			fk, err := key.FromHex(fm.FileKey)
			if err != nil {
				return fmt.Errorf("error decoding the stored file key: %w", err)
			}

			entry := Entry{
				Name:       fm.Name,
				FileKey:    fk,
				Size:       fm.Size,
				UploadedAt: fm.CreatedAt,
				Health:     -1,
			}

			if hm, err := ix.db.GetHealth(tx, fm.ID); err == nil {
				entry.Health = hm.Score
			} else if !errors.Is(err, database.ErrNotFound) {
				return err
			}

			entries = append(entries, entry)
		}

		return nil
	})

	return entries, err
}
