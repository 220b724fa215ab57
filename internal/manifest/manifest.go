// Package manifest implements the read-mostly Manifest Store Client
// (spec.md §4: component 3). The distilled spec calls it a "document
// store" with three collections; the retrieval pack carries no document
// database driver, so it is built on pgx with jsonb/array columns and
// `ORDER BY random() LIMIT n` standing in for MongoDB's `$sample`
// aggregation stage (SPEC_FULL.md §3, grounded in
// `_examples/original_source/build_manifest.py`).
package manifest

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrEmpty is returned when a manifest query finds no candidate rows —
// the Go-native analogue of the source treating an empty collection as a
// service_unavailable condition (spec.md §7).
var ErrEmpty = errors.New("manifest: no candidates available")

// LabeledImage is one row of the pre-labelled image-grid collection
// (spec.md §3 ImageGridChallenge backing data).
type LabeledImage struct {
	Key          string
	URL          string
	Width        int
	Height       int
	TargetLabel  string
	CorrectCells []int
}

// Store is the Manifest Store Client.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore builds a Store backed by pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Classes returns every configured abstract/handwriting class name.
func (s *Store) Classes(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT class FROM manifest_classes ORDER BY class`)
	if err != nil {
		return nil, fmt.Errorf("manifest: classes: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("manifest: scan class: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Keywords returns the deduplicated, trimmed keyword pool configured for
// class (spec.md §4.5.1 step 1).
func (s *Store) Keywords(ctx context.Context, class string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT btrim(keyword) FROM manifest_classes WHERE class = $1 AND btrim(keyword) <> ''`, class)
	if err != nil {
		return nil, fmt.Errorf("manifest: keywords: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("manifest: scan keyword: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// ClassKeys returns every manifest key for class, shuffled server-side via
// ORDER BY random() so the caller never needs to re-shuffle (spec.md
// §4.5.1 step 2 "shuffle both").
func (s *Store) ClassKeys(ctx context.Context, class string) ([]string, error) {
	return s.queryKeys(ctx, `SELECT key FROM manifest_class_keys WHERE class = $1 ORDER BY random()`, class)
}

// OtherClassKeys returns every manifest key belonging to any class other
// than excludeClass, shuffled, for the abstract-challenge negative pool
// (spec.md §4.5.1 step 2).
func (s *Store) OtherClassKeys(ctx context.Context, excludeClass string) ([]string, error) {
	return s.queryKeys(ctx, `SELECT key FROM manifest_class_keys WHERE class <> $1 ORDER BY random()`, excludeClass)
}

func (s *Store) queryKeys(ctx context.Context, sql string, arg string) ([]string, error) {
	rows, err := s.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("manifest: keys: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("manifest: scan key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// SampleLabeledImage returns one uniformly-random row from the pre-labelled
// image-grid collection (spec.md §4.5.2 step 1, MongoDB's `$sample: {size:
// 1}` translated to `ORDER BY random() LIMIT 1`). Returns ErrEmpty if the
// collection has no rows with a non-empty correct_cells set.
func (s *Store) SampleLabeledImage(ctx context.Context) (LabeledImage, error) {
	var img LabeledImage
	err := s.pool.QueryRow(ctx, `
		SELECT key, url, width, height, target_label, correct_cells
		FROM manifest_labeled_images
		WHERE array_length(correct_cells, 1) > 0
		ORDER BY random()
		LIMIT 1`).Scan(&img.Key, &img.URL, &img.Width, &img.Height, &img.TargetLabel, &img.CorrectCells)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LabeledImage{}, ErrEmpty
		}
		return LabeledImage{}, fmt.Errorf("manifest: sample labeled image: %w", err)
	}
	return img, nil
}

// BasicKeys returns every key in the flat basic-manifest collection, used
// when a challenge family samples uniformly across all known objects
// rather than by class (spec.md §2 component 3, "flat keys list").
func (s *Store) BasicKeys(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key FROM manifest_basic_keys ORDER BY random()`)
	if err != nil {
		return nil, fmt.Errorf("manifest: basic keys: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("manifest: scan basic key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
