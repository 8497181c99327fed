package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/uwb.locator/internal/uwb/multilat"
	"github.com/banshee-data/uwb.locator/internal/uwb/pipeline"
	"github.com/banshee-data/uwb.locator/internal/uwb/ranging"
)

var (
	_ pipeline.SampleSink   = (*DB)(nil)
	_ pipeline.EstimateSink = (*DB)(nil)
)

// RecordSamples stores a batch of raw samples in one transaction.
func (db *DB) RecordSamples(ctx context.Context, samples []ranging.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO samples (anchor_id, distance_cm, seq, channel, received_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, s := range samples {
		if _, err := stmt.ExecContext(ctx, int64(s.Anchor), s.Distance, int64(s.Seq), s.Channel, s.Time.UnixNano()); err != nil {
			return fmt.Errorf("insert sample %d: %w", s.Seq, err)
		}
	}
	return tx.Commit()
}

// Samples returns up to limit samples for anchor, newest first.
func (db *DB) Samples(ctx context.Context, anchor ranging.AnchorID, limit int) ([]ranging.Sample, error) {
	rows, err := db.QueryContext(ctx, `SELECT anchor_id, distance_cm, seq, channel, received_at
		FROM samples WHERE anchor_id = ? ORDER BY received_at DESC, sample_id DESC LIMIT ?`, int64(anchor), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ranging.Sample
	for rows.Next() {
		var (
			id, seq, nanos int64
			s              ranging.Sample
		)
		if err := rows.Scan(&id, &s.Distance, &seq, &s.Channel, &nanos); err != nil {
			return nil, err
		}
		s.Anchor = ranging.AnchorID(id)
		s.Seq = uint64(seq)
		s.Time = time.Unix(0, nanos)
		out = append(out, s)
	}
	return out, rows.Err()
}

// PublishFix stores one position fix.
func (db *DB) PublishFix(ctx context.Context, f pipeline.Fix) error {
	anchors, err := json.Marshal(f.Anchors)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `INSERT INTO fixes (x, y, z, method, residual_cm, ill_conditioned, anchors_json, fixed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.Point.X, f.Point.Y, f.Point.Z, string(f.Method), f.Residual, f.IllConditioned, string(anchors), f.Time.UnixNano())
	return err
}

// RecentFixes returns up to limit fixes in chronological order.
func (db *DB) RecentFixes(ctx context.Context, limit int) ([]pipeline.Fix, error) {
	rows, err := db.QueryContext(ctx, `SELECT x, y, z, method, residual_cm, ill_conditioned, anchors_json, fixed_at
		FROM (SELECT * FROM fixes ORDER BY fixed_at DESC, fix_id DESC LIMIT ?) ORDER BY fixed_at, fix_id`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pipeline.Fix
	for rows.Next() {
		var (
			f       pipeline.Fix
			method  string
			anchors string
			nanos   int64
		)
		if err := rows.Scan(&f.Point.X, &f.Point.Y, &f.Point.Z, &method, &f.Residual, &f.IllConditioned, &anchors, &nanos); err != nil {
			return nil, err
		}
		f.Method = multilat.Method(method)
		f.Time = time.Unix(0, nanos)
		if err := json.Unmarshal([]byte(anchors), &f.Anchors); err != nil {
			return nil, fmt.Errorf("decode anchors of fix at %v: %w", f.Time, err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
