package store

import (
	"context"
	"fmt"
	"time"

	"github.com/netpulse/netpulse/internal/errors"
	"github.com/netpulse/netpulse/internal/model"
)

// =============================================================================
// Rollup
// =============================================================================

// RollupResult reports one rollup pass.
type RollupResult struct {
	MinuteRows        int64
	HourRows          int64
	MinuteWatermarkMs int64
	HourWatermarkMs   int64
}

// minuteRollupSQL folds raw samples into minute buckets. A sample belongs
// to the bucket containing its half-open interval, hence the end_ms - 1.
// Conflicting buckets are overwritten with the recomputed values, so
// re-running a window converges.
const minuteRollupSQL = `
	INSERT INTO rollup_minute (interface_id, bucket_ms, bytes_down, bytes_up, down_max_bps, up_max_bps, sample_count)
	SELECT
		interface_id,
		(end_ms - 1) - ((end_ms - 1) % 60000) AS bucket_ms,
		CAST(SUM(bytes_down) AS BIGINT),
		CAST(SUM(bytes_up) AS BIGINT),
		MAX(CASE WHEN end_ms > start_ms THEN bytes_down * 1000.0 / (end_ms - start_ms) ELSE 0 END),
		MAX(CASE WHEN end_ms > start_ms THEN bytes_up * 1000.0 / (end_ms - start_ms) ELSE 0 END),
		COUNT(*)
	FROM samples_raw
	WHERE end_ms > ? AND end_ms <= ?
	GROUP BY interface_id, bucket_ms
	ON CONFLICT (interface_id, bucket_ms) DO UPDATE SET
		bytes_down = excluded.bytes_down,
		bytes_up = excluded.bytes_up,
		down_max_bps = excluded.down_max_bps,
		up_max_bps = excluded.up_max_bps,
		sample_count = excluded.sample_count
`

// hourRollupSQL folds finalized minute buckets into hour buckets.
const hourRollupSQL = `
	INSERT INTO rollup_hour (interface_id, bucket_ms, bytes_down, bytes_up, down_max_bps, up_max_bps, sample_count)
	SELECT
		interface_id,
		bucket_ms - (bucket_ms % 3600000) AS hour_bucket_ms,
		CAST(SUM(bytes_down) AS BIGINT),
		CAST(SUM(bytes_up) AS BIGINT),
		MAX(down_max_bps),
		MAX(up_max_bps),
		CAST(SUM(sample_count) AS BIGINT)
	FROM rollup_minute
	WHERE bucket_ms >= ? AND bucket_ms < ?
	GROUP BY interface_id, hour_bucket_ms
	ON CONFLICT (interface_id, bucket_ms) DO UPDATE SET
		bytes_down = excluded.bytes_down,
		bytes_up = excluded.bytes_up,
		down_max_bps = excluded.down_max_bps,
		up_max_bps = excluded.up_max_bps,
		sample_count = excluded.sample_count
`

// Rollup folds raw samples into minute buckets and finalized minute
// buckets into hour buckets. Only buckets whose interval ended at least
// finalizeDelay before nowMs are folded; later samples for newer buckets
// are still arriving.
//
// The minute watermark is the end_ms bound up to which raw samples have
// been folded; the hour watermark is the minute bucket bound up to which
// minute buckets have been folded. A crash between the fold and the
// watermark advance re-runs the same window next pass; the overwriting
// upsert makes that convergent.
func (s *Store) Rollup(ctx context.Context, nowMs int64, finalizeDelay time.Duration) (RollupResult, error) {
	var res RollupResult

	safe := nowMs - finalizeDelay.Milliseconds()

	mwm, _, err := s.getMetaInt64(ctx, metaWatermarkMinute)
	if err != nil {
		return res, err
	}
	minuteUpTo := model.TierMinute.TruncateMs(safe)
	if minuteUpTo > mwm {
		result, err := s.db.ExecContext(ctx, minuteRollupSQL, mwm, minuteUpTo)
		if err != nil {
			return res, fmt.Errorf("minute rollup: %v: %w", err, errors.ErrStoreWrite)
		}
		res.MinuteRows, _ = result.RowsAffected()
		if err := s.setMetaInt64(ctx, metaWatermarkMinute, minuteUpTo); err != nil {
			return res, err
		}
		mwm = minuteUpTo
	}
	res.MinuteWatermarkMs = mwm

	hwm, _, err := s.getMetaInt64(ctx, metaWatermarkHour)
	if err != nil {
		return res, err
	}
	// An hour bucket is complete once every minute bucket it contains is
	// below the minute watermark.
	hourUpTo := model.TierHour.TruncateMs(mwm)
	if hourUpTo > hwm {
		result, err := s.db.ExecContext(ctx, hourRollupSQL, hwm, hourUpTo)
		if err != nil {
			return res, fmt.Errorf("hour rollup: %v: %w", err, errors.ErrStoreWrite)
		}
		res.HourRows, _ = result.RowsAffected()
		if err := s.setMetaInt64(ctx, metaWatermarkHour, hourUpTo); err != nil {
			return res, err
		}
		hwm = hourUpTo
	}
	res.HourWatermarkMs = hwm

	return res, nil
}

// RewindWatermarks moves the rollup watermarks back so that buckets
// containing toMs are folded again on the next pass. The writer calls
// this after recovering from degraded mode, when samples older than the
// watermarks were flushed late.
func (s *Store) RewindWatermarks(ctx context.Context, toMs int64) error {
	mwm, _, err := s.getMetaInt64(ctx, metaWatermarkMinute)
	if err != nil {
		return err
	}
	target := model.TierMinute.BucketForEnd(toMs)
	if target < mwm {
		if err := s.setMetaInt64(ctx, metaWatermarkMinute, target); err != nil {
			return err
		}
		log.Info("minute rollup watermark rewound", "from", mwm, "to", target)
	}

	hwm, _, err := s.getMetaInt64(ctx, metaWatermarkHour)
	if err != nil {
		return err
	}
	hourTarget := model.TierHour.BucketForEnd(toMs)
	if hourTarget < hwm {
		if err := s.setMetaInt64(ctx, metaWatermarkHour, hourTarget); err != nil {
			return err
		}
		log.Info("hour rollup watermark rewound", "from", hwm, "to", hourTarget)
	}
	return nil
}

// Watermarks returns the current rollup watermarks.
func (s *Store) Watermarks(ctx context.Context) (minuteMs, hourMs int64, err error) {
	minuteMs, _, err = s.getMetaInt64(ctx, metaWatermarkMinute)
	if err != nil {
		return 0, 0, err
	}
	hourMs, _, err = s.getMetaInt64(ctx, metaWatermarkHour)
	if err != nil {
		return 0, 0, err
	}
	return minuteMs, hourMs, nil
}

// =============================================================================
// Pruning
// =============================================================================

// PruneResult reports one prune pass.
type PruneResult struct {
	RawRows    int64
	MinuteRows int64
	HourRows   int64
	MarkerRows int64

	// PromotedPending is true when a graced retention change became
	// effective during this pass.
	PromotedPending bool
}

// Prune deletes rows past their tier's retention. Raw samples are only
// deleted once folded into minute buckets, and minute buckets only once
// folded into hour buckets, so shrinking a TTL never loses unrolled data.
func (s *Store) Prune(ctx context.Context, nowMs int64) (PruneResult, error) {
	var res PruneResult

	policy, promoted, err := s.effectiveRetention(ctx, nowMs)
	if err != nil {
		return res, err
	}
	res.PromotedPending = promoted

	mwm, hwm, err := s.Watermarks(ctx)
	if err != nil {
		return res, err
	}

	rawCut := nowMs - policy.RawTTL.Milliseconds()
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM samples_raw WHERE end_ms < ? AND end_ms <= ?`, rawCut, mwm)
	if err != nil {
		return res, fmt.Errorf("prune raw: %v: %w", err, errors.ErrStoreWrite)
	}
	res.RawRows, _ = result.RowsAffected()

	minuteCut := nowMs - policy.MinuteTTL.Milliseconds()
	result, err = s.db.ExecContext(ctx,
		`DELETE FROM rollup_minute WHERE bucket_ms < ? AND bucket_ms < ?`, minuteCut, hwm)
	if err != nil {
		return res, fmt.Errorf("prune minute: %v: %w", err, errors.ErrStoreWrite)
	}
	res.MinuteRows, _ = result.RowsAffected()

	hourCut := nowMs - policy.HourTTL.Milliseconds()
	result, err = s.db.ExecContext(ctx,
		`DELETE FROM rollup_hour WHERE bucket_ms < ?`, hourCut)
	if err != nil {
		return res, fmt.Errorf("prune hour: %v: %w", err, errors.ErrStoreWrite)
	}
	res.HourRows, _ = result.RowsAffected()

	// Markers annotate every tier, so they live as long as the longest.
	result, err = s.db.ExecContext(ctx,
		`DELETE FROM discontinuities WHERE at_ms < ?`, hourCut)
	if err != nil {
		return res, fmt.Errorf("prune markers: %v: %w", err, errors.ErrStoreWrite)
	}
	res.MarkerRows, _ = result.RowsAffected()

	return res, nil
}

// =============================================================================
// Retention
// =============================================================================

// SetRetention applies a retention policy. Growing a window takes effect
// immediately. Shrinking is deferred by the grace period: the policy is
// stored as pending and promoted by the first prune pass after the grace
// elapses, so a mistaken change can be reverted before data is deleted.
func (s *Store) SetRetention(ctx context.Context, policy model.RetentionPolicy, grace time.Duration, nowMs int64) (pending bool, effectiveAtMs int64, err error) {
	if verr := policy.Validate(); verr != nil {
		return false, 0, fmt.Errorf("%v: %w", verr, errors.ErrRetentionChange)
	}

	current, found, err := s.currentRetention(ctx)
	if err != nil {
		return false, 0, err
	}

	shrinks := found && (policy.RawTTL < current.RawTTL ||
		policy.MinuteTTL < current.MinuteTTL ||
		policy.HourTTL < current.HourTTL)

	if !shrinks {
		if err := s.writeRetention(ctx, policy); err != nil {
			return false, 0, err
		}
		if err := s.clearPendingRetention(ctx); err != nil {
			return false, 0, err
		}
		return false, 0, nil
	}

	effectiveAtMs = nowMs + grace.Milliseconds()
	if err := s.setMetaInt64(ctx, metaPendingRetentionRaw, policy.RawTTL.Milliseconds()); err != nil {
		return false, 0, err
	}
	if err := s.setMetaInt64(ctx, metaPendingRetentionMinute, policy.MinuteTTL.Milliseconds()); err != nil {
		return false, 0, err
	}
	if err := s.setMetaInt64(ctx, metaPendingRetentionHour, policy.HourTTL.Milliseconds()); err != nil {
		return false, 0, err
	}
	if err := s.setMetaInt64(ctx, metaPendingEffectiveAtMs, effectiveAtMs); err != nil {
		return false, 0, err
	}
	log.Info("retention shrink deferred",
		"raw", policy.RawTTL, "minute", policy.MinuteTTL, "hour", policy.HourTTL,
		"effective_at", time.UnixMilli(effectiveAtMs).Format(time.RFC3339))
	return true, effectiveAtMs, nil
}

// Retention returns the active policy plus any pending shrink.
func (s *Store) Retention(ctx context.Context) (current model.RetentionPolicy, pendingPolicy *model.RetentionPolicy, effectiveAtMs int64, err error) {
	current, found, err := s.currentRetention(ctx)
	if err != nil {
		return current, nil, 0, err
	}
	if !found {
		current = model.DefaultRetentionPolicy()
	}

	pend, effAt, pfound, err := s.pendingRetention(ctx)
	if err != nil {
		return current, nil, 0, err
	}
	if pfound {
		return current, &pend, effAt, nil
	}
	return current, nil, 0, nil
}

// effectiveRetention returns the policy to prune with, promoting a
// pending shrink whose grace has elapsed.
func (s *Store) effectiveRetention(ctx context.Context, nowMs int64) (model.RetentionPolicy, bool, error) {
	pend, effAt, found, err := s.pendingRetention(ctx)
	if err != nil {
		return model.RetentionPolicy{}, false, err
	}

	promoted := false
	if found && nowMs >= effAt {
		if err := s.writeRetention(ctx, pend); err != nil {
			return model.RetentionPolicy{}, false, err
		}
		if err := s.clearPendingRetention(ctx); err != nil {
			return model.RetentionPolicy{}, false, err
		}
		promoted = true
		log.Info("pending retention promoted",
			"raw", pend.RawTTL, "minute", pend.MinuteTTL, "hour", pend.HourTTL)
	}

	current, cfound, err := s.currentRetention(ctx)
	if err != nil {
		return model.RetentionPolicy{}, false, err
	}
	if !cfound {
		current = model.DefaultRetentionPolicy()
	}
	return current, promoted, nil
}

func (s *Store) currentRetention(ctx context.Context) (model.RetentionPolicy, bool, error) {
	var policy model.RetentionPolicy

	raw, rok, err := s.getMetaInt64(ctx, metaRetentionRaw)
	if err != nil {
		return policy, false, err
	}
	minute, mok, err := s.getMetaInt64(ctx, metaRetentionMinute)
	if err != nil {
		return policy, false, err
	}
	hour, hok, err := s.getMetaInt64(ctx, metaRetentionHour)
	if err != nil {
		return policy, false, err
	}
	if !rok || !mok || !hok {
		return policy, false, nil
	}

	policy.RawTTL = time.Duration(raw) * time.Millisecond
	policy.MinuteTTL = time.Duration(minute) * time.Millisecond
	policy.HourTTL = time.Duration(hour) * time.Millisecond
	return policy, true, nil
}

func (s *Store) pendingRetention(ctx context.Context) (model.RetentionPolicy, int64, bool, error) {
	var policy model.RetentionPolicy

	effAt, ok, err := s.getMetaInt64(ctx, metaPendingEffectiveAtMs)
	if err != nil || !ok {
		return policy, 0, false, err
	}
	raw, rok, err := s.getMetaInt64(ctx, metaPendingRetentionRaw)
	if err != nil {
		return policy, 0, false, err
	}
	minute, mok, err := s.getMetaInt64(ctx, metaPendingRetentionMinute)
	if err != nil {
		return policy, 0, false, err
	}
	hour, hok, err := s.getMetaInt64(ctx, metaPendingRetentionHour)
	if err != nil {
		return policy, 0, false, err
	}
	if !rok || !mok || !hok {
		return policy, 0, false, nil
	}

	policy.RawTTL = time.Duration(raw) * time.Millisecond
	policy.MinuteTTL = time.Duration(minute) * time.Millisecond
	policy.HourTTL = time.Duration(hour) * time.Millisecond
	return policy, effAt, true, nil
}

func (s *Store) writeRetention(ctx context.Context, policy model.RetentionPolicy) error {
	if err := s.setMetaInt64(ctx, metaRetentionRaw, policy.RawTTL.Milliseconds()); err != nil {
		return err
	}
	if err := s.setMetaInt64(ctx, metaRetentionMinute, policy.MinuteTTL.Milliseconds()); err != nil {
		return err
	}
	return s.setMetaInt64(ctx, metaRetentionHour, policy.HourTTL.Milliseconds())
}

func (s *Store) clearPendingRetention(ctx context.Context) error {
	return s.deleteMeta(ctx,
		metaPendingRetentionRaw,
		metaPendingRetentionMinute,
		metaPendingRetentionHour,
		metaPendingEffectiveAtMs,
	)
}
