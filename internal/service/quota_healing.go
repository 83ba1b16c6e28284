package service

import (
	"encoding/json"
	"math"
	"time"

	"storagequota/internal/domain"
)

// healQuota turns whatever is stored under the quota key into a well-formed
// record. The bool reports whether anything had to be repaired.
func healQuota(raw interface{}, defaultLimit int64, now time.Time) (*domain.StorageQuota, bool) {
	fields, ok := raw.(map[string]interface{})
	if !ok {
		return &domain.StorageQuota{
			LimitBytes:   defaultLimit,
			UpdatedAt:    now,
			Reservations: map[string]domain.Reservation{},
		}, true
	}

	healed := false
	count := func(key string, def int64) int64 {
		v, ok := parseCount(fields[key])
		if !ok {
			healed = true
			return def
		}
		return v
	}

	q := &domain.StorageQuota{
		LimitBytes:    count("limit_bytes", defaultLimit),
		BurstBytes:    count("burst_bytes", 0),
		UsedBytes:     count("used_bytes", 0),
		ReservedBytes: count("reserved_bytes", 0),
		Reservations:  map[string]domain.Reservation{},
	}

	switch tier := fields["tier"].(type) {
	case nil:
	case string:
		q.Tier = &tier
	default:
		healed = true
	}

	if ts, ok := parseTime(fields["updated_at"]); ok {
		q.UpdatedAt = ts
	} else {
		healed = true
	}

	entries, ok := fields["reservations"].(map[string]interface{})
	if !ok {
		healed = true
	}
	for id, entry := range entries {
		r, repaired, ok := healReservation(entry)
		if !ok {
			healed = true
			continue
		}
		if repaired {
			healed = true
		}
		q.Reservations[id] = r
	}

	if healed {
		q.UpdatedAt = now
	}
	return q, healed
}

func healReservation(raw interface{}) (domain.Reservation, bool, bool) {
	fields, ok := raw.(map[string]interface{})
	if !ok {
		return domain.Reservation{}, false, false
	}
	size, ok := parseCount(fields["size"])
	if !ok {
		return domain.Reservation{}, false, false
	}

	repaired := false
	r := domain.Reservation{Size: size}
	if key, ok := fields["key"].(string); ok {
		r.Key = key
	} else {
		repaired = true
	}
	if ts, ok := parseTime(fields["expires_at"]); ok {
		r.ExpiresAt = ts
	} else {
		repaired = true
	}
	return r, repaired, true
}

// parseCount accepts non-negative integral values of any numeric type a
// decoder may produce.
func parseCount(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, i >= 0
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return floatCount(f)
	case float64:
		return floatCount(n)
	case int:
		return int64(n), n >= 0
	case int32:
		return int64(n), n >= 0
	case int64:
		return n, n >= 0
	default:
		return 0, false
	}
}

func floatCount(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f != math.Trunc(f) || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

func parseTime(v interface{}) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
