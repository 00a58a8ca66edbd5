package room

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/npezzotti/roomsync/internal/period"
	"github.com/npezzotti/roomsync/internal/store"
	"github.com/npezzotti/roomsync/internal/types"
)

const maxThemeLength = 64

// PatchSettings applies patch to cur and returns the new settings with the
// fields to merge below the room's settings path. Changing the period kind
// opens a fresh window.
func PatchSettings(cur types.Settings, patch types.SettingsPatch, now time.Time) (types.Settings, map[string]any, error) {
	next := cur
	fields := make(map[string]any)

	if len(patch.Capacity) > 0 {
		next.Capacity = make(map[types.Role]int, len(cur.Capacity)+len(patch.Capacity))
		for r, n := range cur.Capacity {
			next.Capacity[r] = n
		}
		for r, n := range patch.Capacity {
			if r != types.RoleDispatcher && r != types.RoleOperator {
				return cur, nil, fmt.Errorf("%w: capacity cannot be set for role %q", ErrInvalidPatch, r)
			}
			if n < 0 {
				return cur, nil, fmt.Errorf("%w: capacity for %s cannot be negative", ErrInvalidPatch, r)
			}
			next.Capacity[r] = n
			fields[store.Join("capacity", string(r))] = n
		}
	}

	if len(patch.Prices) > 0 {
		next.Prices = make(map[string]float64, len(cur.Prices)+len(patch.Prices))
		for k, v := range cur.Prices {
			next.Prices[k] = v
		}
		for name, v := range patch.Prices {
			if !store.ValidSegment(name) {
				return cur, nil, fmt.Errorf("%w: invalid price name %q", ErrInvalidPatch, name)
			}
			if v < 0 {
				return cur, nil, fmt.Errorf("%w: price %q cannot be negative", ErrInvalidPatch, name)
			}
			next.Prices[name] = v
			fields[store.Join("prices", name)] = v
		}
	}

	if patch.Theme != nil {
		if len(*patch.Theme) > maxThemeLength {
			return cur, nil, fmt.Errorf("%w: theme name too long", ErrInvalidPatch)
		}
		next.Theme = *patch.Theme
		fields["theme"] = next.Theme
	}

	if patch.Period != nil && *patch.Period != cur.Period.Kind {
		if _, err := period.Length(*patch.Period); err != nil {
			return cur, nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
		}
		next.Period = types.PeriodConfig{Kind: *patch.Period, Start: types.Millis(now)}
		fields["period"] = next.Period
	}

	if len(fields) == 0 {
		return cur, nil, fmt.Errorf("%w: nothing to change", ErrInvalidPatch)
	}
	return next, fields, nil
}

// OverlaySettings applies fields returned by PatchSettings on top of cur.
func OverlaySettings(cur types.Settings, fields map[string]any) types.Settings {
	next := cur
	next.Capacity = maps.Clone(cur.Capacity)
	next.Prices = maps.Clone(cur.Prices)
	for key, v := range fields {
		group, name, _ := strings.Cut(key, "/")
		switch group {
		case "capacity":
			if next.Capacity == nil {
				next.Capacity = make(map[types.Role]int)
			}
			next.Capacity[types.Role(name)], _ = v.(int)
		case "prices":
			if next.Prices == nil {
				next.Prices = make(map[string]float64)
			}
			next.Prices[name], _ = v.(float64)
		case "theme":
			next.Theme, _ = v.(string)
		case "period":
			if p, ok := v.(types.PeriodConfig); ok {
				next.Period = p
			}
		}
	}
	return next
}

// SettingApplied reports whether cur already holds one field returned by
// PatchSettings. Periods match on kind and start; the count moves on its own.
func SettingApplied(cur types.Settings, key string, v any) bool {
	group, name, _ := strings.Cut(key, "/")
	switch group {
	case "capacity":
		n, ok := cur.Capacity[types.Role(name)]
		return ok && n == v
	case "prices":
		p, ok := cur.Prices[name]
		return ok && p == v
	case "theme":
		return cur.Theme == v
	case "period":
		p, ok := v.(types.PeriodConfig)
		return ok && cur.Period.Kind == p.Kind && cur.Period.Start == p.Start
	}
	return true
}
