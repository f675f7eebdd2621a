package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/arloliu/solo/types"
)

// record is the canonical wire form. Older writers used camelCase names;
// legacyRecord captures those so both spellings decode.
type record struct {
	ServiceName        string            `json:"service_name"`
	InstanceID         string            `json:"instance_id"`
	Version            string            `json:"version,omitempty"`
	Status             string            `json:"status"`
	LastHeartbeat      time.Time         `json:"last_heartbeat"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	StickyActiveGroup  string            `json:"sticky_active_group,omitempty"`
	StickyActiveStatus string            `json:"sticky_active_status,omitempty"`
}

type wireRecord struct {
	ServiceName        string            `json:"service_name"`
	InstanceID         string            `json:"instance_id"`
	Version            string            `json:"version"`
	Status             string            `json:"status"`
	LastHeartbeat      json.RawMessage   `json:"last_heartbeat"`
	Metadata           map[string]string `json:"metadata"`
	StickyActiveGroup  string            `json:"sticky_active_group"`
	StickyActiveStatus string            `json:"sticky_active_status"`

	LegacyServiceName        string          `json:"serviceName"`
	LegacyInstanceID         string          `json:"instanceId"`
	LegacyLastHeartbeat      json.RawMessage `json:"lastHeartbeat"`
	LegacyStickyActiveGroup  string          `json:"stickyActiveGroup"`
	LegacyStickyActiveStatus string          `json:"stickyActiveStatus"`
}

// Encode serializes inst using the canonical field names.
func Encode(inst types.ServiceInstance) ([]byte, error) {
	data, err := json.Marshal(record{
		ServiceName:        string(inst.ServiceName),
		InstanceID:         string(inst.InstanceID),
		Version:            inst.Version,
		Status:             string(inst.Status),
		LastHeartbeat:      inst.LastHeartbeat.UTC(),
		Metadata:           inst.Metadata,
		StickyActiveGroup:  string(inst.StickyActiveGroup),
		StickyActiveStatus: string(inst.StickyActiveStatus),
	})
	if err != nil {
		return nil, fmt.Errorf("encode instance %s/%s: %w", inst.ServiceName, inst.InstanceID, err)
	}

	return data, nil
}

// Decode parses a registry value written in either the canonical or the
// legacy spelling. Canonical fields win when both are present. The result is
// validated.
func Decode(data []byte) (types.ServiceInstance, error) {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return types.ServiceInstance{}, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}

	hb, err := parseHeartbeat(pick(w.LastHeartbeat, w.LegacyLastHeartbeat))
	if err != nil {
		return types.ServiceInstance{}, err
	}

	inst := types.ServiceInstance{
		ServiceName:        types.ServiceName(first(w.ServiceName, w.LegacyServiceName)),
		InstanceID:         types.InstanceID(first(w.InstanceID, w.LegacyInstanceID)),
		Version:            w.Version,
		Status:             types.ServiceStatus(w.Status),
		LastHeartbeat:      hb,
		Metadata:           w.Metadata,
		StickyActiveGroup:  types.GroupID(first(w.StickyActiveGroup, w.LegacyStickyActiveGroup)),
		StickyActiveStatus: types.StickyStatus(first(w.StickyActiveStatus, w.LegacyStickyActiveStatus)),
	}
	if err := inst.Validate(); err != nil {
		return types.ServiceInstance{}, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}

	return inst, nil
}

// parseHeartbeat accepts an RFC 3339 string or Unix seconds (integer or
// fractional). Absent or null yields the zero time.
func parseHeartbeat(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}

	if raw[0] == '"' {
		var t time.Time
		if err := json.Unmarshal(raw, &t); err != nil {
			return time.Time{}, fmt.Errorf("%w: last heartbeat: %w", ErrInvalidRecord, err)
		}

		return t, nil
	}

	var secs float64
	if err := json.Unmarshal(raw, &secs); err != nil {
		return time.Time{}, fmt.Errorf("%w: last heartbeat: %w", ErrInvalidRecord, err)
	}
	whole, frac := math.Modf(secs)

	return time.Unix(int64(whole), int64(frac*float64(time.Second))).UTC(), nil
}

func first(canonical, legacy string) string {
	if canonical != "" {
		return canonical
	}

	return legacy
}

func pick(canonical, legacy json.RawMessage) json.RawMessage {
	if len(canonical) > 0 {
		return canonical
	}

	return legacy
}
