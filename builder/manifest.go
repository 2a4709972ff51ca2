package builder

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/tailscale/hujson"

	"github.com/nvscore/nvs/entry"
)

// Manifest is a fleet-provisioning document: one or more named device
// profiles, each a list of records to bake into that device's image.
// It is written as HuJSON (JSON With Comments) so a provisioning
// engineer can annotate per-field rationale and leave trailing commas
// when editing by hand.
type Manifest struct {
	Profiles map[string][]ManifestEntry `json:"profiles"`
}

// ManifestEntry is one record as it appears in a manifest file, before
// its Value (whose shape depends on Type) is resolved into a Record.
type ManifestEntry struct {
	Namespace string          `json:"namespace"`
	Key       string          `json:"key"`
	Type      string          `json:"type"`
	Value     json.RawMessage `json:"value"`
}

// ParseManifest reads a HuJSON fleet manifest and resolves every
// profile's entries into Records, keyed by profile name.
func ParseManifest(data []byte) (map[string][]Record, error) {
	std, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("builder: manifest is not valid HuJSON: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(std, &m); err != nil {
		return nil, fmt.Errorf("builder: manifest: %w", err)
	}

	out := make(map[string][]Record, len(m.Profiles))
	for profile, entries := range m.Profiles {
		records := make([]Record, 0, len(entries))
		for i, e := range entries {
			rec, err := manifestEntryToRecord(e)
			if err != nil {
				return nil, fmt.Errorf("builder: manifest profile %q entry %d: %w", profile, i, err)
			}
			records = append(records, rec)
		}
		out[profile] = records
	}

	return out, nil
}

func manifestEntryToRecord(e ManifestEntry) (Record, error) {
	rec := Record{Namespace: e.Namespace, Key: e.Key}

	switch e.Type {
	case "string":
		rec.Type = entry.TypeString
	case "blob":
		rec.Type = entry.TypeBlob
	default:
		t, err := typeTagFor(e.Type)
		if err != nil {
			return rec, err
		}
		rec.Type = t
	}

	switch e.Type {
	case "u8", "u16", "u32", "u64":
		var v uint64
		if err := json.Unmarshal(e.Value, &v); err != nil {
			return rec, fmt.Errorf("value for %s %s: %w", e.Type, e.Key, err)
		}
		rec.Uint = v
	case "i8", "i16", "i32", "i64":
		var v int64
		if err := json.Unmarshal(e.Value, &v); err != nil {
			return rec, fmt.Errorf("value for %s %s: %w", e.Type, e.Key, err)
		}
		rec.Int = v
	case "string":
		var v string
		if err := json.Unmarshal(e.Value, &v); err != nil {
			return rec, fmt.Errorf("value for string %s: %w", e.Key, err)
		}
		rec.Str = v
	case "blob":
		var hexStr string
		if err := json.Unmarshal(e.Value, &hexStr); err != nil {
			return rec, fmt.Errorf("value for blob %s: %w", e.Key, err)
		}
		b, err := hex.DecodeString(hexStr)
		if err != nil {
			return rec, fmt.Errorf("blob %s is not valid hex: %w", e.Key, err)
		}
		rec.Blob = b
	}

	return rec, nil
}
