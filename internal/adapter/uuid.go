package adapter

import (
	"fmt"
	"strings"
)

// sigBaseSuffix is the tail of the Bluetooth SIG base UUID. Full UUIDs of the
// form 0000xxxx-0000-1000-8000-00805f9b34fb collapse to their 16-bit short
// form xxxx.
const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to canonical comparison form:
// lowercase, no dashes, no 0x prefix. SIG base UUIDs are shortened to their
// 16-bit form so "0000FEBC-0000-1000-8000-00805F9B34FB" and "febc" compare
// equal.
func NormalizeUUID(uuid string) string {
	s := strings.ToLower(strings.TrimSpace(uuid))
	s = strings.TrimPrefix(s, "0x")
	s = strings.ReplaceAll(s, "-", "")

	if len(s) == 32 && strings.HasPrefix(s, "0000") && strings.HasSuffix(s, sigBaseSuffix) {
		return s[4:8]
	}
	return s
}

// NormalizeUUIDs normalizes a slice of UUID strings.
func NormalizeUUIDs(uuids []string) []string {
	result := make([]string, len(uuids))
	for i, u := range uuids {
		result[i] = NormalizeUUID(u)
	}
	return result
}

// UUIDsEqual reports whether two UUID strings identify the same UUID,
// regardless of case, dashes, or short/long form.
func UUIDsEqual(a, b string) bool {
	return NormalizeUUID(a) == NormalizeUUID(b)
}

// ContainsUUID reports whether haystack contains needle after normalization.
func ContainsUUID(haystack []string, needle string) bool {
	n := NormalizeUUID(needle)
	for _, h := range haystack {
		if NormalizeUUID(h) == n {
			return true
		}
	}
	return false
}

// ValidateUUID checks that each UUID is non-empty and hex-shaped, returning
// the normalized forms.
func ValidateUUID(uuids ...string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, fmt.Errorf("at least one UUID is required")
	}

	result := make([]string, 0, len(uuids))
	for i, uuid := range uuids {
		if strings.TrimSpace(uuid) == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		normalized := NormalizeUUID(uuid)
		switch len(normalized) {
		case 4, 8, 32:
		default:
			return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, uuid)
		}
		for _, r := range normalized {
			if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
				return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, uuid)
			}
		}
		result = append(result, normalized)
	}
	return result, nil
}
