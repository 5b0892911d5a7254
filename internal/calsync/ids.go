// Package calsync reconciles calendar webhook snapshots against the persisted
// activity store: it transforms events, resolves their identity despite
// unstable external ids, merges duplicates, upserts and sweeps missing records.
package calsync

import "strings"

// ProviderIDSuffix is appended by the calendar provider to some deliveries of
// the same event id.
const ProviderIDSuffix = "@google.com"

// CanonicalExternalID is the single normalization rule for external ids:
// surrounding whitespace is trimmed and the provider suffix removed.
func CanonicalExternalID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) > len(ProviderIDSuffix) && strings.EqualFold(id[len(id)-len(ProviderIDSuffix):], ProviderIDSuffix) {
		id = id[:len(id)-len(ProviderIDSuffix)]
	}
	return id
}

// IDVariants returns every spelling under which the same event may have been
// stored: the raw id, its canonical form and the canonical form with the
// provider suffix. Empty ids have no variants.
func IDVariants(id string) []string {
	raw := strings.TrimSpace(id)
	canonical := CanonicalExternalID(raw)
	if canonical == "" {
		return nil
	}

	variants := make([]string, 0, 3)
	seen := make(map[string]struct{}, 3)
	for _, v := range []string{raw, canonical, canonical + ProviderIDSuffix} {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		variants = append(variants, v)
	}
	return variants
}

// SameExternalID reports whether two external ids name the same event.
func SameExternalID(a, b string) bool {
	ca := CanonicalExternalID(a)
	return ca != "" && ca == CanonicalExternalID(b)
}
