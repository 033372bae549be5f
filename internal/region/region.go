// Package region implements the region-lock check spec.md §3/§4.7
// describes: a case-insensitive ISO 3166-1 alpha-2 comparison against a
// channel's allow/block lists, with blocked evaluated before allowed.
package region

import "strings"

// Allowed reports whether code (an ISO 3166-1 alpha-2 string, possibly
// empty if the caller supplied none) may access a channel with the given
// blocked/allowed lists.
//
// Evaluation order, per spec.md §3's invariant: regions_blocked is
// checked first (a match anywhere in it always forbids, and no allow
// list overrides that); only then is regions_allowed consulted (if
// non-empty, code must appear in it; if empty, any non-blocked code is
// allowed). A missing code is forbidden whenever an allow list is
// configured, since there is nothing to match against it.
func Allowed(code string, blocked, allowed []string) bool {
	code = strings.ToUpper(strings.TrimSpace(code))

	if code != "" && containsFold(blocked, code) {
		return false
	}
	if len(allowed) == 0 {
		return true
	}
	if code == "" {
		return false
	}
	return containsFold(allowed, code)
}

func containsFold(list []string, code string) bool {
	for _, c := range list {
		if strings.EqualFold(strings.TrimSpace(c), code) {
			return true
		}
	}
	return false
}

// FromRequest extracts a region code from the query parameter and,
// failing that, the header set spec.md §6 names, in priority order.
func FromRequest(query string, headers map[string]string) string {
	if query != "" {
		return query
	}
	for _, h := range []string{"X-Amps-Region", "CF-IPCountry", "X-Appengine-Country", "X-Region"} {
		if v, ok := headers[h]; ok && v != "" {
			return v
		}
	}
	return ""
}
