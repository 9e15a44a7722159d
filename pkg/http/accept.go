package http

import (
	"net/http"
	"sort"

	"github.com/golang/gddo/httputil/header"
)

// negotiateContentType picks from orderedPref the content type the
// request's Accept header likes best: highest quality (`q`) wins,
// and ties go to whichever appears first in orderedPref. No Accept
// header at all means the first preference; an Accept header
// matching none of them means "".
func negotiateContentType(r *http.Request, orderedPref []string) string {
	specs := header.ParseAccept(r.Header, "Accept")
	if len(specs) == 0 {
		return orderedPref[0]
	}

	// rank returns len(orderedPref) for types we don't serve, so it
	// can be compared directly without a "not found" sentinel.
	rank := func(value string) int {
		for i, p := range orderedPref {
			if p == value {
				return i
			}
		}
		return len(orderedPref)
	}

	var candidates []header.AcceptSpec
	for _, spec := range specs {
		if rank(spec.Value) < len(orderedPref) {
			candidates = append(candidates, spec)
		}
	}
	if len(candidates) == 0 {
		return ""
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Q == candidates[j].Q {
			return rank(candidates[i].Value) < rank(candidates[j].Value)
		}
		return candidates[i].Q > candidates[j].Q
	})
	return candidates[0].Value
}
