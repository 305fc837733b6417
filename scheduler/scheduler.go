// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

// Package scheduler orders bundles for transmission. Ordering is a
// pure function over the candidate set: there is no persistent
// scheduling state, so every propagation opportunity recomputes the
// order from what the store holds right now.
package scheduler

import (
	"cmp"
	"slices"

	"github.com/haven-foundation/haven/bundle"
)

// Order returns the candidates sorted into transmission order:
// highest priority first (emergency before bulk), then soonest
// expiry (work on bundles about to expire is otherwise wasted),
// then fewest hops remaining (bundles near their hop limit have
// the fewest other chances to spread). The input is not modified.
func Order(candidates []*bundle.Bundle) []*bundle.Bundle {
	ordered := slices.Clone(candidates)
	slices.SortStableFunc(ordered, func(a, b *bundle.Bundle) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		if c := cmp.Compare(a.ExpiresAt, b.ExpiresAt); c != 0 {
			return c
		}
		return cmp.Compare(a.HopsRemaining(), b.HopsRemaining())
	})
	return ordered
}
