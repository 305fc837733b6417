// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"sync/atomic"
)

var uniqueCounter atomic.Uint64

// UniqueID returns a string of the form "prefix-N" where N is a
// monotonically increasing integer. Use this instead of time.Now()
// when tests need distinguishable topic names or payload bodies.
//
//	topic := testutil.UniqueID("topic")     // "topic-1", "topic-2", ...
//	body := testutil.UniqueID("payload")    // "payload-3", ...
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, uniqueCounter.Add(1))
}
