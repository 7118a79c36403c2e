// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level Prometheus metrics for session lifecycle.
// Auto-registered via promauto so no explicit registry wiring is needed.
var (
	// sessionsCreated counts sessions created.
	sessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "review",
			Subsystem: "session",
			Name:      "created_total",
			Help:      "Total verification sessions created.",
		},
	)

	// roundsAppended counts rounds appended, by role.
	//
	// Labels:
	//   - role: "verifier" or "critic"
	roundsAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "review",
			Subsystem: "session",
			Name:      "rounds_total",
			Help:      "Total rounds appended to sessions.",
		},
		[]string{"role"},
	)

	// rollbacksTotal counts checkpoint rollbacks.
	rollbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "review",
			Subsystem: "session",
			Name:      "rollbacks_total",
			Help:      "Total checkpoint rollbacks performed.",
		},
	)
)
