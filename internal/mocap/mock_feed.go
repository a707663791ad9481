// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package mocap

import (
	"math"
	"time"
)

// MockFeed generates smooth synthetic rigid-body records for bench runs
// without a capture system: the body flies a slow circle with a matching
// heading.
type MockFeed struct {
	body  uint32
	start time.Time
	frame uint32
}

// NewMockFeed creates a mock feed for one rigid-body ID.
func NewMockFeed(body uint32) *MockFeed {
	return &MockFeed{body: body, start: time.Now()}
}

// Next produces the next record.
func (m *MockFeed) Next() Record {
	elapsed := time.Since(m.start).Seconds()
	m.frame++

	yaw := elapsed * 0.3 // rad, slow turn
	return Record{
		ID:    m.body,
		Frame: m.frame,
		Pos: [3]float64{
			1.5 * math.Cos(yaw),
			1.5 * math.Sin(yaw),
			1.0 + 0.1*math.Sin(elapsed*0.5),
		},
		// x, y, z, w — rotation about the vertical axis only
		Quat: [4]float64{0, 0, math.Sin(yaw / 2), math.Cos(yaw / 2)},
	}
}
