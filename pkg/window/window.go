/*
Copyright 2024 The Tideflow Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package window defines event-time windows and the strategies that assign
// records to them. Windows are aligned: for a given size/slide configuration
// the window boundaries are a deterministic function of the event time alone,
// so replaying the same records always produces the same assignment.
package window

import (
	"fmt"
	"time"
)

// Window is a half-open event-time interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains returns true if the event time falls within the window.
// Assignment is left inclusive and right exclusive, so an event exactly on a
// boundary belongs to the window to the right of the boundary.
func (w Window) Contains(eventTime time.Time) bool {
	return !eventTime.Before(w.Start) && eventTime.Before(w.End)
}

func (w Window) String() string {
	return fmt.Sprintf("[%d,%d)", w.Start.UnixMilli(), w.End.UnixMilli())
}

// Key is the identity of one aggregate bucket: a window plus a grouping key.
type Key struct {
	Window Window `json:"window"`
	// GroupKey is the grouping key of the records aggregated in this bucket.
	GroupKey string `json:"groupKey"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s-%s", k.Window, k.GroupKey)
}

// Assigner maps an event time to the set of windows that contain it.
// Implementations are pure functions and hold no state.
type Assigner interface {
	// AssignWindows returns the windows containing eventTime, ordered by
	// ascending start time.
	AssignWindows(eventTime time.Time) []Window
	// Size returns the temporal length of the windows produced.
	Size() time.Duration
	// Slide returns the period by which successive windows are phased out.
	// Slide == Size for tumbling windows.
	Slide() time.Duration
}
