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

// Package fixed implements fixed (tumbling) windows. Fixed windows are defined
// by a static window size, e.g. minutely windows or hourly windows. They are
// aligned: every window applies across all the data for the corresponding
// period of time, and each event belongs to exactly one window.
package fixed

import (
	"fmt"
	"time"

	"github.com/tideflow-io/tideflow/pkg/window"
)

// Fixed implements fixed windows.
type Fixed struct {
	// length is the temporal length of the window.
	length time.Duration
}

var _ window.Assigner = (*Fixed)(nil)

// NewFixed returns a Fixed assigner.
func NewFixed(length time.Duration) (*Fixed, error) {
	if length <= 0 {
		return nil, fmt.Errorf("%w: window size must be positive, got %v", window.ErrInvalidConfig, length)
	}
	return &Fixed{length: length}, nil
}

// AssignWindows assigns a window for the given eventTime.
func (f *Fixed) AssignWindows(eventTime time.Time) []window.Window {
	start := eventTime.Truncate(f.length)

	// Assignment follows a left inclusive and right exclusive principle.
	// Since we use truncate here, any element on the boundary automatically
	// falls into the window to the right of the boundary.
	return []window.Window{
		{Start: start, End: start.Add(f.length)},
	}
}

// Size returns the window length.
func (f *Fixed) Size() time.Duration {
	return f.length
}

// Slide equals Size for fixed windows.
func (f *Fixed) Slide() time.Duration {
	return f.length
}
