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

// Package sliding implements sliding (hopping) windows. Sliding windows are
// defined by a static window size and a fixed slide, the duration by which the
// window boundaries advance. An event belongs to size/slide windows.
package sliding

import (
	"fmt"
	"time"

	"github.com/tideflow-io/tideflow/pkg/window"
)

// Sliding implements sliding windows.
type Sliding struct {
	// length is the duration of the window.
	length time.Duration
	// slide is the offset between successive windows.
	slide time.Duration
}

var _ window.Assigner = (*Sliding)(nil)

// NewSliding returns a Sliding assigner.
func NewSliding(length time.Duration, slide time.Duration) (*Sliding, error) {
	if length <= 0 || slide <= 0 {
		return nil, fmt.Errorf("%w: size and slide must be positive, got size=%v slide=%v", window.ErrInvalidConfig, length, slide)
	}
	if slide > length {
		return nil, fmt.Errorf("%w: slide %v must not exceed size %v", window.ErrInvalidConfig, slide, length)
	}
	return &Sliding{length: length, slide: slide}, nil
}

// AssignWindows returns the set of windows that contain the given eventTime.
func (s *Sliding) AssignWindows(eventTime time.Time) []window.Window {
	windows := make([]window.Window, 0, s.length/s.slide)

	// Use the highest integer multiple of the slide which is not after the
	// eventTime as the start of the latest window, then walk backwards by the
	// slide until the window no longer contains the event. Deriving starts
	// from integer multiples guarantees the assignment is consistent across
	// replays.
	startTime := time.UnixMilli((eventTime.UnixMilli() / s.slide.Milliseconds()) * s.slide.Milliseconds()).In(eventTime.Location())
	endTime := startTime.Add(s.length)

	for !startTime.After(eventTime) && endTime.After(eventTime) {
		windows = append(windows, window.Window{Start: startTime, End: endTime})
		startTime = startTime.Add(-s.slide)
		endTime = endTime.Add(-s.slide)
	}

	// walking backwards produced the windows in descending start order
	for i, j := 0, len(windows)-1; i < j; i, j = i+1, j-1 {
		windows[i], windows[j] = windows[j], windows[i]
	}
	return windows
}

// Size returns the window length.
func (s *Sliding) Size() time.Duration {
	return s.length
}

// Slide returns the slide duration.
func (s *Sliding) Slide() time.Duration {
	return s.slide
}
