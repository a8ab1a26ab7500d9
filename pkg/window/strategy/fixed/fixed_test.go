package fixed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tideflow-io/tideflow/pkg/window"
)

func TestNewFixed_InvalidConfig(t *testing.T) {
	_, err := NewFixed(0)
	assert.ErrorIs(t, err, window.ErrInvalidConfig)

	_, err = NewFixed(-time.Minute)
	assert.ErrorIs(t, err, window.ErrInvalidConfig)
}

func TestFixed_AssignWindows(t *testing.T) {
	loc, _ := time.LoadLocation("UTC")
	baseTime := time.Unix(1651129201, 0).In(loc)

	tests := []struct {
		name      string
		length    time.Duration
		eventTime time.Time
		want      []window.Window
	}{
		{
			name:      "minute",
			length:    time.Minute,
			eventTime: baseTime,
			want: []window.Window{
				{
					Start: time.Unix(1651129200, 0).In(loc),
					End:   time.Unix(1651129260, 0).In(loc),
				},
			},
		},
		{
			name:      "hour",
			length:    time.Hour,
			eventTime: baseTime,
			want: []window.Window{
				{
					Start: time.Unix(1651129200, 0).In(loc),
					End:   time.Unix(1651129200+3600, 0).In(loc),
				},
			},
		},
		{
			name:      "on_boundary_goes_right",
			length:    10 * time.Second,
			eventTime: time.Unix(1651129200, 0).In(loc),
			want: []window.Window{
				{
					Start: time.Unix(1651129200, 0).In(loc),
					End:   time.Unix(1651129210, 0).In(loc),
				},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewFixed(tt.length)
			assert.NoError(t, err)
			got := f.AssignWindows(tt.eventTime)
			assert.Len(t, got, 1)
			assert.True(t, got[0].Start.Equal(tt.want[0].Start))
			assert.True(t, got[0].End.Equal(tt.want[0].End))
			assert.True(t, got[0].Contains(tt.eventTime))
		})
	}
}
