package download

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProgress(t *testing.T) {
	tests := []struct {
		name       string
		downloaded int64
		size       int64
		want       float64
	}{
		{name: "empty", downloaded: 0, size: 1000, want: 0},
		{name: "partial", downloaded: 400, size: 1000, want: 40},
		{name: "complete", downloaded: 1000, size: 1000, want: 100},
		{name: "over size is clamped", downloaded: 1200, size: 1000, want: 100},
		{name: "zero size without bytes", downloaded: 0, size: 0, want: 0},
		{name: "zero size with bytes", downloaded: 3, size: 0, want: 100},
		{name: "unknown size", downloaded: 500, size: UnknownSize, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Progress(tt.downloaded, tt.size), 1e-9)
		})
	}
}
