package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatOdds(t *testing.T) {
	tests := map[int64]string{
		138: "1.38",
		540: "5.40",
		100: "1.00",
		5:   "0.05",
	}
	for in, want := range tests {
		assert.Equal(t, want, FormatOdds(in))
	}
}
