package postgres

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncateText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"short passes through", "timeout", 32, "timeout"},
		{"exact length passes through", "abcd", 4, "abcd"},
		{"ascii clipped at max", "abcdef", 4, "abcd"},
		{"multibyte rune not split", "ошибка", 3, "о"},
		{"clip lands on rune boundary", "ошибка", 4, "ош"},
		{"empty input", "", 4, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncateText(tt.in, tt.max)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
			assert.LessOrEqual(t, len(got), tt.max)
		})
	}
}

func TestTruncateText_LongMixedErrorStaysValid(t *testing.T) {
	// A long error ending mid-rune at the cap must still be valid UTF-8.
	msg := strings.Repeat("a", 510) + "日本語"
	got := truncateText(msg, 512)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), 512)
}
