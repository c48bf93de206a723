package slug

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMake(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"simple", "Phones", "phones"},
		{"spaces", "Smart   Phones", "smart-phones"},
		{"punctuation dropped", "TV & Audio!", "tv-audio"},
		{"hyphen runs collapse", "a -- b", "a-b"},
		{"trims hyphens", "--Laptops--", "laptops"},
		{"diacritics folded", "Téléphones Žičani", "telephones-zicani"},
		{"croatian d", "Đurđevac", "durdevac"},
		{"underscore kept", "snake_case name", "snake_case-name"},
		{"only symbols", "!!!", Fallback},
		{"empty", "   ", Fallback},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Make(tt.input))
		})
	}
}

func TestMake_Deterministic(t *testing.T) {
	assert.Equal(t, Make("Gaming Laptops 2024"), Make("Gaming Laptops 2024"))
}

func TestNextFree(t *testing.T) {
	assert.Equal(t, "phones", NextFree("phones", nil))
	assert.Equal(t, "phones", NextFree("phones", []string{"phones-2"}))
	assert.Equal(t, "phones-2", NextFree("phones", []string{"phones"}))
	assert.Equal(t, "phones-4", NextFree("phones", []string{"phones", "phones-2", "phones-3"}))
	// gaps are reused
	assert.Equal(t, "phones-3", NextFree("phones", []string{"phones", "phones-2", "phones-4"}))
	// unrelated suffixes are ignored
	assert.Equal(t, "phones-2", NextFree("phones", []string{"phones", "phones-case", "phones-1"}))
}

func TestNextFree_Many(t *testing.T) {
	taken := []string{"item"}
	for i := 2; i <= 50; i++ {
		taken = append(taken, fmt.Sprintf("item-%d", i))
	}
	assert.Equal(t, "item-51", NextFree("item", taken))
}
