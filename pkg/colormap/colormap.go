// Package colormap provides hex color utilities for classification palettes.
package colormap

import (
	"fmt"
	"image/color"
	"strings"
)

// UnclassifiedHex is the reserved color for entities with no class
// assignment. Patches carrying this effective color never merge.
const UnclassifiedHex = "#808080"

// Categorical is a 20-color palette for classification classes. Colors are
// assigned by class id modulo the palette length.
var Categorical = []string{
	"#1f77b4", "#ff7f0e", "#2ca02c", "#d62728", "#9467bd",
	"#8c564b", "#e377c2", "#7f7f7f", "#bcbd22", "#17becf",
	"#aec7e8", "#ffbb78", "#98df8a", "#ff9896", "#c5b0d5",
	"#c49c94", "#f7b6d2", "#c7c7c7", "#dbdb8d", "#9edae5",
}

// ForIndex returns the palette color for a class id (wraps around).
// Negative ids map to UnclassifiedHex.
func ForIndex(i int) string {
	if i < 0 {
		return UnclassifiedHex
	}
	return Categorical[i%len(Categorical)]
}

// Parse converts "#rrggbb" (or "rrggbb") to a color.RGBA.
func Parse(hex string) (color.RGBA, error) {
	s := strings.TrimPrefix(strings.TrimSpace(hex), "#")
	if len(s) != 6 {
		return color.RGBA{}, fmt.Errorf("invalid hex color: %q", hex)
	}

	var r, g, b uint8
	if _, err := fmt.Sscanf(s, "%02x%02x%02x", &r, &g, &b); err != nil {
		return color.RGBA{}, fmt.Errorf("invalid hex color: %q", hex)
	}
	return color.RGBA{R: r, G: g, B: b, A: 255}, nil
}

// Format converts a color.RGBA to "#rrggbb".
func Format(c color.RGBA) string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// Normalize lowercases a hex color and ensures the leading '#'. Invalid
// input is returned unchanged so comparisons still work on raw strings.
func Normalize(hex string) string {
	c, err := Parse(hex)
	if err != nil {
		return hex
	}
	return Format(c)
}

// Equal reports whether two hex colors denote the same RGB value.
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}
