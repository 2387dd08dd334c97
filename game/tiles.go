package game

import "math/bits"

// IsTile reports whether v is a legal non-empty tile value.
func IsTile(v int) bool {
	return v >= 2 && v&(v-1) == 0
}

// Rank is log2 of a tile value; empty cells have rank 0.
func Rank(v int) int {
	if v <= 0 {
		return 0
	}
	return bits.Len(uint(v)) - 1
}

// RGB is a display colour.
type RGB struct {
	R, G, B uint8
}

// tilePalette is indexed by rank. Ranks past the end reuse the last entry so
// the table never grows with the tiles on the board.
var tilePalette = [...]RGB{
	{205, 193, 180}, // empty
	{238, 228, 218}, // 2
	{237, 224, 200}, // 4
	{242, 177, 121}, // 8
	{245, 149, 99},  // 16
	{246, 124, 95},  // 32
	{246, 95, 64},   // 64
	{237, 207, 114}, // 128
	{237, 204, 97},  // 256
	{237, 200, 80},  // 512
	{237, 197, 63},  // 1024
	{237, 194, 46},  // 2048
	{60, 58, 50},    // 4096 and beyond
}

// TileColor returns the display colour for a tile value.
func TileColor(v int) RGB {
	r := Rank(v)
	if r >= len(tilePalette) {
		r = len(tilePalette) - 1
	}
	return tilePalette[r]
}

// Hex formats the colour as #rrggbb.
func (c RGB) Hex() string {
	const digits = "0123456789abcdef"
	out := []byte{'#', 0, 0, 0, 0, 0, 0}
	for i, v := range [3]uint8{c.R, c.G, c.B} {
		out[1+2*i] = digits[v>>4]
		out[2+2*i] = digits[v&0x0f]
	}
	return string(out)
}

// TextColor picks a readable foreground for a tile.
func TextColor(v int) RGB {
	if Rank(v) <= 2 {
		return RGB{119, 110, 101}
	}
	return RGB{249, 246, 242}
}
