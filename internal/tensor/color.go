package tensor

import "image/color"

func imageColor(r, g, b float64) color.RGBA {
	return color.RGBA{clampByte(r), clampByte(g), clampByte(b), 255}
}

func clampByte(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v + 0.5)
}
