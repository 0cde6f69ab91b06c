package webapi

import (
	"image/color"
	"strconv"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

// GenerateQRCodePNG encodes content as a size x size PNG. fg and bg are
// optional hex colours ("000", "ff6600"); invalid ones fall back to
// black on white.
func GenerateQRCodePNG(content string, size int, fg string, bg string) ([]byte, error) {
	q, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return []byte{}, err
	}
	q.ForegroundColor = parseHexColor(fg, color.Black)
	q.BackgroundColor = parseHexColor(bg, color.White)
	return q.PNG(size)
}

func parseHexColor(s string, fallback color.Color) color.Color {
	s = strings.TrimPrefix(s, "#")
	if len(s) == 3 {
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]})
	}
	if len(s) != 6 {
		return fallback
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return fallback
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}
}
