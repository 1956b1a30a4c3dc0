package tui

import (
	"bytes"
	"fmt"
	"image"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/disintegration/imaging"

	"github.com/Gelotto/zimage-studio/internal/models"
)

// Preview renders an image as rows of half-block cells, each cell showing
// two vertically stacked pixels. The result fits in cols x rows cells.
func Preview(img models.GeneratedImage, cols, rows int) (string, error) {
	if cols < 1 || rows < 1 {
		return "", fmt.Errorf("invalid preview size %dx%d", cols, rows)
	}

	data, _, err := img.Decode()
	if err != nil {
		return "", err
	}

	src, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to decode image: %w", err)
	}

	return renderHalfBlocks(imaging.Fit(src, cols, rows*2, imaging.Lanczos)), nil
}

func renderHalfBlocks(img image.Image) string {
	bounds := img.Bounds()
	var s strings.Builder

	for y := bounds.Min.Y; y < bounds.Max.Y; y += 2 {
		if y > bounds.Min.Y {
			s.WriteByte('\n')
		}
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			style := lipgloss.NewStyle().Foreground(hexColor(img, x, y))
			if y+1 < bounds.Max.Y {
				style = style.Background(hexColor(img, x, y+1))
			}
			s.WriteString(style.Render("▀"))
		}
	}
	return s.String()
}

func hexColor(img image.Image, x, y int) lipgloss.Color {
	r, g, b, _ := img.At(x, y).RGBA()
	return lipgloss.Color(fmt.Sprintf("#%02x%02x%02x", r>>8, g>>8, b>>8))
}
