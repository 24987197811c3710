// Package scaling normalizes clips of arbitrary size onto a target frame.
package scaling

import (
	"math"

	"github.com/gwlsn/foldermerge/internal/media"
)

// Mode selects the scaling strategy.
type Mode string

const (
	// ModeFit letterboxes the item inside the target on a solid background.
	ModeFit Mode = "fit"
	// ModeFill covers the whole target and crops the overflow.
	ModeFill Mode = "fill"
	// ModeStretch resizes to the target ignoring aspect ratio.
	ModeStretch Mode = "stretch"
)

// Apply transforms item to target according to mode. Without maintainAspect
// every mode stretches. Otherwise unknown modes, empty items and empty
// targets return item unchanged.
func Apply(item media.Item, target media.Size, mode Mode, maintainAspect bool, bg media.Color) media.Item {
	src := item.Size()
	if src.Empty() || target.Empty() {
		return item
	}

	if mode == ModeStretch || !maintainAspect {
		return item.Resize(target)
	}

	switch mode {
	case ModeFit:
		return fit(item, src, target, bg)
	case ModeFill:
		return fill(item, src, target)
	}
	return item
}

func fit(item media.Item, src, target media.Size, bg media.Color) media.Item {
	scale := math.Min(float64(target.Width)/float64(src.Width), float64(target.Height)/float64(src.Height))
	scaled := media.Size{
		Width:  scaleDim(src.Width, scale, target.Width),
		Height: scaleDim(src.Height, scale, target.Height),
	}
	return item.Resize(scaled).CompositeCentered(target, bg)
}

func fill(item media.Item, src, target media.Size) media.Item {
	srcRatio := float64(src.Width) / float64(src.Height)
	targetRatio := float64(target.Width) / float64(target.Height)

	var scaled media.Size
	if srcRatio > targetRatio {
		// wider than target: match height, trim the sides
		scale := float64(target.Height) / float64(src.Height)
		scaled = media.Size{Width: scaleDim(src.Width, scale, 0), Height: target.Height}
		if scaled.Width < target.Width {
			scaled.Width = target.Width
		}
	} else {
		scale := float64(target.Width) / float64(src.Width)
		scaled = media.Size{Width: target.Width, Height: scaleDim(src.Height, scale, 0)}
		if scaled.Height < target.Height {
			scaled.Height = target.Height
		}
	}

	crop := media.Rect{
		X:      (scaled.Width - target.Width) / 2,
		Y:      (scaled.Height - target.Height) / 2,
		Width:  target.Width,
		Height: target.Height,
	}
	return item.Resize(scaled).Crop(crop)
}

// scaleDim rounds dim*scale to at least one pixel and, when limit > 0, at
// most limit.
func scaleDim(dim int, scale float64, limit int) int {
	v := int(math.Round(float64(dim) * scale))
	if v < 1 {
		v = 1
	}
	if limit > 0 && v > limit {
		v = limit
	}
	return v
}
