package imagepdf

import (
	"errors"
	"fmt"
)

// ErrMargin is matched by errors for margins that leave no room on the page.
var ErrMargin = errors.New("margin leaves no drawable area")

// MillimetersPerInch converts paper sizes given in millimetres to PDF units.
const MillimetersPerInch = 25.4

// UnitsPerInch is the PDF user space resolution.
const UnitsPerInch = 72.0

// Size is a page size in PDF units.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// A4 returns the reference page format, 210x297 mm, with width and height
// swapped when landscape is set.
func A4(landscape bool) Size {
	w, h := 210.0, 297.0
	if landscape {
		w, h = h, w
	}
	return Size{
		Width:  w / MillimetersPerInch * UnitsPerInch,
		Height: h / MillimetersPerInch * UnitsPerInch,
	}
}

// CheckMargin reports an error unless margin on every side of page leaves
// an area of positive width and height.
func CheckMargin(page Size, margin float64) error {
	if margin < 0 {
		return fmt.Errorf("%w: negative margin %g", ErrMargin, margin)
	}
	if page.Width-2*margin <= 0 || page.Height-2*margin <= 0 {
		return fmt.Errorf("%w: %g pt on a %.0fx%.0f pt page", ErrMargin, margin, page.Width, page.Height)
	}
	return nil
}

// Layout is the placement of an image on a page. X and Y locate the lower
// left corner in PDF user space (origin at the bottom left of the page).
type Layout struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Scale  float64 `json:"scale"`
}

// Fit scales an image of imgW x imgH units into the page area left after
// margin on every side and centres it there. Images that already fit keep
// their size unless stretchSmall is set. margin must pass CheckMargin.
func Fit(imgW, imgH float64, page Size, margin float64, stretchSmall bool) Layout {
	areaW := page.Width - 2*margin
	areaH := page.Height - 2*margin

	isBig := imgW > areaW || imgH > areaH
	isWide := imgW/imgH > areaW/areaH

	scale := 1.0
	if isBig || stretchSmall {
		if isWide {
			scale = areaW / imgW
		} else {
			scale = areaH / imgH
		}
	}

	w, h := imgW*scale, imgH*scale
	return Layout{
		X:      margin + (areaW-w)/2,
		Y:      margin + (areaH-h)/2,
		Width:  w,
		Height: h,
		Scale:  scale,
	}
}
