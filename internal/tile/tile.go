// Package tile partitions page images into overlapping horizontal strips.
package tile

import "image"

// Band is a half-open interval [Start, End) along one axis.
type Band struct {
	Start int
	End   int
}

func (b Band) Len() int { return b.End - b.Start }

// Bands splits [0, extent) into n bands. Each band after the first starts
// overlap pixels before its nominal edge, each band before the last ends
// overlap pixels after it, and the last band ends exactly at extent.
// n is reduced to extent when the page is thinner than n pixels.
func Bands(extent, n, overlap int) []Band {
	if extent <= 0 {
		return nil
	}
	if n < 1 {
		n = 1
	}
	if n > extent {
		n = extent
	}
	if overlap < 0 {
		overlap = 0
	}

	base := extent / n
	out := make([]Band, n)
	for i := 0; i < n; i++ {
		start := 0
		if i > 0 {
			start = max(0, i*base-overlap)
		}
		end := extent
		if i < n-1 {
			end = min(extent, (i+1)*base+overlap)
		}
		out[i] = Band{Start: start, End: end}
	}
	return out
}

// Strips returns full-width rectangles stacked top to bottom over bounds.
func Strips(bounds image.Rectangle, n, overlap int) []image.Rectangle {
	bands := Bands(bounds.Dy(), n, overlap)
	out := make([]image.Rectangle, len(bands))
	for i, b := range bands {
		out[i] = image.Rect(bounds.Min.X, bounds.Min.Y+b.Start, bounds.Max.X, bounds.Min.Y+b.End)
	}
	return out
}
