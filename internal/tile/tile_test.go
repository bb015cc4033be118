package tile

import (
	"image"
	"testing"
)

func TestBandsCoverExtentWithOverlap(t *testing.T) {
	bands := Bands(1000, 10, 10)
	if len(bands) != 10 {
		t.Fatalf("expected 10 bands, got %d", len(bands))
	}
	if bands[0].Start != 0 {
		t.Fatalf("first band must start at 0, got %d", bands[0].Start)
	}
	if bands[9].End != 1000 {
		t.Fatalf("last band must end at 1000, got %d", bands[9].End)
	}
	for i := 1; i < len(bands); i++ {
		prev, cur := bands[i-1], bands[i]
		if cur.Start > prev.End {
			t.Fatalf("gap between band %d and %d: %d > %d", i-1, i, cur.Start, prev.End)
		}
		// nominal seam at i*100 is widened by 10 on both sides
		if got := cur.Start; got != i*100-10 {
			t.Fatalf("band %d start = %d, want %d", i, got, i*100-10)
		}
		if i < len(bands)-1 {
			if got := cur.End; got != (i+1)*100+10 {
				t.Fatalf("band %d end = %d, want %d", i, got, (i+1)*100+10)
			}
		}
	}
}

func TestBandsLastAbsorbsRemainder(t *testing.T) {
	bands := Bands(1005, 10, 12)
	last := bands[len(bands)-1]
	if last.End != 1005 {
		t.Fatalf("last band end = %d, want 1005", last.End)
	}
	if last.Start != 900-12 {
		t.Fatalf("last band start = %d, want %d", last.Start, 900-12)
	}
}

func TestBandsEdgeCases(t *testing.T) {
	if Bands(0, 10, 10) != nil {
		t.Fatalf("expected no bands for zero extent")
	}

	one := Bands(50, 1, 10)
	if len(one) != 1 || one[0] != (Band{0, 50}) {
		t.Fatalf("single band should cover page, got %+v", one)
	}

	thin := Bands(3, 10, 1)
	if len(thin) != 3 || thin[2].End != 3 {
		t.Fatalf("thin page should clamp band count, got %+v", thin)
	}

	wide := Bands(100, 4, 500)
	for i, b := range wide {
		if b.Start < 0 || b.End > 100 {
			t.Fatalf("band %d out of range: %+v", i, b)
		}
	}
}

func TestStripsOffsetByBounds(t *testing.T) {
	bounds := image.Rect(5, 20, 105, 220)
	strips := Strips(bounds, 4, 5)
	if len(strips) != 4 {
		t.Fatalf("expected 4 strips, got %d", len(strips))
	}
	if strips[0].Min != image.Pt(5, 20) {
		t.Fatalf("unexpected first strip: %v", strips[0])
	}
	if strips[3].Max != image.Pt(105, 220) {
		t.Fatalf("unexpected last strip: %v", strips[3])
	}
	for _, s := range strips {
		if s.Dx() != 100 {
			t.Fatalf("strip must span full width: %v", s)
		}
	}
}
