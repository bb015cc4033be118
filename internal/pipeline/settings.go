package pipeline

import "time"

// Settings are the per-process pipeline parameters. A Pipeline never mutates
// them; per-request changes go through Overrides.
type Settings struct {
	StripsPerPage int
	StripOverlap  int
	DPI           int
	StripWorkers  int

	MaxUploadBytes int64
	TempDir        string
	InspectTimeout time.Duration
}

// Overrides are optional request-level changes; zero values mean "unset".
type Overrides struct {
	Strips  int
	Overlap int
	DPI     int
}

const (
	maxStrips  = 50
	maxOverlap = 200
	minDPI     = 50
	maxDPI     = 600
)

// Apply returns s with the valid overrides applied.
func (s Settings) Apply(o Overrides) Settings {
	out := s
	if o.Strips > 0 {
		out.StripsPerPage = min(o.Strips, maxStrips)
	}
	if o.Overlap > 0 {
		out.StripOverlap = min(o.Overlap, maxOverlap)
	}
	if o.DPI > 0 {
		out.DPI = max(minDPI, min(o.DPI, maxDPI))
	}
	return out.withDefaults()
}

func (s Settings) withDefaults() Settings {
	if s.StripsPerPage < 1 {
		s.StripsPerPage = 10
	}
	if s.StripOverlap < 0 {
		s.StripOverlap = 0
	}
	if s.DPI < 1 {
		s.DPI = 200
	}
	if s.StripWorkers < 1 {
		s.StripWorkers = 1
	}
	return s
}
