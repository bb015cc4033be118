package pages

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// maxRangeSpan caps how many pages one range token may expand to so that
// "1-999999999" cannot allocate unbounded memory when the total is unknown.
const maxRangeSpan = 10000

// Selection is the normalized result of a page selector.
type Selection struct {
	Pages     []int
	Defaulted bool // nothing valid was selected; Pages is [1]
	Capped    bool // a range was cut to maxRangeSpan pages
	Reason    string
}

// Parse turns a selector like "1,3-5,8" into ascending unique page numbers.
// Malformed tokens and inverted ranges are skipped. Pages above total are
// dropped when total > 0; total <= 0 means the page count is unknown.
func Parse(spec string, total int) []int {
	out, _ := parse(spec, total)
	return out
}

// parse is Parse that also reports whether any range was capped.
func parse(spec string, total int) ([]int, bool) {
	set := make(map[int]struct{})
	capped := false

	for _, tok := range strings.Split(spec, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}

		if lo, hi, ok := strings.Cut(tok, "-"); ok {
			a, errA := strconv.Atoi(strings.TrimSpace(lo))
			b, errB := strconv.Atoi(strings.TrimSpace(hi))
			if errA != nil || errB != nil || a > b {
				continue
			}
			if a < 1 {
				a = 1
			}
			if total > 0 && b > total {
				b = total
			}
			if b-a >= maxRangeSpan {
				b = a + maxRangeSpan - 1
				capped = true
			}
			for p := a; p <= b; p++ {
				set[p] = struct{}{}
			}
			continue
		}

		n, err := strconv.Atoi(tok)
		if err != nil {
			continue
		}
		set[n] = struct{}{}
	}

	out := make([]int, 0, len(set))
	for p := range set {
		if p < 1 {
			continue
		}
		if total > 0 && p > total {
			continue
		}
		out = append(out, p)
	}
	sort.Ints(out)
	return out, capped
}

// Select parses spec and substitutes page 1 when nothing valid remains.
func Select(spec string, total int) Selection {
	got, capped := parse(spec, total)
	if len(got) > 0 {
		sel := Selection{Pages: got, Capped: capped}
		if capped {
			sel.Reason = fmt.Sprintf("range longer than %d pages, selection cut to %s", maxRangeSpan, Format(got))
		}
		return sel
	}

	reason := fmt.Sprintf("no valid pages in %q", spec)
	if strings.TrimSpace(spec) == "" {
		reason = "empty page selection"
	}
	return Selection{
		Pages:     []int{1},
		Defaulted: true,
		Reason:    reason + ", defaulting to page 1",
	}
}

// Format renders pages compactly, collapsing consecutive runs: [1 2 3 7] -> "1-3,7".
func Format(pages []int) string {
	var parts []string
	for i := 0; i < len(pages); {
		j := i
		for j+1 < len(pages) && pages[j+1] == pages[j]+1 {
			j++
		}
		if j > i {
			parts = append(parts, fmt.Sprintf("%d-%d", pages[i], pages[j]))
		} else {
			parts = append(parts, strconv.Itoa(pages[i]))
		}
		i = j + 1
	}
	return strings.Join(parts, ",")
}
