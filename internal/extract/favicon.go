package extract

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	declaredSize = regexp.MustCompile(`^(\d{1,4})x(\d{1,4})$`)
	hrefPair     = regexp.MustCompile(`(?i)(\d{2,4})x(\d{2,4})`)
	hrefSingle   = regexp.MustCompile(`\d{2,4}`)
)

type iconCandidate struct {
	href     string
	size     float64
	priority int
	vector   bool
}

// rank folds the vector bonus into the numeric score.
func (c iconCandidate) rank() float64 {
	if c.vector {
		return math.Inf(1)
	}
	return c.size
}

func bestIconHref(doc *goquery.Document) string {
	var candidates []iconCandidate
	doc.Find("link[rel]").Each(func(_ int, s *goquery.Selection) {
		rel := strings.Fields(strings.ToLower(s.AttrOr("rel", "")))
		if !isIconRel(rel) {
			return
		}
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" {
			return
		}

		size, declared := parseSizes(s.AttrOr("sizes", ""))
		if !declared {
			size = sizeFromHref(href)
		}
		kind := strings.ToLower(strings.TrimSpace(s.AttrOr("type", "")))

		candidates = append(candidates, iconCandidate{
			href:     href,
			size:     size,
			priority: relPriority(rel),
			vector:   kind == "image/svg+xml" || strings.HasSuffix(strings.ToLower(href), ".svg"),
		})
	})
	if len(candidates) == 0 {
		return ""
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := candidates[i].rank(), candidates[j].rank()
		if ri != rj {
			return ri > rj
		}
		return candidates[i].priority > candidates[j].priority
	})
	return candidates[0].href
}

// parseSizes reads a sizes attribute. "any" is unbounded; otherwise the
// largest dimension across WxH tokens wins.
func parseSizes(raw string) (float64, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return 0, false
	}
	if raw == "any" {
		return math.Inf(1), true
	}
	best := 0
	for _, token := range strings.Fields(raw) {
		m := declaredSize.FindStringSubmatch(token)
		if m == nil {
			continue
		}
		best = max(best, atoi(m[1]), atoi(m[2]))
	}
	if best == 0 {
		return 0, false
	}
	return float64(best), true
}

// sizeFromHref guesses a resolution from digits in the icon path.
func sizeFromHref(href string) float64 {
	best := 0
	for _, m := range hrefPair.FindAllStringSubmatch(href, -1) {
		best = max(best, atoi(m[1]), atoi(m[2]))
	}
	if best > 0 {
		return float64(best)
	}
	for _, m := range hrefSingle.FindAllString(href, -1) {
		best = max(best, atoi(m))
	}
	return float64(best)
}

func isIconRel(rel []string) bool {
	for _, tok := range rel {
		switch tok {
		case "icon", "apple-touch-icon", "apple-touch-icon-precomposed", "shortcut":
			return true
		}
	}
	return false
}

func relPriority(rel []string) int {
	switch {
	case contains(rel, "apple-touch-icon"):
		return 4
	case contains(rel, "apple-touch-icon-precomposed"):
		return 3
	case contains(rel, "shortcut"):
		return 1
	case contains(rel, "icon"):
		return 2
	default:
		return 0
	}
}

func contains(tokens []string, want string) bool {
	for _, t := range tokens {
		if t == want {
			return true
		}
	}
	return false
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
