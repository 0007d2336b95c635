// Package crawler defines core types shared across subsystems.
package crawler

// Mode selects which fetch strategy a crawl runs.
type Mode string

// Crawl modes accepted at the request boundary.
const (
	ModeAuto    Mode = "auto"
	ModeStatic  Mode = "static"
	ModeDynamic Mode = "dynamic"
)

// String returns the wire name of the mode.
func (m Mode) String() string {
	return string(m)
}

// Metadata holds the link-preview fields extracted from a document.
// Empty strings mean the field was not found.
type Metadata struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
	SiteName    string `json:"site_name"`
	Image       string `json:"image"`
	Favicon     string `json:"favicon"`
}

// Timing captures per-attempt measurements in milliseconds.
type Timing struct {
	FetchMs      int64          `json:"fetchMs,omitempty"`
	LaunchMs     int64          `json:"launchMs,omitempty"`
	NavigationMs int64          `json:"navigationMs,omitempty"`
	ExtractMs    int64          `json:"extractMs,omitempty"`
	TotalMs      int64          `json:"totalMs"`
	Meta         map[string]any `json:"meta,omitempty"`
}

// Clone returns a deep copy of the timing record.
func (t *Timing) Clone() *Timing {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Meta != nil {
		cp.Meta = make(map[string]any, len(t.Meta))
		for k, v := range t.Meta {
			cp.Meta[k] = v
		}
	}
	return &cp
}

// Timings groups the timing records of each strategy that ran for a request.
type Timings struct {
	Static  *Timing `json:"static,omitempty"`
	Dynamic *Timing `json:"dynamic,omitempty"`
}

// Empty reports whether no strategy recorded timings.
func (t Timings) Empty() bool {
	return t.Static == nil && t.Dynamic == nil
}

// Page is the outcome of a single successful strategy attempt.
type Page struct {
	Metadata Metadata
	FinalURL string
	Timing   Timing
}

// CacheInfo describes the cache lookup performed for a request.
type CacheInfo struct {
	Hit   bool   `json:"hit"`
	Key   string `json:"key"`
	TTLMs int64  `json:"ttlMs"`
	AgeMs int64  `json:"ageMs,omitempty"`
}

// Result is what the orchestrator hands back for a successful crawl.
type Result struct {
	Metadata Metadata
	Mode     Mode
	Fallback bool
	Timings  Timings
	Cache    *CacheInfo
	// StaticError is the absorbed static failure that triggered escalation.
	StaticError error
	// DynamicError is set when a weak static result was kept because
	// the escalated dynamic attempt failed.
	DynamicError error
}

// Cached is the portion of a Result that is stored in the content cache.
type Cached struct {
	Metadata Metadata
	Mode     Mode
	Fallback bool
}
