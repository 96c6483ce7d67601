// Package discovery generates fetch targets for a job lazily. A Sequence walks
// the subcategory paths of one source category round-robin, advancing a page
// counter per path, so large targets never materialize their full task list.
package discovery

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/JakeFAU/acquisition-engine/internal/acquire"
)

const (
	// DefaultMaxPages bounds a path when the profile does not.
	DefaultMaxPages = 50
	// MaxConsecutiveFailures exhausts a path after this many permanent failures in a row.
	MaxConsecutiveFailures = 5

	defaultTemplate = "{base}{path}{page}"
)

// Target is one discovered page.
type Target struct {
	Subcategory string
	Path        string
	Page        int
	URL         string
}

// Cursor captures the position of a Sequence so it can be resumed.
type Cursor = acquire.DiscoveryCursor

type pathState struct {
	path      string
	sub       string
	page      int
	failures  int
	exhausted bool
}

// Sequence is a restartable, round-robin page generator. It is safe for
// concurrent use.
type Sequence struct {
	mu       sync.Mutex
	base     string
	template string
	maxPages int
	paths    []*pathState
	bySub    map[string]*pathState
	next     int
}

// New builds a sequence for category on profile, resuming from cursor when
// non-nil.
func New(profile acquire.SourceProfile, category string, cursor *Cursor) (*Sequence, error) {
	paths, ok := profile.Categories[category]
	if !ok || len(paths) == 0 {
		return nil, fmt.Errorf("source %s has no category %q: %w", profile.ID, category, acquire.ErrUnknownSource)
	}
	maxPages := profile.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	tmpl := profile.PageTemplate
	if tmpl == "" {
		tmpl = defaultTemplate
	}
	s := &Sequence{
		base:     strings.TrimRight(profile.BaseURL, "/"),
		template: tmpl,
		maxPages: maxPages,
		bySub:    make(map[string]*pathState, len(paths)),
	}
	for _, p := range paths {
		st := &pathState{path: p, sub: Subcategory(p), page: 1}
		s.paths = append(s.paths, st)
		s.bySub[st.sub] = st
	}
	if cursor != nil {
		s.restore(*cursor)
	}
	return s, nil
}

func (s *Sequence) restore(c Cursor) {
	if len(s.paths) > 0 {
		s.next = c.Next % len(s.paths)
		if s.next < 0 {
			s.next = 0
		}
	}
	for _, st := range s.paths {
		if page, ok := c.Pages[st.sub]; ok && page > 0 {
			st.page = page
		}
		st.failures = c.Failures[st.sub]
		st.exhausted = c.Exhausted[st.sub] || st.page > s.maxPages
	}
}

// Next returns the next target, or false once every path is exhausted.
func (s *Sequence) Next() (Target, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for range s.paths {
		st := s.paths[s.next]
		s.next = (s.next + 1) % len(s.paths)
		if st.exhausted {
			continue
		}
		t := Target{
			Subcategory: st.sub,
			Path:        st.path,
			Page:        st.page,
			URL:         PageURL(s.base, s.template, st.path, st.page),
		}
		st.page++
		if st.page > s.maxPages {
			st.exhausted = true
		}
		return t, true
	}
	return Target{}, false
}

// ReportPermanent records a permanent failure for a subcategory. Enough of
// them in a row retire the path.
func (s *Sequence) ReportPermanent(subcategory string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.bySub[subcategory]
	if !ok {
		return
	}
	st.failures++
	if st.failures >= MaxConsecutiveFailures {
		st.exhausted = true
	}
}

// ReportSuccess resets the failure streak for a subcategory.
func (s *Sequence) ReportSuccess(subcategory string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.bySub[subcategory]; ok {
		st.failures = 0
	}
}

// Exhausted reports whether no further targets can be produced.
func (s *Sequence) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.paths {
		if !st.exhausted {
			return false
		}
	}
	return true
}

// Cursor snapshots the current position.
func (s *Sequence) Cursor() Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := Cursor{
		Next:      s.next,
		Pages:     make(map[string]int, len(s.paths)),
		Failures:  make(map[string]int, len(s.paths)),
		Exhausted: make(map[string]bool, len(s.paths)),
	}
	for _, st := range s.paths {
		c.Pages[st.sub] = st.page
		c.Failures[st.sub] = st.failures
		c.Exhausted[st.sub] = st.exhausted
	}
	return c
}

// PageURL renders the URL of page n of path. When the page token directly
// follows the path, page 1 is the bare path.
func PageURL(base, template, p string, page int) string {
	token := strconv.Itoa(page)
	if page == 1 && strings.Contains(template, "{path}{page}") {
		token = ""
	}
	r := strings.NewReplacer("{base}", base, "{path}", p, "{page}", token)
	return r.Replace(template)
}

// Subcategory derives a subcategory name from a path: its last segment with
// dashes turned into underscores.
func Subcategory(p string) string {
	name := path.Base(strings.TrimRight(p, "/"))
	if name == "." || name == "/" {
		return p
	}
	return strings.ReplaceAll(name, "-", "_")
}
