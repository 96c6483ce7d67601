// Package blockdetect recognizes pages that answer 200 but are really a
// throttle or bot challenge. Fetchers report such pages as rate limited so the
// source's throttle escalates instead of the page being scored as content.
package blockdetect

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/acquisition-engine/internal/acquire"
)

const defaultShellSize = 2048

// challengeMarkers are widget hooks that only challenge pages carry.
var challengeMarkers = [][]byte{
	[]byte("g-recaptcha"),
	[]byte("h-captcha"),
	[]byte("cf-challenge"),
	[]byte("cf-browser-verification"),
}

// throttlePhrases only count in the page title or in a short body; real
// content may quote them.
var throttlePhrases = []string{
	"too many requests",
	"rate limit exceeded",
	"unusual traffic",
}

// Detector flags challenge pages and near-empty script shells.
type Detector struct {
	// ShellSize is the body length under which a script-dominated page is
	// treated as a challenge shell.
	ShellSize int
}

// New returns a Detector. A zero shellSize uses 2 KiB.
func New(shellSize int) *Detector {
	if shellSize <= 0 {
		shellSize = defaultShellSize
	}
	return &Detector{ShellSize: shellSize}
}

// Blocked reports whether doc looks like a soft block and why.
func (d *Detector) Blocked(doc acquire.Document) (string, bool) {
	if doc.StatusCode != 0 && doc.StatusCode != 200 {
		return "", false
	}
	body := bytes.TrimSpace(doc.Body)
	if len(body) == 0 {
		return "empty body", true
	}
	lower := bytes.ToLower(body)
	for _, m := range challengeMarkers {
		if bytes.Contains(lower, m) {
			return "challenge marker " + string(m), true
		}
	}
	short := len(body) < d.ShellSize
	page, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", false
	}
	title := strings.ToLower(page.Find("title").First().Text())
	for _, p := range throttlePhrases {
		if strings.Contains(title, p) {
			return "title " + p, true
		}
		if short && bytes.Contains(lower, []byte(p)) {
			return "short body " + p, true
		}
	}
	if short && scriptHeavy(page) {
		return "script shell", true
	}
	return "", false
}

// scriptHeavy reports whether inline script outweighs visible text. It strips
// scripts from page.
func scriptHeavy(page *goquery.Document) bool {
	var script int
	page.Find("script").Each(func(_ int, s *goquery.Selection) {
		script += len(strings.TrimSpace(s.Text()))
	})
	if script == 0 {
		return false
	}
	page.Find("script, style, noscript").Remove()
	visible := len(strings.Join(strings.Fields(page.Text()), " "))
	return script >= visible
}
