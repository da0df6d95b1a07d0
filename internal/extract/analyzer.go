// Package extract finds candidate business emails and contact-page links in
// rendered pages.
package extract

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/mcnijman/go-emailaddress"
	"go.uber.org/zap"

	"github.com/JakeFAU/contact-harvester/internal/crawler"
)

// Config tunes filtering and contact-page discovery.
type Config struct {
	DenyDomains     []string `mapstructure:"deny_domains" yaml:"deny_domains"`
	ContactKeywords []string `mapstructure:"contact_keywords" yaml:"contact_keywords"`
	MaxContactPages int      `mapstructure:"max_contact_pages" yaml:"max_contact_pages"`
}

// Analyzer implements crawler.Analyzer with goquery and go-emailaddress.
type Analyzer struct {
	deny            []string
	keywords        []string
	maxContactPages int
	logger          *zap.Logger
}

var defaultKeywords = []string{"contact", "kontakt", "contacto", "about", "impressum", "get-in-touch", "reach-us"}

var imageSuffixes = []string{".png", ".webp", ".jpg", ".jpeg", ".gif", ".svg"}

var reservedSuffixes = []string{".local", ".test", ".example", ".invalid", ".localhost"}

// New builds an Analyzer.
func New(cfg Config, logger *zap.Logger) *Analyzer {
	keywords := cfg.ContactKeywords
	if len(keywords) == 0 {
		keywords = defaultKeywords
	}
	maxPages := cfg.MaxContactPages
	if maxPages <= 0 {
		maxPages = 3
	}
	deny := append([]string{"sentry-next.wixpress.com", "sentry.io", "example.com"}, cfg.DenyDomains...)
	for i := range deny {
		deny[i] = strings.ToLower(strings.TrimSpace(deny[i]))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{
		deny:            deny,
		keywords:        lowerAll(keywords),
		maxContactPages: maxPages,
		logger:          logger,
	}
}

// ExtractCandidates returns normalized, deduplicated addresses: mailto
// anchors first, then addresses found in visible text.
func (a *Analyzer) ExtractCandidates(page crawler.PageResult) []string {
	if len(page.Body) == 0 {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	add := func(raw string) {
		email, ok := a.normalize(raw)
		if !ok || seen[email] {
			return
		}
		seen[email] = true
		out = append(out, email)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		a.logger.Debug("parse html failed, scanning raw body", zap.String("url", page.FinalURL), zap.Error(err))
		for _, addr := range emailaddress.Find(page.Body, false) {
			add(addr.String())
		}
		return out
	}

	doc.Find("a[href^='mailto:'], a[href^='MAILTO:']").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		value := href[len("mailto:"):]
		if i := strings.IndexByte(value, '?'); i >= 0 {
			value = value[:i]
		}
		if unescaped, err := url.PathUnescape(value); err == nil {
			value = unescaped
		}
		for _, part := range strings.Split(value, ",") {
			add(part)
		}
	})

	doc.Find("script, style, noscript").Remove()
	for _, addr := range emailaddress.Find([]byte(doc.Text()), false) {
		add(addr.String())
	}
	return out
}

func (a *Analyzer) normalize(raw string) (string, bool) {
	parsed, err := emailaddress.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	email := strings.ToLower(parsed.String())
	if !a.allowed(email) {
		return "", false
	}
	return email, true
}

func (a *Analyzer) allowed(email string) bool {
	for _, ext := range imageSuffixes {
		if strings.HasSuffix(email, ext) {
			return false
		}
	}
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return false
	}
	domain := email[at+1:]
	for _, suffix := range reservedSuffixes {
		if strings.HasSuffix(domain, suffix) {
			return false
		}
	}
	for _, d := range a.deny {
		if d != "" && (domain == d || strings.HasSuffix(domain, "."+d)) {
			return false
		}
	}
	return true
}

// ContactLinks returns same-host links that look like contact pages, capped
// at the configured maximum.
func (a *Analyzer) ContactLinks(page crawler.PageResult) []string {
	base := page.FinalURL
	if base == "" {
		base = page.RequestedURL
	}
	baseURL, err := url.Parse(base)
	if err != nil || len(page.Body) == 0 {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil
	}

	seen := map[string]bool{stripFragment(baseURL): true}
	var out []string
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		if !a.looksLikeContact(href, s.Text()) {
			return true
		}
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return true
		}
		abs := baseURL.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return true
		}
		if !strings.EqualFold(trimWWW(abs.Hostname()), trimWWW(baseURL.Hostname())) {
			return true
		}
		key := stripFragment(abs)
		if seen[key] {
			return true
		}
		seen[key] = true
		out = append(out, key)
		return len(out) < a.maxContactPages
	})
	return out
}

func (a *Analyzer) looksLikeContact(href, text string) bool {
	h := strings.ToLower(href)
	if strings.HasPrefix(h, "mailto:") || strings.HasPrefix(h, "tel:") || strings.HasPrefix(h, "javascript:") {
		return false
	}
	t := strings.ToLower(text)
	for _, k := range a.keywords {
		if strings.Contains(h, k) || strings.Contains(t, k) {
			return true
		}
	}
	return false
}

func stripFragment(u *url.URL) string {
	c := *u
	c.Fragment = ""
	return c.String()
}

func trimWWW(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

var _ crawler.Analyzer = (*Analyzer)(nil)

// VisibleText returns the page text without head, script and style content,
// capped at limit bytes when limit > 0.
func VisibleText(body []byte, limit int) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	doc.Find("head, script, style, noscript").Remove()
	text := strings.Join(strings.Fields(doc.Text()), " ")
	if limit > 0 && len(text) > limit {
		text = text[:limit]
	}
	return text
}
