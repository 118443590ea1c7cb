package search

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"

	"halfcircuit/searchcoordinator/internal/domain"
)

const (
	deniedDomainSuffix = "wikipedia.org"
	defaultDescription = "No description available."
	defaultPublishDate = "—"
	defaultCategory    = "resources"
	unknownDomain      = "unknown"
	faviconServiceFmt  = "https://www.google.com/s2/favicons?domain=%s&sz=32"
)

// Normalize maps the raw provider items onto canonical results. It never
// fails: items without a usable URL or from a denied domain are dropped and
// the survivors keep their relative order. IDs are assigned after filtering.
func Normalize(raw []domain.RawResult) []domain.Result {
	out := make([]domain.Result, 0, len(raw))
	for _, item := range raw {
		result, ok := normalizeItem(item)
		if !ok {
			continue
		}
		result.ID = len(out) + 1
		out = append(out, result)
	}
	return out
}

func normalizeItem(item domain.RawResult) (domain.Result, bool) {
	rawURL := strings.TrimSpace(item.URL)
	if rawURL == "" {
		rawURL = strings.TrimSpace(item.Link)
	}
	if rawURL == "" {
		return domain.Result{}, false
	}

	host := extractDomain(rawURL)
	if isDeniedDomain(host) {
		return domain.Result{}, false
	}

	favicon := strings.TrimSpace(item.Favicon)
	if favicon == "" {
		favicon = fmt.Sprintf(faviconServiceFmt, host)
	}

	return domain.Result{
		Title:       firstNonEmpty(item.Title, rawURL),
		Description: firstNonEmpty(item.Snippet, defaultDescription),
		URL:         rawURL,
		Domain:      host,
		Favicon:     favicon,
		PublishDate: firstNonEmpty(item.PublishedDate, item.PublishDate, defaultPublishDate),
		Category:    capitalizeFirst(firstNonEmpty(item.Category, item.ContentType, defaultCategory)),
	}, true
}

// extractDomain prefers a real URL parse and falls back to naive splitting
// so that a display domain is always available.
func extractDomain(rawURL string) string {
	if parsed, err := url.Parse(rawURL); err == nil {
		if host := strings.ToLower(parsed.Hostname()); host != "" {
			return host
		}
	}
	parts := strings.Split(rawURL, "/")
	if len(parts) > 2 && strings.TrimSpace(parts[2]) != "" {
		return strings.ToLower(strings.TrimSpace(parts[2]))
	}
	return unknownDomain
}

func isDeniedDomain(host string) bool {
	return strings.HasSuffix(strings.ToLower(host), deniedDomainSuffix)
}

func capitalizeFirst(value string) string {
	if value == "" {
		return value
	}
	first, size := utf8.DecodeRuneInString(value)
	if first == utf8.RuneError {
		return value
	}
	return string(unicode.ToUpper(first)) + value[size:]
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
