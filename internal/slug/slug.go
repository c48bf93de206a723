// Package slug derives URL slugs from display names.
package slug

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/kosarica/marketplace-service/internal/database"
	"github.com/kosarica/marketplace-service/internal/filter"
)

// Fallback is used when a name has no sluggable characters
const Fallback = "item"

var (
	disallowedRe = regexp.MustCompile(`[^a-z0-9_\s-]`)
	spaceRe      = regexp.MustCompile(`\s+`)
	hyphenRe     = regexp.MustCompile(`-{2,}`)
)

// foldDiacritics converts "Téléphones" to "Telephones"
func foldDiacritics(s string) string {
	// đ has no decomposition
	s = strings.NewReplacer("đ", "d", "Đ", "D", "ß", "ss", "ø", "o", "Ø", "O", "ł", "l", "Ł", "L").Replace(s)
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return result
}

// Make returns the slug for name: lowercase, diacritics folded, anything but
// word characters, whitespace and hyphens dropped, whitespace runs turned
// into single hyphens, hyphen runs collapsed, surrounding hyphens trimmed.
func Make(name string) string {
	s := strings.ToLower(foldDiacritics(strings.TrimSpace(name)))
	s = disallowedRe.ReplaceAllString(s, "")
	s = spaceRe.ReplaceAllString(s, "-")
	s = hyphenRe.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return Fallback
	}
	return s
}

// NextFree returns base if it is not taken, otherwise base-N with the
// smallest N >= 2 not present in taken.
func NextFree(base string, taken []string) string {
	used := make(map[int]bool, len(taken))
	baseTaken := false
	prefix := base + "-"
	for _, t := range taken {
		if t == base {
			baseTaken = true
			continue
		}
		if !strings.HasPrefix(t, prefix) {
			continue
		}
		if n, err := strconv.Atoi(t[len(prefix):]); err == nil && n >= 2 {
			used[n] = true
		}
	}
	if !baseTaken {
		return base
	}
	for n := 2; ; n++ {
		if !used[n] {
			return fmt.Sprintf("%s-%d", base, n)
		}
	}
}

// Tables that carry a unique slug column
const (
	TableCategories = "categories"
	TableProducts   = "products"
	TableMerchants  = "merchants"
)

// Unique derives a slug for name that is free in table. excludeID skips the
// row being renamed (0 for inserts). The unique index remains the final
// arbiter under concurrent inserts.
func Unique(ctx context.Context, q database.Querier, table, name string, excludeID int64) (string, error) {
	switch table {
	case TableCategories, TableProducts, TableMerchants:
	default:
		return "", fmt.Errorf("slug: unsupported table %q", table)
	}

	base := Make(name)
	rows, err := q.Query(ctx, `
		SELECT slug FROM `+table+`
		WHERE (slug = $1 OR slug LIKE $2) AND id <> $3
	`, base, filter.EscapeLike(base)+"-%", excludeID)
	if err != nil {
		return "", fmt.Errorf("failed to query slugs: %w", err)
	}
	defer rows.Close()

	var taken []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return "", fmt.Errorf("failed to scan slug: %w", err)
		}
		taken = append(taken, s)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("error iterating slugs: %w", err)
	}

	return NextFree(base, taken), nil
}
