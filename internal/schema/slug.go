package schema

import (
	"regexp"
	"strings"
)

// SchemaPrefix is prepended to every derived tenant schema name.
const SchemaPrefix = "tenant_"

// Slug length bounds enforced at the API boundary.
const (
	MinSlugLength = 3
	MaxSlugLength = 50
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)

// ValidSlug reports whether slug satisfies the tenant slug constraints:
// lowercase alphanumerics and hyphens, 3-50 characters, no leading or
// trailing hyphen.
func ValidSlug(slug string) bool {
	if len(slug) < MinSlugLength || len(slug) > MaxSlugLength {
		return false
	}
	return slugPattern.MatchString(slug)
}

// SchemaNameForSlug derives the physical schema name for a tenant slug:
// lowercase, hyphens become underscores, fixed prefix. Deterministic and
// side-effect-free; the result must still pass NewSafeIdent before it is
// used in SQL, because the deriver itself does not reject adversarial input.
func SchemaNameForSlug(slug string) string {
	return SchemaPrefix + strings.ReplaceAll(strings.ToLower(slug), "-", "_")
}

// Slugify builds a candidate slug from an organization display name:
// lowercase, runs of non-alphanumerics collapse to single hyphens, bounded
// to the slug length limit. The result may still need a uniqueness suffix.
func Slugify(name string) string {
	slug := nonSlugChars.ReplaceAllString(strings.ToLower(name), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > MaxSlugLength {
		slug = strings.Trim(slug[:MaxSlugLength], "-")
	}
	return slug
}
