package schema

import (
	"strings"
	"testing"
)

func TestValidSlug(t *testing.T) {
	valid := []string{"acme-corp", "my-org", "abc", "a1b", "team-42-qa"}
	for _, slug := range valid {
		if !ValidSlug(slug) {
			t.Errorf("ValidSlug(%q) = false, want true", slug)
		}
	}

	invalid := []string{"", "ab", "-acme", "acme-", "Acme", "acme_corp", "a b", strings.Repeat("a", 51)}
	for _, slug := range invalid {
		if ValidSlug(slug) {
			t.Errorf("ValidSlug(%q) = true, want false", slug)
		}
	}
}

func TestSchemaNameForSlug(t *testing.T) {
	got := SchemaNameForSlug("my-org")
	if got != "tenant_my_org" {
		t.Errorf("SchemaNameForSlug(my-org) = %q, want tenant_my_org", got)
	}

	// Deterministic and idempotent: two calls for the same slug agree.
	if SchemaNameForSlug("acme-corp") != SchemaNameForSlug("acme-corp") {
		t.Error("SchemaNameForSlug is not deterministic")
	}

	for _, slug := range []string{"acme-corp", "abc", "team-42-qa"} {
		name := SchemaNameForSlug(slug)
		if !strings.HasPrefix(name, SchemaPrefix) {
			t.Errorf("SchemaNameForSlug(%q) = %q, missing prefix", slug, name)
		}
		if !ValidIdentifier(name) {
			t.Errorf("SchemaNameForSlug(%q) = %q is not a safe identifier", slug, name)
		}
	}
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Acme Corp":        "acme-corp",
		"QA Team (Berlin)": "qa-team-berlin",
		"  spaced  out  ":  "spaced-out",
		"already-a-slug":   "already-a-slug",
	}
	for name, want := range cases {
		if got := Slugify(name); got != want {
			t.Errorf("Slugify(%q) = %q, want %q", name, got, want)
		}
	}

	long := Slugify(strings.Repeat("name ", 30))
	if len(long) > MaxSlugLength {
		t.Errorf("Slugify result exceeds %d chars: %q", MaxSlugLength, long)
	}
}
