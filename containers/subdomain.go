package containers

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"kalpana.dev/security"
)

// subdomainPattern is the DNS label shape accepted for custom subdomains.
var subdomainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

const maxSubdomainLen = 63

// ValidSubdomain reports whether a user-supplied subdomain is an acceptable
// DNS label.
func ValidSubdomain(s string) bool {
	return subdomainPattern.MatchString(s)
}

// SanitizeName lowercases a display name and squeezes every run of
// non-label characters into a single hyphen.
func SanitizeName(name string) string {
	lower := strings.ToLower(name)
	var b strings.Builder
	lastHyphen := true // suppress leading hyphen
	for _, r := range lower {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

// GenerateSubdomain builds a subdomain from a class prefix and a sanitized
// resource name, appending a random suffix on collision. taken reports
// whether a candidate is already in use. Gives up after 10 attempts.
func GenerateSubdomain(ctx context.Context, prefix, name string, taken func(context.Context, string) (bool, error)) (string, error) {
	base := truncateLabel(prefix + SanitizeName(name))
	if base == "" || !ValidSubdomain(base) {
		base = strings.TrimSuffix(prefix, "-")
	}

	candidate := base
	for attempt := 0; attempt < 10; attempt++ {
		inUse, err := taken(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !inUse {
			return candidate, nil
		}
		suffix, err := security.GenerateSlug(6)
		if err != nil {
			return "", err
		}
		// keep the suffix intact; shorten the base if the label would
		// overflow 63 characters
		head := base
		if maxBase := maxSubdomainLen - len(suffix) - 1; len(head) > maxBase {
			head = strings.TrimRight(head[:maxBase], "-")
		}
		candidate = head + "-" + suffix
	}
	return "", fmt.Errorf("could not find a free subdomain for %q", name)
}

// truncateLabel caps a label at 63 characters and trims any trailing hyphen
// left by the cut.
func truncateLabel(label string) string {
	if len(label) > maxSubdomainLen {
		label = label[:maxSubdomainLen]
	}
	return strings.TrimRight(label, "-")
}
