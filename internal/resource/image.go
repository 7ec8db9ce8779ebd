package resource

import (
	"strings"

	"github.com/distribution/reference"
)

// NormalizeImage returns the familiar "name:tag" form of an image reference.
// The implicit latest tag is made explicit and any digest suffix is dropped,
// so references written by users and tags reported by the daemon compare
// equal.
//
// Examples:
//   - "nginx" → "nginx:latest"
//   - "docker.io/library/nginx:1.23" → "nginx:1.23"
//   - "ghcr.io/open-webui/open-webui:main@sha256:abc..." → "ghcr.io/open-webui/open-webui:main"
func NormalizeImage(image string) string {
	image = strings.TrimSpace(image)
	if image == "" {
		return ""
	}
	named, err := reference.ParseNormalizedNamed(image)
	if err != nil {
		if idx := strings.Index(image, "@sha256:"); idx != -1 {
			return image[:idx]
		}
		return image
	}
	if tagged, ok := named.(reference.Tagged); ok {
		withTag, err := reference.WithTag(reference.TrimNamed(named), tagged.Tag())
		if err == nil {
			return reference.FamiliarString(withTag)
		}
	}
	return reference.FamiliarString(reference.TagNameOnly(reference.TrimNamed(named)))
}

// ImageDigest returns the pinned digest of an image reference, or "" when the
// reference is not pinned.
func ImageDigest(image string) string {
	named, err := reference.ParseNormalizedNamed(strings.TrimSpace(image))
	if err != nil {
		return ""
	}
	if canonical, ok := named.(reference.Canonical); ok {
		return canonical.Digest().String()
	}
	return ""
}

// ValidImage reports whether the reference parses.
func ValidImage(image string) bool {
	_, err := reference.ParseNormalizedNamed(strings.TrimSpace(image))
	return err == nil
}
