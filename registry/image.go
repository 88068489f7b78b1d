package registry

import (
	"fmt"
	"strings"
)

const (
	// DefaultRegistry is the canonical API host of Docker Hub. All Docker Hub
	// aliases normalize to it so credential and token cache lookups behave the
	// same regardless of how a reference was written.
	DefaultRegistry = "index.docker.io"

	defaultNamespace = "library"
	defaultTag       = "latest"
)

// Image is a normalized container image reference. Exactly one of Tag or
// Digest addresses the manifest; Digest wins when both were written.
type Image struct {
	Registry   string
	Repository string
	Tag        string
	Digest     string
	Original   string
}

// Reference returns the digest when present, the tag otherwise.
func (i Image) Reference() string {
	if i.Digest != "" {
		return i.Digest
	}

	return i.Tag
}

func (i Image) String() string {
	if i.Digest != "" {
		return fmt.Sprintf("%s/%s@%s", i.Registry, i.Repository, i.Digest)
	}

	return fmt.Sprintf("%s/%s:%s", i.Registry, i.Repository, i.Tag)
}

// Parse interprets a free-form image string. It never fails: malformed input
// degrades to a best-effort reading instead of returning an error.
func Parse(name string) Image {
	img := Image{Original: name}
	rest := strings.TrimSpace(name)

	if idx := strings.Index(rest, "@"); idx != -1 {
		img.Digest = rest[idx+1:]
		rest = rest[:idx]
	}

	// A colon after the last slash separates the tag. A colon followed by a
	// path segment belongs to a registry port and stays untouched.
	if idx := strings.LastIndex(rest, ":"); idx != -1 && idx > strings.LastIndex(rest, "/") {
		if img.Digest == "" {
			img.Tag = rest[idx+1:]
		}
		rest = rest[:idx]
	}

	if idx := strings.Index(rest, "/"); idx != -1 {
		first := rest[:idx]
		if strings.ContainsAny(first, ".:") || first == "localhost" {
			img.Registry = NormalizeRegistry(first)
			rest = rest[idx+1:]
		}
	}

	if img.Registry == "" {
		img.Registry = DefaultRegistry
	}

	if img.Registry == DefaultRegistry && !strings.Contains(rest, "/") {
		rest = defaultNamespace + "/" + rest
	}

	img.Repository = rest
	if img.Tag == "" && img.Digest == "" {
		img.Tag = defaultTag
	}

	return img
}

// NormalizeRegistry maps known aliases of Docker Hub to DefaultRegistry.
func NormalizeRegistry(host string) string {
	switch host {
	case "docker.io", "registry-1.docker.io", DefaultRegistry:
		return DefaultRegistry
	}

	return host
}
