// Package recipe models the container build recipe for an ASGI web
// application: a linear pipeline of image-build steps rendered to a
// Dockerfile. Step order is significant for layer-cache reuse: the
// dependency manifest is copied and installed before the full source
// copy so unrelated source changes do not invalidate the install layer.
package recipe

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/samber/lo"
)

// Defaults for the canonical ASGI deployment recipe.
const (
	DefaultBaseImage = "python:3.11-slim"
	DefaultWorkDir   = "/app"
	DefaultManifest  = "requirements.txt"
	DefaultPort      = 3000
	DefaultServer    = "uvicorn"
)

// EnvVar is a build-time environment flag baked into the image and
// inherited by every process started from it.
type EnvVar struct {
	Key   string
	Value string
}

// Entrypoint names the application module and the ASGI application
// object inside it, in the server's module:attribute form.
type Entrypoint struct {
	Module    string
	Attribute string
}

// String returns the module:attribute form handed to the ASGI server.
func (e Entrypoint) String() string {
	return e.Module + ":" + e.Attribute
}

// ParseEntrypoint parses a module:attribute pair.
func ParseEntrypoint(s string) (Entrypoint, error) {
	module, attr, ok := strings.Cut(s, ":")
	if !ok {
		return Entrypoint{}, fmt.Errorf("entrypoint %q is not in module:attribute form", s)
	}
	ep := Entrypoint{Module: module, Attribute: attr}
	if !isIdentifier(ep.Module) || !isIdentifier(ep.Attribute) {
		return Entrypoint{}, fmt.Errorf("entrypoint %q has an invalid module or attribute name", s)
	}
	return ep, nil
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		case r == '.':
			// dotted module paths are allowed, empty segments are not
			if i == 0 || i == len(s)-1 || s[i-1] == '.' {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Recipe describes the image build and launch pipeline.
type Recipe struct {
	BaseImage      string
	Env            []EnvVar
	WorkDir        string
	SystemPackages []string
	Manifest       string
	Port           int
	Server         string
	Entrypoint     Entrypoint
}

// Default returns the canonical recipe: pinned slim Python base, no
// bytecode files, unbuffered output, system build tools with the apt
// cache purged, pip install without a local cache, and uvicorn serving
// main:app on all interfaces.
func Default() Recipe {
	return Recipe{
		BaseImage: DefaultBaseImage,
		Env: []EnvVar{
			{Key: "PYTHONDONTWRITEBYTECODE", Value: "1"},
			{Key: "PYTHONUNBUFFERED", Value: "1"},
		},
		WorkDir:        DefaultWorkDir,
		SystemPackages: []string{"build-essential", "gcc"},
		Manifest:       DefaultManifest,
		Port:           DefaultPort,
		Server:         DefaultServer,
		Entrypoint:     Entrypoint{Module: "main", Attribute: "app"},
	}
}

// bareToken reports whether s is non-empty and free of whitespace and
// control characters. Rendered values must never be able to break out
// of their Dockerfile directive and smuggle in another one.
func bareToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// Validate checks that the recipe can be rendered into a buildable
// Dockerfile.
func (r Recipe) Validate() error {
	if !bareToken(r.BaseImage) {
		return fmt.Errorf("base image %q must be a single non-empty token", r.BaseImage)
	}
	if !bareToken(r.WorkDir) {
		return fmt.Errorf("working directory %q must be a single non-empty token", r.WorkDir)
	}
	if !bareToken(r.Manifest) {
		return fmt.Errorf("dependency manifest %q must be a single non-empty token", r.Manifest)
	}
	if strings.ContainsAny(r.Manifest, "/\\") {
		return fmt.Errorf("dependency manifest %q must be a bare filename", r.Manifest)
	}
	for _, pkg := range r.SystemPackages {
		if !bareToken(pkg) {
			return fmt.Errorf("system package %q must be a single non-empty token", pkg)
		}
	}
	for _, e := range r.Env {
		if !bareToken(e.Key) || !bareToken(e.Value) {
			return fmt.Errorf("environment flag %s=%s must be single non-empty tokens", e.Key, e.Value)
		}
	}
	if r.Port < 1 || r.Port > 65535 {
		return fmt.Errorf("port %d is out of range", r.Port)
	}
	if !bareToken(r.Server) {
		return fmt.Errorf("server binary %q must be a single non-empty token", r.Server)
	}
	if _, err := ParseEntrypoint(r.Entrypoint.String()); err != nil {
		return err
	}
	return nil
}

// Render emits the Dockerfile for the recipe. Each step must succeed or
// the image build fails as a whole; no retries are generated.
func (r Recipe) Render() (string, error) {
	if err := r.Validate(); err != nil {
		return "", fmt.Errorf("invalid recipe: %w", err)
	}

	var b strings.Builder

	fmt.Fprintf(&b, "FROM %s\n\n", r.BaseImage)

	for _, e := range r.Env {
		fmt.Fprintf(&b, "ENV %s=%s\n", e.Key, e.Value)
	}
	if len(r.Env) > 0 {
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "WORKDIR %s\n\n", r.WorkDir)

	if len(r.SystemPackages) > 0 {
		// install and purge in a single layer so the apt lists never
		// land in the image
		fmt.Fprintf(&b, "RUN apt-get update && \\\n    apt-get install -y --no-install-recommends %s && \\\n    rm -rf /var/lib/apt/lists/*\n\n",
			strings.Join(r.SystemPackages, " "))
	}

	// manifest first: keeps the dependency install layer cache-valid
	// across source-only changes
	fmt.Fprintf(&b, "COPY %s .\n\n", r.Manifest)
	fmt.Fprintf(&b, "RUN pip install --no-cache-dir -r %s\n\n", r.Manifest)

	b.WriteString("COPY . .\n\n")

	fmt.Fprintf(&b, "EXPOSE %d\n\n", r.Port)

	cmd := lo.Map(r.launchCommand(), func(arg string, _ int) string {
		return fmt.Sprintf("%q", arg)
	})
	fmt.Fprintf(&b, "CMD [%s]\n", strings.Join(cmd, ", "))

	return b.String(), nil
}

// launchCommand is the exec-form default command: the ASGI server bound
// to all interfaces on the declared port, serving the named application
// object. Binding 0.0.0.0 rather than loopback is required for the
// server to be reachable from outside the container.
func (r Recipe) launchCommand() []string {
	return []string{
		r.Server,
		r.Entrypoint.String(),
		"--host", "0.0.0.0",
		"--port", fmt.Sprintf("%d", r.Port),
	}
}
