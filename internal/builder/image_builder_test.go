package builder

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/appdock/appdock/internal/recipe"
	"github.com/appdock/appdock/internal/shared/uuid"
)

func TestBuildRequestValidate(t *testing.T) {
	valid := BuildRequest{
		Name:      "drive-api",
		SourceDir: "/src/drive-api",
		Recipe:    recipe.Default(),
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*BuildRequest)
	}{
		{"missing name", func(r *BuildRequest) { r.Name = "" }},
		{"no source", func(r *BuildRequest) { r.SourceDir = "" }},
		{"both sources", func(r *BuildRequest) { r.RepoURL = "https://example.com/repo.git" }},
		{"bad recipe", func(r *BuildRequest) { r.Recipe.BaseImage = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			if err := req.Validate(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestCheckManifest(t *testing.T) {
	dir := t.TempDir()

	if err := checkManifest(dir, "requirements.txt"); err == nil {
		t.Fatalf("expected error for missing manifest")
	}

	path := filepath.Join(dir, "requirements.txt")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if err := checkManifest(dir, "requirements.txt"); err == nil {
		t.Fatalf("expected error for empty manifest")
	}

	if err := os.WriteFile(path, []byte("fastapi==0.110.0\nuvicorn\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := checkManifest(dir, "requirements.txt"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestCopyTree(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	if err := os.MkdirAll(filepath.Join(src, "src", "routers"), 0755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"main.py":              "app = object()\n",
		"requirements.txt":     "fastapi\n",
		"src/routers/files.py": "router = object()\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(src, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	if err := copyTree(src, dst); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	for name, content := range files {
		data, err := os.ReadFile(filepath.Join(dst, name))
		if err != nil {
			t.Fatalf("missing copied file %s: %v", name, err)
		}
		if string(data) != content {
			t.Fatalf("file %s content mismatch: %q", name, data)
		}
	}
}

func TestPrepareContextManifestPreflight(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "main.py"), []byte("app = object()\n"), 0644); err != nil {
		t.Fatal(err)
	}

	d := &DockerBuilder{logger: slog.New(slog.DiscardHandler)}

	// no manifest in the source: the recipe pipeline fails before any
	// Dockerfile is written
	buildDir := t.TempDir()
	req := &BuildRequest{Name: "drive-api", SourceDir: src, Recipe: recipe.Default()}
	err := d.prepareContext(context.Background(), req, buildDir)
	if err == nil || !strings.Contains(err.Error(), "requirements.txt not found") {
		t.Fatalf("expected manifest preflight error, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(buildDir, "Dockerfile")); statErr == nil {
		t.Fatalf("no Dockerfile should be written after a failed preflight")
	}

	// with a manifest, the recipe is rendered into the context
	if err := os.WriteFile(filepath.Join(src, "requirements.txt"), []byte("fastapi\nuvicorn\n"), 0644); err != nil {
		t.Fatal(err)
	}
	buildDir = t.TempDir()
	if err := d.prepareContext(context.Background(), req, buildDir); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	rendered, err := os.ReadFile(filepath.Join(buildDir, "Dockerfile"))
	if err != nil {
		t.Fatalf("expected rendered Dockerfile: %v", err)
	}
	if !strings.Contains(string(rendered), "FROM python:3.11-slim") {
		t.Fatalf("unexpected Dockerfile: %s", rendered)
	}
}

func TestPrepareContextExistingDockerfile(t *testing.T) {
	// a poetry-style app: shipped Dockerfile, no requirements.txt
	src := t.TempDir()
	shipped := "FROM python:3.11-slim\nRUN pip install poetry\nCOPY . .\nRUN poetry install\nCMD [\"uvicorn\", \"main:app\"]\n"
	if err := os.WriteFile(filepath.Join(src, "Dockerfile"), []byte(shipped), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "pyproject.toml"), []byte("[tool.poetry]\n"), 0644); err != nil {
		t.Fatal(err)
	}

	d := &DockerBuilder{logger: slog.New(slog.DiscardHandler)}
	buildDir := t.TempDir()

	req := &BuildRequest{Name: "drive-api", SourceDir: src, UseExistingDockerfile: true}
	if err := d.prepareContext(context.Background(), req, buildDir); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	data, err := os.ReadFile(filepath.Join(buildDir, "Dockerfile"))
	if err != nil {
		t.Fatalf("expected staged Dockerfile: %v", err)
	}
	if string(data) != shipped {
		t.Fatalf("shipped Dockerfile was not used as-is: %q", data)
	}

	// without a shipped Dockerfile the request still fails
	req.SourceDir = t.TempDir()
	if err := d.prepareContext(context.Background(), req, t.TempDir()); err == nil {
		t.Fatalf("expected error for missing shipped Dockerfile")
	}
}

func TestGenerateImageTag(t *testing.T) {
	id := uuid.MustParse("0192a1b2-c3d4-7e5f-8a9b-0c1d2e3f4a5b")

	d := &DockerBuilder{}
	tag := d.generateImageTag(&BuildRequest{ID: id, Name: "Drive-API"})
	if tag != "drive-api:0192a1b2" {
		t.Fatalf("unexpected tag: %s", tag)
	}

	d = &DockerBuilder{registry: "registry.example.com"}
	tag = d.generateImageTag(&BuildRequest{ID: id, Name: "drive-api"})
	if tag != "registry.example.com/drive-api:0192a1b2" {
		t.Fatalf("unexpected tag: %s", tag)
	}
}

func TestDecodeBuildStream(t *testing.T) {
	ok := `{"stream":"Step 1/9 : FROM python:3.11-slim\n"}
{"stream":" ---> abcdef012345\n"}
{"stream":"Successfully built abcdef012345\n"}
`
	log, err := decodeBuildStream(strings.NewReader(ok))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !strings.Contains(log, "Step 1/9") || !strings.Contains(log, "Successfully built") {
		t.Fatalf("unexpected log: %q", log)
	}

	failed := `{"stream":"Step 6/9 : RUN pip install --no-cache-dir -r requirements.txt\n"}
{"errorDetail":{"message":"The command '/bin/sh -c pip install --no-cache-dir -r requirements.txt' returned a non-zero code: 1"},"error":"pip install failed"}
`
	log, err = decodeBuildStream(strings.NewReader(failed))
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "returned a non-zero code") {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(log, "Step 6/9") {
		t.Fatalf("log before the failure should be preserved: %q", log)
	}
}
