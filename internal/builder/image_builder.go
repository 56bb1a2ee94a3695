package builder

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/moby/go-archive"

	"github.com/appdock/appdock/internal/recipe"
	"github.com/appdock/appdock/internal/shared/uuid"
)

// BuildRequest describes one image build. Source comes either from a
// local directory or from a git repository at a specific commit.
type BuildRequest struct {
	ID         uuid.UUID
	Name       string
	SourceDir  string
	RepoURL    string
	CommitHash string

	// Recipe is rendered into the build context as the Dockerfile.
	Recipe recipe.Recipe

	// UseExistingDockerfile keeps a Dockerfile already present in the
	// source instead of rendering the recipe.
	UseExistingDockerfile bool
}

// Validate checks the request names exactly one source.
func (r *BuildRequest) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("build name is required")
	}
	if r.SourceDir == "" && r.RepoURL == "" {
		return fmt.Errorf("either a source directory or a repository URL is required")
	}
	if r.SourceDir != "" && r.RepoURL != "" {
		return fmt.Errorf("source directory and repository URL are mutually exclusive")
	}
	if !r.UseExistingDockerfile {
		if err := r.Recipe.Validate(); err != nil {
			return fmt.Errorf("invalid recipe: %w", err)
		}
	}
	return nil
}

// BuildResult represents the result of a build operation
type BuildResult struct {
	Success  bool
	ImageTag string
	BuildLog string
	Error    error
	Duration time.Duration
}

// ImageBuilder defines the interface for building container images
type ImageBuilder interface {
	// Build builds a container image from the given build request
	Build(ctx context.Context, req *BuildRequest) *BuildResult

	// Name returns the name of the builder implementation
	Name() string

	// Cleanup performs any necessary cleanup operations
	Cleanup() error
}

// DockerBuilder implements ImageBuilder using the Docker Go SDK
type DockerBuilder struct {
	logger       *slog.Logger
	workDir      string
	registry     string
	dockerClient *client.Client
}

// DockerBuilderConfig holds configuration for the Docker builder
type DockerBuilderConfig struct {
	WorkDir  string // Directory where build contexts are staged
	Registry string // Container registry to push images to
}

// NewDockerBuilder creates a new DockerBuilder instance
func NewDockerBuilder(config DockerBuilderConfig, logger *slog.Logger) (*DockerBuilder, error) {
	if config.WorkDir == "" {
		config.WorkDir = "/tmp/appdock-builds"
	}

	if err := os.MkdirAll(config.WorkDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	// Verify Docker is available by pinging the daemon
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := dockerClient.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker daemon is not available: %w", err)
	}

	return &DockerBuilder{
		logger:       logger,
		workDir:      config.WorkDir,
		registry:     config.Registry,
		dockerClient: dockerClient,
	}, nil
}

// Name returns the name of the Docker builder
func (d *DockerBuilder) Name() string {
	return "docker"
}

// Ping verifies the Docker daemon is reachable, for readiness checks.
func (d *DockerBuilder) Ping(ctx context.Context) error {
	if _, err := d.dockerClient.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon is not available: %w", err)
	}
	return nil
}

// Build stages a build context, renders the recipe into it, and drives a
// Docker image build. Any failing step aborts the whole build; no image
// is produced and no retry is attempted.
func (d *DockerBuilder) Build(ctx context.Context, req *BuildRequest) *BuildResult {
	startTime := time.Now()

	result := &BuildResult{
		Success: false,
	}

	fail := func(err error) *BuildResult {
		result.Error = err
		if result.BuildLog == "" {
			result.BuildLog = fmt.Sprintf("Error: %v", err)
		}
		result.Duration = time.Since(startTime)
		return result
	}

	if err := req.Validate(); err != nil {
		return fail(err)
	}
	if req.ID.IsNil() {
		req.ID = uuid.New()
	}

	d.logger.Info("Starting Docker build",
		"build_id", req.ID,
		"name", req.Name,
		"source", req.SourceDir,
		"repo", req.RepoURL,
		"commit", req.CommitHash)

	// Stage a per-build context directory
	buildDir := filepath.Join(d.workDir, fmt.Sprintf("build-%s-%d", req.ID.Short(), time.Now().Unix()))
	if err := os.MkdirAll(buildDir, 0755); err != nil {
		return fail(fmt.Errorf("failed to create build directory: %w", err))
	}

	defer func() {
		if err := os.RemoveAll(buildDir); err != nil {
			d.logger.Warn("Failed to cleanup build directory", "dir", buildDir, "error", err)
		}
	}()

	if err := d.prepareContext(ctx, req, buildDir); err != nil {
		return fail(err)
	}

	imageTag := d.generateImageTag(req)
	result.ImageTag = imageTag

	buildLog, err := d.buildDockerImage(ctx, buildDir, imageTag)
	result.BuildLog = buildLog

	if err != nil {
		result.Error = fmt.Errorf("docker build failed: %w", err)
		result.Duration = time.Since(startTime)
		return result
	}

	if d.registry != "" {
		pushLog, err := d.pushDockerImage(ctx, imageTag)
		result.BuildLog += "\n" + pushLog

		if err != nil {
			result.Error = fmt.Errorf("docker push failed: %w", err)
			result.Duration = time.Since(startTime)
			return result
		}
	}

	result.Success = true
	result.Duration = time.Since(startTime)

	d.logger.Info("Docker build completed successfully",
		"build_id", req.ID,
		"image_tag", imageTag,
		"duration", result.Duration)

	return result
}

// prepareContext stages the source into the build directory and puts
// the Dockerfile in place. The manifest preflight applies only to the
// recipe-rendered pipeline; a Dockerfile shipped with the source is
// used as-is, whatever dependency format it installs from.
func (d *DockerBuilder) prepareContext(ctx context.Context, req *BuildRequest, buildDir string) error {
	if req.RepoURL != "" {
		if err := d.cloneRepository(ctx, req, buildDir); err != nil {
			return fmt.Errorf("failed to clone repository: %w", err)
		}
	} else {
		if err := copyTree(req.SourceDir, buildDir); err != nil {
			return fmt.Errorf("failed to stage source directory: %w", err)
		}
	}

	// The dependency manifest must exist before anything is staged into
	// an image: a missing or empty manifest fails the build up front.
	if !req.UseExistingDockerfile {
		if err := checkManifest(buildDir, req.Recipe.Manifest); err != nil {
			return err
		}
	}

	return d.writeDockerfile(req, buildDir)
}

// checkManifest verifies the dependency manifest exists in the context
// and is non-empty.
func checkManifest(buildDir, manifest string) error {
	info, err := os.Stat(filepath.Join(buildDir, manifest))
	if err != nil {
		return fmt.Errorf("dependency manifest %s not found in build context: %w", manifest, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("dependency manifest %s is empty", manifest)
	}
	return nil
}

// writeDockerfile renders the recipe into the build context unless the
// request asks to keep a Dockerfile shipped with the source.
func (d *DockerBuilder) writeDockerfile(req *BuildRequest, buildDir string) error {
	dockerfilePath := filepath.Join(buildDir, "Dockerfile")

	if req.UseExistingDockerfile {
		if _, err := os.Stat(dockerfilePath); err != nil {
			return fmt.Errorf("dockerfile not found in build context: %w", err)
		}
		return nil
	}

	rendered, err := req.Recipe.Render()
	if err != nil {
		return fmt.Errorf("failed to render recipe: %w", err)
	}
	if err := os.WriteFile(dockerfilePath, []byte(rendered), 0644); err != nil {
		return fmt.Errorf("failed to write Dockerfile: %w", err)
	}
	return nil
}

// cloneRepository clones the Git repository to the build directory using go-git
func (d *DockerBuilder) cloneRepository(ctx context.Context, req *BuildRequest, buildDir string) error {
	d.logger.Debug("Cloning repository", "url", req.RepoURL, "commit", req.CommitHash)

	repo, err := git.PlainCloneContext(ctx, buildDir, false, &git.CloneOptions{
		URL: req.RepoURL,
	})
	if err != nil {
		return fmt.Errorf("git clone failed: %w", err)
	}

	if req.CommitHash == "" {
		return nil
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}

	err = worktree.Checkout(&git.CheckoutOptions{
		Hash: plumbing.NewHash(req.CommitHash),
	})
	if err != nil {
		return fmt.Errorf("git checkout failed: %w", err)
	}

	d.logger.Debug("Repository cloned and checked out successfully", "commit", req.CommitHash)
	return nil
}

// copyTree copies a local source tree into the build context.
func copyTree(src, dst string) error {
	src = filepath.Clean(src)
	return filepath.WalkDir(src, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)

		if entry.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if !entry.Type().IsRegular() {
			// symlinks and devices are not staged into build contexts
			return nil
		}

		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()

		out, err := os.Create(target)
		if err != nil {
			return err
		}
		defer out.Close()

		if _, err := io.Copy(out, in); err != nil {
			return err
		}
		return out.Close()
	})
}

// generateImageTag generates a unique image tag for the build
func (d *DockerBuilder) generateImageTag(req *BuildRequest) string {
	name := strings.ToLower(req.Name)

	tag := fmt.Sprintf("%s:%s", name, req.ID.Short())

	if d.registry != "" {
		tag = fmt.Sprintf("%s/%s", d.registry, tag)
	}

	return tag
}

// buildDockerImage builds the Docker image using Docker Go SDK
func (d *DockerBuilder) buildDockerImage(ctx context.Context, buildDir, imageTag string) (string, error) {
	d.logger.Debug("Building Docker image", "tag", imageTag, "dir", buildDir)

	buildContext, err := archive.TarWithOptions(buildDir, &archive.TarOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to create build context: %w", err)
	}
	defer buildContext.Close()

	buildOptions := build.ImageBuildOptions{
		Tags:        []string{imageTag},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
	}

	buildResponse, err := d.dockerClient.ImageBuild(ctx, buildContext, buildOptions)
	if err != nil {
		return "", fmt.Errorf("docker build failed: %w", err)
	}
	defer buildResponse.Body.Close()

	buildLog, err := decodeBuildStream(buildResponse.Body)
	if err != nil {
		return buildLog, err
	}

	d.logger.Debug("Docker image built successfully", "tag", imageTag)
	return buildLog, nil
}

// buildStreamMessage is one JSON message from the daemon's build output.
type buildStreamMessage struct {
	Stream      string `json:"stream"`
	Error       string `json:"error"`
	ErrorDetail struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
}

// decodeBuildStream collects the daemon's build output and surfaces the
// first error message it reports, so a failing build step aborts the
// build instead of being buried in the log.
func decodeBuildStream(r io.Reader) (string, error) {
	var log strings.Builder

	dec := json.NewDecoder(r)
	for {
		var msg buildStreamMessage
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return log.String(), fmt.Errorf("failed to read build output: %w", err)
		}
		if msg.Stream != "" {
			log.WriteString(msg.Stream)
		}
		if msg.Error != "" {
			detail := msg.Error
			if msg.ErrorDetail.Message != "" {
				detail = msg.ErrorDetail.Message
			}
			return log.String(), fmt.Errorf("build step failed: %s", detail)
		}
	}

	return log.String(), nil
}

// pushDockerImage pushes the Docker image to the registry using Docker Go SDK
func (d *DockerBuilder) pushDockerImage(ctx context.Context, imageTag string) (string, error) {
	d.logger.Debug("Pushing Docker image", "tag", imageTag)

	pushResponse, err := d.dockerClient.ImagePush(ctx, imageTag, image.PushOptions{})
	if err != nil {
		return "", fmt.Errorf("docker push failed: %w", err)
	}
	defer pushResponse.Close()

	pushLog, err := io.ReadAll(pushResponse)
	if err != nil {
		return "", fmt.Errorf("failed to read push output: %w", err)
	}

	d.logger.Debug("Docker image pushed successfully", "tag", imageTag)
	return string(pushLog), nil
}

// Cleanup performs cleanup operations for the Docker builder
func (d *DockerBuilder) Cleanup() error {
	if d.dockerClient != nil {
		if err := d.dockerClient.Close(); err != nil {
			d.logger.Warn("Failed to close Docker client", "error", err)
			return err
		}
	}

	d.logger.Debug("Docker builder cleanup completed")
	return nil
}
