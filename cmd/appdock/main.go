package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/appdock/appdock/internal/builder"
	"github.com/appdock/appdock/internal/launcher"
	"github.com/appdock/appdock/internal/recipe"
	"github.com/appdock/appdock/internal/shared/logging"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "recipe":
		os.Exit(cmdRecipe(os.Args[2:]))
	case "build":
		os.Exit(cmdBuild(os.Args[2:]))
	case "run":
		os.Exit(cmdRun(os.Args[2:]))
	case "deploy":
		os.Exit(cmdDeploy(os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: appdock <command> [flags]

Commands:
  recipe    Print the rendered deployment recipe (Dockerfile)
  build     Build a container image from an application source tree
  run       Launch a built image and wait until it accepts connections
  deploy    Build an image and launch it
`)
}

// recipeFlags registers recipe overrides on a flag set and returns a
// constructor for the resulting recipe.
func recipeFlags(fs *flag.FlagSet) func() (recipe.Recipe, error) {
	def := recipe.Default()
	base := fs.String("base", def.BaseImage, "base runtime image")
	workdir := fs.String("workdir", def.WorkDir, "working directory inside the image")
	manifest := fs.String("manifest", def.Manifest, "dependency manifest filename")
	port := fs.Int("port", def.Port, "port the application listens on")
	server := fs.String("server", def.Server, "ASGI server binary")
	entrypoint := fs.String("entrypoint", def.Entrypoint.String(), "application entrypoint (module:attribute)")

	return func() (recipe.Recipe, error) {
		r := recipe.Default()
		r.BaseImage = *base
		r.WorkDir = *workdir
		r.Manifest = *manifest
		r.Port = *port
		r.Server = *server

		ep, err := recipe.ParseEntrypoint(*entrypoint)
		if err != nil {
			return recipe.Recipe{}, err
		}
		r.Entrypoint = ep
		return r, nil
	}
}

func cmdRecipe(args []string) int {
	fs := flag.NewFlagSet("recipe", flag.ExitOnError)
	makeRecipe := recipeFlags(fs)
	fs.Parse(args)

	r, err := makeRecipe()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid recipe: %v\n", err)
		return 1
	}

	out, err := r.Render()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to render recipe: %v\n", err)
		return 1
	}

	fmt.Print(out)
	return 0
}

func cmdBuild(args []string) int {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	src := fs.String("src", "", "local source directory")
	repo := fs.String("repo", "", "git repository URL")
	commit := fs.String("commit", "", "git commit to check out")
	name := fs.String("name", "", "application name used for the image tag")
	registry := fs.String("registry", "", "registry to push the image to")
	workDir := fs.String("work-dir", "", "directory to stage build contexts in")
	existing := fs.Bool("existing-dockerfile", false, "use a Dockerfile shipped with the source")
	makeRecipe := recipeFlags(fs)
	fs.Parse(args)

	result := runBuild(context.Background(), buildParams{
		src: *src, repo: *repo, commit: *commit, name: *name,
		registry: *registry, workDirFlag: *workDir,
		existing: *existing, makeRecipe: makeRecipe,
	})
	if result == nil {
		return 1
	}
	fmt.Println(result.ImageTag)
	return 0
}

type buildParams struct {
	src, repo, commit, name string
	registry, workDirFlag   string
	existing                bool
	makeRecipe              func() (recipe.Recipe, error)
}

// runBuild performs a one-shot build, streaming the build log to
// stderr. It returns nil on failure.
func runBuild(ctx context.Context, p buildParams) *builder.BuildResult {
	logger := logging.NewLogger("appdock", "info", "development")

	r, err := p.makeRecipe()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid recipe: %v\n", err)
		return nil
	}

	b, err := builder.NewDockerBuilder(builder.DockerBuilderConfig{
		WorkDir:  p.workDirFlag,
		Registry: p.registry,
	}, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create builder: %v\n", err)
		return nil
	}
	defer b.Cleanup()

	result := b.Build(ctx, &builder.BuildRequest{
		Name:                  p.name,
		SourceDir:             p.src,
		RepoURL:               p.repo,
		CommitHash:            p.commit,
		Recipe:                r,
		UseExistingDockerfile: p.existing,
	})

	if result.BuildLog != "" {
		fmt.Fprintln(os.Stderr, result.BuildLog)
	}
	if !result.Success {
		fmt.Fprintf(os.Stderr, "build failed: %v\n", result.Error)
		return nil
	}
	return result
}

func cmdRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	img := fs.String("image", "", "image tag to run")
	port := fs.Int("port", recipe.DefaultPort, "container port the application listens on")
	hostPort := fs.Int("host-port", 0, "host port to publish (defaults to the container port)")
	pull := fs.Bool("pull", false, "pull the image before running")
	readyTimeout := fs.Duration("ready-timeout", 30*time.Second, "how long to wait for the server to accept connections")
	fs.Parse(args)

	return runImage(*img, *port, *hostPort, *pull, *readyTimeout)
}

// runImage launches the image, waits until it listens, then streams
// logs until interrupted.
func runImage(img string, port, hostPort int, pull bool, readyTimeout time.Duration) int {
	logger := logging.NewLogger("appdock", "info", "development")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l, err := launcher.NewLauncher(logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create launcher: %v\n", err)
		return 1
	}
	defer l.Close()

	handle, err := l.Launch(ctx, launcher.LaunchOptions{
		Image:    img,
		Port:     port,
		HostPort: hostPort,
		Pull:     pull,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to launch: %v\n", err)
		return 1
	}

	cleanupCtx := context.WithoutCancel(ctx)
	defer func() {
		_ = handle.Stop(cleanupCtx)
		_ = handle.Remove(cleanupCtx)
	}()

	if err := handle.WaitReady(ctx, readyTimeout); err != nil {
		fmt.Fprintf(os.Stderr, "server did not become ready: %v\n", err)
		return 1
	}

	logs, err := handle.Logs(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to stream logs: %v\n", err)
		return 1
	}
	defer logs.Close()

	go io.Copy(os.Stdout, logs)

	<-ctx.Done()
	logger.Info("shutting down")
	return 0
}

func cmdDeploy(args []string) int {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	src := fs.String("src", "", "local source directory")
	repo := fs.String("repo", "", "git repository URL")
	commit := fs.String("commit", "", "git commit to check out")
	name := fs.String("name", "", "application name used for the image tag")
	workDir := fs.String("work-dir", "", "directory to stage build contexts in")
	hostPort := fs.Int("host-port", 0, "host port to publish (defaults to the container port)")
	readyTimeout := fs.Duration("ready-timeout", 30*time.Second, "how long to wait for the server to accept connections")
	makeRecipe := recipeFlags(fs)
	fs.Parse(args)

	result := runBuild(context.Background(), buildParams{
		src: *src, repo: *repo, commit: *commit, name: *name,
		workDirFlag: *workDir, makeRecipe: makeRecipe,
	})
	if result == nil {
		return 1
	}

	r, err := makeRecipe()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid recipe: %v\n", err)
		return 1
	}

	return runImage(result.ImageTag, r.Port, *hostPort, false, *readyTimeout)
}
