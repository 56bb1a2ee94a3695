package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/appdock/appdock/internal/recipe"
	"github.com/appdock/appdock/internal/shared/config"
	"github.com/appdock/appdock/internal/shared/health"
	natsClient "github.com/appdock/appdock/internal/shared/nats"
	"github.com/appdock/appdock/internal/shared/uuid"
	"github.com/appdock/appdock/internal/store"
)

// BuildStore is the persistence surface the service needs.
type BuildStore interface {
	GetBuild(ctx context.Context, id uuid.UUID) (*store.Build, error)
	ListPendingBuilds(ctx context.Context, limit int) ([]*store.Build, error)
	MarkBuilding(ctx context.Context, id uuid.UUID) error
	MarkSucceeded(ctx context.Context, id uuid.UUID, imageTag, buildLog string) error
	MarkFailed(ctx context.Context, id uuid.UUID, buildLog, errMsg string) error
	ResetStale(ctx context.Context, maxAge time.Duration) (int64, error)
}

// Publisher is the messaging surface the service needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Service processes image build requests: it claims pending builds from
// the store, runs them through the image builder with bounded
// concurrency, and publishes the results.
type Service struct {
	logger       *slog.Logger
	config       *config.BuilderConfig
	store        BuildStore
	publisher    Publisher
	natsClient   *natsClient.Client
	imageBuilder ImageBuilder
	health       *health.Handler

	inflight sync.WaitGroup
	// slots bounds concurrent builds at MaxConcurrentBuilds
	slots chan struct{}
}

// NewService creates a new image builder service
func NewService(cfg *config.BuilderConfig, logger *slog.Logger) (*Service, error) {
	st, err := store.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect store: %w", err)
	}

	if err := st.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}

	nc, err := natsClient.NewClient(cfg.NATS)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	imageBuilder, err := NewDockerBuilder(DockerBuilderConfig{
		WorkDir:  cfg.BuildWorkDir,
		Registry: cfg.ContainerRegistry,
	}, logger.With("component", "docker-builder"))
	if err != nil {
		return nil, fmt.Errorf("failed to create docker builder: %w", err)
	}

	svc := newService(cfg, logger, st, nc, nc, imageBuilder)

	h := health.NewHandler()
	h.AddCheck("database", st.Ping)
	h.AddCheck("docker", imageBuilder.Ping)
	svc.health = h

	return svc, nil
}

func newService(cfg *config.BuilderConfig, logger *slog.Logger, st BuildStore, pub Publisher, nc *natsClient.Client, ib ImageBuilder) *Service {
	maxBuilds := cfg.MaxConcurrentBuilds
	if maxBuilds < 1 {
		maxBuilds = 1
	}

	return &Service{
		logger:       logger,
		config:       cfg,
		store:        st,
		publisher:    pub,
		natsClient:   nc,
		imageBuilder: ib,
		slots:        make(chan struct{}, maxBuilds),
	}
}

// Start runs the service until the context is cancelled.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("Starting image builder service",
		"max_concurrent_builds", cap(s.slots),
		"poll_interval", s.config.BuildPollInterval)

	var sub *nats.Subscription
	if s.natsClient != nil {
		var err error
		sub, err = s.natsClient.QueueSubscribe(SubjectBuildCreated, QueueGroupBuilders, func(msg *nats.Msg) {
			s.handleBuildMessage(ctx, msg.Data)
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", SubjectBuildCreated, err)
		}
	}

	if s.health != nil && s.config.HealthPort > 0 {
		go func() {
			if err := s.health.Serve(ctx, s.config.HealthPort); err != nil {
				s.logger.Error("Health server failed", "error", err)
			}
		}()
	}

	// Pick up builds that were created while the service was down
	s.dispatchPending(ctx)

	pollTicker := time.NewTicker(s.config.BuildPollInterval)
	defer pollTicker.Stop()

	cleanupTicker := time.NewTicker(s.config.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			if sub != nil {
				_ = sub.Unsubscribe()
			}
			s.shutdown()
			return nil
		case <-pollTicker.C:
			s.dispatchPending(ctx)
		case <-cleanupTicker.C:
			s.resetStaleBuilds(ctx)
		}
	}
}

// shutdown waits for in-flight builds up to the grace period.
func (s *Service) shutdown() {
	s.logger.Info("Shutting down image builder service")

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("All in-flight builds finished")
	case <-time.After(s.config.ShutdownGracePeriod):
		s.logger.Warn("Shutdown grace period elapsed with builds still running")
	}

	if err := s.imageBuilder.Cleanup(); err != nil {
		s.logger.Warn("Image builder cleanup failed", "error", err)
	}
}

// handleBuildMessage processes a build request received over NATS.
func (s *Service) handleBuildMessage(ctx context.Context, data []byte) {
	evt, err := DecodeBuildRequestedEvent(data)
	if err != nil {
		s.logger.Warn("Ignoring malformed build message", "error", err)
		return
	}

	id, err := uuid.Parse(evt.BuildID)
	if err != nil {
		s.logger.Warn("Ignoring build message with invalid id", "build_id", evt.BuildID, "error", err)
		return
	}

	b, err := s.store.GetBuild(ctx, id)
	if err != nil {
		s.logger.Warn("Failed to load build for message", "build_id", evt.BuildID, "error", err)
		return
	}

	s.dispatch(ctx, b)
}

// dispatchPending claims and runs pending builds from the store.
func (s *Service) dispatchPending(ctx context.Context) {
	builds, err := s.store.ListPendingBuilds(ctx, cap(s.slots))
	if err != nil {
		s.logger.Error("Failed to list pending builds", "error", err)
		return
	}

	for _, b := range builds {
		s.dispatch(ctx, b)
	}
}

// dispatch claims a build and runs it on a bounded worker slot. The
// slot is acquired before the claim so a claimed build never waits out
// the stale deadline unstarted and gets reset into a duplicate run.
func (s *Service) dispatch(ctx context.Context, b *store.Build) {
	if b.Status != store.StatusPending {
		return
	}

	s.inflight.Add(1)
	s.slots <- struct{}{}

	release := func() {
		<-s.slots
		s.inflight.Done()
	}

	if err := s.store.MarkBuilding(ctx, b.ID); err != nil {
		release()
		if errors.Is(err, store.ErrNotFound) {
			// claimed by another worker
			return
		}
		s.logger.Error("Failed to claim build", "build_id", b.ID, "error", err)
		return
	}

	go func() {
		defer release()
		s.processBuild(ctx, b)
	}()
}

// processBuild runs one build end to end and records the result.
func (s *Service) processBuild(ctx context.Context, b *store.Build) {
	buildCtx, cancel := context.WithTimeout(ctx, s.config.BuildTimeout)
	defer cancel()

	req := &BuildRequest{
		ID:         b.ID,
		Name:       b.Name,
		SourceDir:  b.SourceDir,
		RepoURL:    b.RepoURL,
		CommitHash: b.CommitHash,
		Recipe:     recipe.Default(),
	}

	result := s.imageBuilder.Build(buildCtx, req)

	// record the outcome even when the service context was cancelled
	// mid-build
	ctx = context.WithoutCancel(ctx)

	evt := &BuildCompletedEvent{
		BuildID:    b.ID.String(),
		Name:       b.Name,
		ImageTag:   result.ImageTag,
		DurationMS: result.Duration.Milliseconds(),
	}

	if result.Success {
		evt.Status = store.StatusSucceeded
		if err := s.store.MarkSucceeded(ctx, b.ID, result.ImageTag, result.BuildLog); err != nil {
			s.logger.Error("Failed to record build success", "build_id", b.ID, "error", err)
		}
		s.publish(SubjectBuildCompleted, evt)
		s.logger.Info("Build succeeded", "build_id", b.ID, "image_tag", result.ImageTag, "duration", result.Duration)
		return
	}

	errMsg := ""
	if result.Error != nil {
		errMsg = result.Error.Error()
	}
	evt.Status = store.StatusFailed
	evt.Error = errMsg

	if err := s.store.MarkFailed(ctx, b.ID, result.BuildLog, errMsg); err != nil {
		s.logger.Error("Failed to record build failure", "build_id", b.ID, "error", err)
	}
	s.publish(SubjectBuildFailed, evt)
	s.logger.Warn("Build failed", "build_id", b.ID, "error", errMsg)
}

func (s *Service) publish(subject string, evt *BuildCompletedEvent) {
	if s.publisher == nil {
		return
	}
	data, err := evt.Encode()
	if err != nil {
		s.logger.Error("Failed to encode build event", "build_id", evt.BuildID, "error", err)
		return
	}
	if err := s.publisher.Publish(subject, data); err != nil {
		s.logger.Warn("Failed to publish build event", "subject", subject, "error", err)
	}
}

// resetStaleBuilds returns orphaned building records to pending.
func (s *Service) resetStaleBuilds(ctx context.Context) {
	n, err := s.store.ResetStale(ctx, s.config.StaleBuildAge)
	if err != nil {
		s.logger.Error("Failed to reset stale builds", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("Reset stale builds to pending", "count", n)
	}
}
