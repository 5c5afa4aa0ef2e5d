package sandbox

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ImageResolver makes sure images are present in the runtime's local cache.
type ImageResolver struct {
	runtime Runtime
	logger  *zap.Logger
	metrics *Metrics
	pulls   singleflight.Group
}

// NewImageResolver creates an ImageResolver backed by runtime.
func NewImageResolver(logger *zap.Logger, runtime Runtime, metrics *Metrics) *ImageResolver {
	return &ImageResolver{
		runtime: runtime,
		logger:  logger,
		metrics: metrics,
	}
}

// EnsureAvailable pulls image when it is not cached locally. Concurrent
// callers waiting on the same image share one pull.
func (r *ImageResolver) EnsureAvailable(ctx context.Context, image string) error {
	exists, err := r.runtime.ImageExists(ctx, image)
	if err != nil {
		return fmt.Errorf("%w: failed to inspect %s: %w", ErrImageUnavailable, image, err)
	}
	if exists {
		return nil
	}

	_, err, shared := r.pulls.Do(image, func() (any, error) {
		r.logger.Info("pulling image", zap.String("image", image))
		pullErr := r.runtime.PullImage(ctx, image)
		r.metrics.observePull(pullErr)
		return nil, pullErr
	})
	if err != nil {
		r.logger.Error("image pull failed", zap.String("image", image), zap.Error(err))
		return fmt.Errorf("%w: failed to pull %s: %w", ErrImageUnavailable, image, err)
	}

	r.logger.Debug("image ready", zap.String("image", image), zap.Bool("shared_pull", shared))
	return nil
}
