package usecase

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/bggone/internal/apperror"
	"github.com/example/bggone/internal/imagedata"
	"github.com/example/bggone/internal/logging"
	"github.com/example/bggone/internal/removal"
	"github.com/example/bggone/internal/repository"
)

const (
	opRemove = "usecase.remove_background"

	msgMissingImage = "Missing or invalid image data"
	msgBadBase64    = "Image data is not valid base64"
)

// LogRepository defines the persistence operations needed by the use case.
type LogRepository interface {
	SaveLog(ctx context.Context, log *repository.RelayLog) error
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// RemoveRequest is one relay call.
type RemoveRequest struct {
	RequestID string
	ClientIP  string
	Image     string
}

// RemoveResult carries the bare base64 cut-out. MediaType is the type
// forwarded to the provider; ResultMediaType describes Result.
type RemoveResult struct {
	RequestID       string
	MediaType       string
	Result          string
	ResultMediaType string
}

// RemovalUseCase validates relay input, calls the provider and records an
// audit row.
type RemovalUseCase struct {
	remover removal.Remover
	repo    LogRepository
	logger  *zap.Logger
	now     func() time.Time
}

// NewRemovalUseCase constructs a new use case instance. repo may be nil
// when no audit store is configured.
func NewRemovalUseCase(remover removal.Remover, repo LogRepository, logger *zap.Logger) *RemovalUseCase {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemovalUseCase{
		remover: remover,
		repo:    repo,
		logger:  logger.Named("removal_usecase"),
		now:     time.Now,
	}
}

// RemoveBackground strips any data-URL prefix, checks the payload decodes,
// resolves the media type to forward and asks the provider for a cut-out.
func (uc *RemovalUseCase) RemoveBackground(ctx context.Context, req RemoveRequest) (*RemoveResult, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	opLogger := logging.WithOperation(uc.logger, opRemove, req.RequestID)
	started := uc.now()

	img := imagedata.Parse(req.Image)
	if img.Empty() {
		return nil, apperror.New(apperror.KindValidation, opRemove, msgMissingImage)
	}
	raw, err := img.Bytes()
	if err != nil {
		opLogger.Info("rejected undecodable image", zap.Error(err))
		return nil, apperror.Wrap(apperror.KindValidation, opRemove, msgBadBase64, err)
	}

	mediaType := imagedata.Resolve(raw, img.MediaType)
	result, err := removal.RemoveImage(ctx, uc.remover, imagedata.EncodedImage{MediaType: mediaType, Data: img.Data})

	entry := &repository.RelayLog{
		RequestID:  req.RequestID,
		ClientIP:   req.ClientIP,
		MediaType:  mediaType,
		InputBytes: int64(len(raw)),
		Outcome:    repository.OutcomeOK,
		LatencyMs:  uc.now().Sub(started).Milliseconds(),
		CreatedAt:  started.UTC(),
	}
	if err != nil {
		entry.Outcome = string(apperror.KindOf(err))
		opLogger.Error("background removal failed",
			zap.String("kind", entry.Outcome),
			zap.String("media_type", mediaType),
			zap.Error(err),
		)
	} else {
		entry.OutputBytes = int64(base64.StdEncoding.DecodedLen(len(result.Data)))
		opLogger.Info("background removed",
			zap.String("media_type", mediaType),
			zap.String("result_media_type", result.MediaType),
			zap.Int64("latency_ms", entry.LatencyMs),
		)
	}
	uc.audit(ctx, entry)

	if err != nil {
		return nil, err
	}
	return &RemoveResult{
		RequestID:       req.RequestID,
		MediaType:       mediaType,
		Result:          result.Data,
		ResultMediaType: result.MediaType,
	}, nil
}

// audit is best effort: a failing store never fails the relay call.
func (uc *RemovalUseCase) audit(ctx context.Context, entry *repository.RelayLog) {
	if uc.repo == nil {
		return
	}
	if err := uc.repo.SaveLog(context.WithoutCancel(ctx), entry); err != nil {
		logging.WithOperation(uc.logger, "usecase.save_log", entry.RequestID).
			Warn("failed to persist relay log", zap.Error(err))
	}
}
