// Package generation guards every token-costing action: debit before work,
// refund on failure, never more than once either way.
package generation

import (
	"context"
	"errors"
	"fmt"

	"veobotdev/config"
	"veobotdev/ledger"
	"veobotdev/logger"
	"veobotdev/modelapi/kieaiapi"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// VideoProvider is the outbound generation service. kieaiapi.KieAI satisfies
// it; tests substitute a fake.
type VideoProvider interface {
	SubmitVideo(ctx context.Context, args kieaiapi.GenerateVideoProps) (*kieaiapi.Job, error)
	WaitForJob(ctx context.Context, jobID string) (*kieaiapi.Job, error)
	RemoveWatermark(ctx context.Context, videoURL string) (*kieaiapi.Job, error)
}

type GenerationConnectProps struct {
	Logger *logger.LogMiddleware
	Store  ledger.Store
	Video  VideoProvider
}

type Generation struct {
	logger *logger.LogMiddleware
	store  ledger.Store
	video  VideoProvider
}

func Connect(ctx context.Context, args GenerationConnectProps) *Generation {
	return &Generation{logger: args.Logger, store: args.Store, video: args.Video}
}

// ChargeForAction debits the account for one action. ErrInsufficientBalance
// propagates unchanged; the caller owns the user-facing decline.
func (g *Generation) ChargeForAction(ctx context.Context, accountID string, cost int64, kind ledger.EntryKind, actionRef string) (*ledger.Entry, error) {
	tracer := otel.Tracer("generation/ChargeForAction")
	ctx, span := tracer.Start(ctx, "ChargeForAction")
	defer span.End()

	span.SetAttributes(
		attribute.String("account.id", accountID),
		attribute.Int64("action.cost", cost),
		attribute.String("action.ref", actionRef),
	)

	entry, err := g.store.ApplyMutation(ctx, accountID, kind, -cost, actionRef)
	if err != nil {
		if !errors.Is(err, ledger.ErrInsufficientBalance) {
			span.RecordError(err)
		}
		return nil, err
	}
	return entry, nil
}

// Refund returns the debited tokens for a failed request, at most once no
// matter how many times the failure handler runs. The refunded flag is the
// fast path; the ledger's duplicate guard on (refund, requestID) is the
// authority, so a crash between the two cannot double-refund or lose one.
func (g *Generation) Refund(ctx context.Context, requestID string) error {
	tracer := otel.Tracer("generation/Refund")
	ctx, span := tracer.Start(ctx, "Refund")
	defer span.End()

	span.SetAttributes(attribute.String("request.id", requestID))

	request, err := g.store.GetGenerationRequest(ctx, requestID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if request.Refunded {
		span.AddEvent("Already refunded")
		return nil
	}

	_, err = g.store.ApplyMutation(ctx, request.AccountID, ledger.KindRefund, request.TokensCost, requestID)
	if err != nil && !errors.Is(err, ledger.ErrDuplicateEntry) {
		span.RecordError(err)
		return fmt.Errorf("could not apply refund: %w", err)
	}

	if _, err := g.store.MarkGenerationRefunded(ctx, requestID); err != nil {
		span.RecordError(err)
		return err
	}

	g.logger.Logger(ctx).Info("[Generation] Tokens refunded",
		zap.String("request_id", requestID),
		zap.String("account_id", request.AccountID),
		zap.Int64("tokens", request.TokensCost),
	)
	return nil
}

type GenerateVideoProps struct {
	AccountID   string
	Prompt      string
	DurationSec int
	Quality     string
	ImageURL    string
	AudioURL    string
}

// GenerateVideo runs one paid generation end to end: debit, submit, wait,
// complete or fail-and-refund. Returns the finished request with its output
// URL, or the error the caller should turn into a decline message.
func (g *Generation) GenerateVideo(ctx context.Context, args GenerateVideoProps) (*ledger.GenerationRequest, error) {
	tracer := otel.Tracer("generation/GenerateVideo")
	ctx, span := tracer.Start(ctx, "GenerateVideo")
	defer span.End()

	cost := config.VideoCost(args.DurationSec)
	requestID := uuid.NewString()

	span.SetAttributes(
		attribute.String("account.id", args.AccountID),
		attribute.String("request.id", requestID),
		attribute.Int64("request.cost", cost),
	)

	err := g.store.CreateGenerationRequest(ctx, ledger.GenerationRequest{
		RequestID:   requestID,
		AccountID:   args.AccountID,
		Kind:        ledger.GenerationVideo,
		Prompt:      args.Prompt,
		DurationSec: args.DurationSec,
		Quality:     args.Quality,
		TokensCost:  cost,
		Status:      ledger.GenerationPending,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if _, err := g.ChargeForAction(ctx, args.AccountID, cost, ledger.KindGenerationDebit, requestID); err != nil {
		// Nothing was debited; the request dies without a refund.
		g.store.TransitionGenerationStatus(ctx, requestID, ledger.GenerationPending, ledger.GenerationFailed)
		return nil, err
	}

	if _, err := g.store.TransitionGenerationStatus(ctx, requestID, ledger.GenerationPending, ledger.GenerationProcessing); err != nil {
		span.RecordError(err)
		return nil, err
	}

	job, err := g.video.SubmitVideo(ctx, kieaiapi.GenerateVideoProps{
		Prompt:      args.Prompt,
		DurationSec: args.DurationSec,
		Quality:     args.Quality,
		ImageURL:    args.ImageURL,
		AudioURL:    args.AudioURL,
	})
	if err != nil {
		return nil, g.fail(ctx, requestID, "", err.Error())
	}

	if job.Status != kieaiapi.JobCompleted && job.Status != kieaiapi.JobFailed {
		g.store.SetGenerationOutput(ctx, requestID, job.JobID, "", "")
		job, err = g.video.WaitForJob(ctx, job.JobID)
		if err != nil {
			return nil, g.fail(ctx, requestID, "", err.Error())
		}
	}

	if job.Status == kieaiapi.JobFailed {
		return nil, g.fail(ctx, requestID, job.JobID, job.ErrorMessage)
	}

	if err := g.store.SetGenerationOutput(ctx, requestID, job.JobID, job.VideoURL, ""); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if _, err := g.store.TransitionGenerationStatus(ctx, requestID, ledger.GenerationProcessing, ledger.GenerationCompleted); err != nil {
		span.RecordError(err)
		return nil, err
	}

	g.logger.Logger(ctx).Info("[Generation] Video generated",
		zap.String("request_id", requestID),
		zap.String("account_id", args.AccountID),
		zap.String("video_url", job.VideoURL),
	)

	return g.store.GetGenerationRequest(ctx, requestID)
}

// RemoveWatermark charges the watermark tariff and runs the removal job,
// refunding on failure like any other paid action.
func (g *Generation) RemoveWatermark(ctx context.Context, accountID, videoURL string) (*ledger.GenerationRequest, error) {
	tracer := otel.Tracer("generation/RemoveWatermark")
	ctx, span := tracer.Start(ctx, "RemoveWatermark")
	defer span.End()

	requestID := uuid.NewString()

	span.SetAttributes(
		attribute.String("account.id", accountID),
		attribute.String("request.id", requestID),
	)

	err := g.store.CreateGenerationRequest(ctx, ledger.GenerationRequest{
		RequestID:  requestID,
		AccountID:  accountID,
		Kind:       ledger.GenerationWatermark,
		TokensCost: config.WatermarkRemovalCost,
		Status:     ledger.GenerationPending,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if _, err := g.ChargeForAction(ctx, accountID, config.WatermarkRemovalCost, ledger.KindWatermarkDebit, requestID); err != nil {
		g.store.TransitionGenerationStatus(ctx, requestID, ledger.GenerationPending, ledger.GenerationFailed)
		return nil, err
	}

	if _, err := g.store.TransitionGenerationStatus(ctx, requestID, ledger.GenerationPending, ledger.GenerationProcessing); err != nil {
		span.RecordError(err)
		return nil, err
	}

	job, err := g.video.RemoveWatermark(ctx, videoURL)
	if err != nil {
		return nil, g.fail(ctx, requestID, "", err.Error())
	}

	if job.Status != kieaiapi.JobCompleted && job.Status != kieaiapi.JobFailed {
		g.store.SetGenerationOutput(ctx, requestID, job.JobID, "", "")
		job, err = g.video.WaitForJob(ctx, job.JobID)
		if err != nil {
			return nil, g.fail(ctx, requestID, "", err.Error())
		}
	}

	if job.Status == kieaiapi.JobFailed {
		return nil, g.fail(ctx, requestID, job.JobID, job.ErrorMessage)
	}

	if err := g.store.SetGenerationOutput(ctx, requestID, job.JobID, job.VideoURL, ""); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if _, err := g.store.TransitionGenerationStatus(ctx, requestID, ledger.GenerationProcessing, ledger.GenerationCompleted); err != nil {
		span.RecordError(err)
		return nil, err
	}

	return g.store.GetGenerationRequest(ctx, requestID)
}

// fail moves a debited request to failed and issues its single refund.
func (g *Generation) fail(ctx context.Context, requestID, jobID, message string) error {
	tracer := otel.Tracer("generation/fail")
	ctx, span := tracer.Start(ctx, "fail")
	defer span.End()

	g.logger.Logger(ctx).Error("[Generation] Request failed",
		zap.String("request_id", requestID),
		zap.String("error_message", message),
	)

	if err := g.store.SetGenerationOutput(ctx, requestID, jobID, "", message); err != nil {
		span.RecordError(err)
	}
	if _, err := g.store.TransitionGenerationStatus(ctx, requestID, ledger.GenerationProcessing, ledger.GenerationFailed); err != nil {
		span.RecordError(err)
	}
	if err := g.Refund(ctx, requestID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("generation failed and refund incomplete: %s", message)
	}
	return fmt.Errorf("generation failed: %s", message)
}
