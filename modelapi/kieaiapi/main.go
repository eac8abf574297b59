package kieaiapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"

	"veobotdev/httpmiddleware"
	"veobotdev/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const baseURL = "https://api.kie.ai"

const (
	maxRetries   = 3
	pollInterval = 5 * time.Second
	pollAttempts = 60
)

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

type KieAIConnectProps struct {
	Logger *logger.LogMiddleware
}

type KieAI struct {
	logger    *logger.LogMiddleware
	semaphore *semaphore.Weighted
}

func Connect(ctx context.Context, args KieAIConnectProps) *KieAI {
	tracer := otel.Tracer("kieaiapi/Connect")
	ctx, span := tracer.Start(ctx, "Connect")
	defer span.End()

	maxWorkers := 10
	sem := semaphore.NewWeighted(int64(maxWorkers))

	span.SetAttributes(attribute.Int("maxWorkers", maxWorkers))

	return &KieAI{logger: args.Logger, semaphore: sem}
}

type GenerateVideoProps struct {
	Prompt      string
	DurationSec int
	Quality     string
	ImageURL    string
	AudioURL    string
}

type generateVideoRequest struct {
	Prompt          string `json:"prompt"`
	Duration        int    `json:"duration"`
	Quality         string `json:"quality"`
	RemoveWatermark bool   `json:"removeWatermark"`
	ImageURL        string `json:"imageUrl,omitempty"`
	AudioURL        string `json:"audioUrl,omitempty"`
}

type Job struct {
	JobID        string    `json:"jobId"`
	Status       JobStatus `json:"status"`
	VideoURL     string    `json:"videoUrl,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}

// Used for retry logic.
func GetExponentialDelaySeconds(retryNumber int) int {
	delayTime := int(5 * math.Pow(2, float64(retryNumber)))
	return delayTime
}

func (k *KieAI) makeRequest(ctx context.Context, method, path string, payload any) ([]byte, error) {
	apiKey := os.Getenv("KIE_AI_API_KEY")

	var body *bytes.Buffer
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("could not generate request body: %w", err)
		}
		body = bytes.NewBuffer(jsonData)
	} else {
		body = bytes.NewBuffer(nil)
	}

	if err := k.semaphore.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed to acquire semaphore")
	}
	defer k.semaphore.Release(1)

	return httpmiddleware.HttpRequest(httpmiddleware.HttpRequestStruct{
		Ctx:    ctx,
		Method: method,
		Url:    baseURL + path,
		Body:   body,
		Headers: map[string]string{
			"Authorization": "Bearer " + apiKey,
			"Content-Type":  "application/json",
		},
	})
}

// SubmitVideo submits a generation job, retrying transient failures with
// exponential delay.
func (k *KieAI) SubmitVideo(ctx context.Context, args GenerateVideoProps) (*Job, error) {
	tracer := otel.Tracer("kieaiapi/SubmitVideo")
	ctx, span := tracer.Start(ctx, "SubmitVideo")
	defer span.End()

	span.SetAttributes(
		attribute.Int("video.duration", args.DurationSec),
		attribute.String("video.quality", args.Quality),
	)

	quality := args.Quality
	if quality == "" {
		quality = "standard"
	}

	payload := generateVideoRequest{
		Prompt:   args.Prompt,
		Duration: args.DurationSec,
		Quality:  quality,
		ImageURL: args.ImageURL,
		AudioURL: args.AudioURL,
	}

	retries := maxRetries
	for retries > 0 {
		respBody, err := k.makeRequest(ctx, "POST", "/v1/video/generate", payload)
		if err != nil {
			retries -= 1
			sleepTime := GetExponentialDelaySeconds(maxRetries - retries)
			span.RecordError(err)
			k.logger.Logger(ctx).Error(
				"[KIE-AI] Could not submit video job. Retrying after sleeping.",
				zap.Error(err),
				zap.Int("retries_left", retries),
				zap.Int("sleep_time", sleepTime),
			)
			time.Sleep(time.Duration(sleepTime) * time.Second)
			continue
		}

		var job Job
		if err := json.Unmarshal(respBody, &job); err != nil || job.JobID == "" {
			retries -= 1
			span.RecordError(err)
			k.logger.Logger(ctx).Error(
				"[KIE-AI] Could not parse video job response.",
				zap.Error(err),
				zap.String("response_body", string(respBody)),
			)
			continue
		}
		span.AddEvent("Job submitted")
		return &job, nil
	}

	span.AddEvent("All retries exhausted")
	return nil, fmt.Errorf("kie.ai video submission failed")
}

// GetJobStatus fetches the status of one generation job.
func (k *KieAI) GetJobStatus(ctx context.Context, jobID string) (*Job, error) {
	tracer := otel.Tracer("kieaiapi/GetJobStatus")
	ctx, span := tracer.Start(ctx, "GetJobStatus")
	defer span.End()

	span.SetAttributes(attribute.String("job.id", jobID))

	respBody, err := k.makeRequest(ctx, "GET", "/v1/jobs/"+jobID, nil)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to check job status: %w", err)
	}

	var job Job
	if err := json.Unmarshal(respBody, &job); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("could not parse job status response: %w", err)
	}
	return &job, nil
}

// WaitForJob polls until the job reaches a terminal status or the poll budget
// runs out. A timeout is a failure for the caller, not proof the job died.
func (k *KieAI) WaitForJob(ctx context.Context, jobID string) (*Job, error) {
	tracer := otel.Tracer("kieaiapi/WaitForJob")
	ctx, span := tracer.Start(ctx, "WaitForJob")
	defer span.End()

	for attempt := 0; attempt < pollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}

		job, err := k.GetJobStatus(ctx, jobID)
		if err != nil {
			k.logger.Logger(ctx).Warn("[KIE-AI] Job status check failed",
				zap.Error(err),
				zap.String("job_id", jobID),
			)
			continue
		}
		if job.Status == JobCompleted || job.Status == JobFailed {
			return job, nil
		}
	}

	span.AddEvent("Poll budget exhausted")
	return nil, fmt.Errorf("kie.ai job %s did not finish in time", jobID)
}

// RemoveWatermark submits a watermark-removal job for a finished video.
func (k *KieAI) RemoveWatermark(ctx context.Context, videoURL string) (*Job, error) {
	tracer := otel.Tracer("kieaiapi/RemoveWatermark")
	ctx, span := tracer.Start(ctx, "RemoveWatermark")
	defer span.End()

	respBody, err := k.makeRequest(ctx, "POST", "/v1/video/remove-watermark", map[string]string{"videoUrl": videoURL})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to remove watermark: %w", err)
	}

	var job Job
	if err := json.Unmarshal(respBody, &job); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("could not parse watermark response: %w", err)
	}
	return &job, nil
}
