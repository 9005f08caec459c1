// Package handlers provides the HTTP API handlers for vidtap.
package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/vidtap/internal/models"
	"github.com/jmylchreest/vidtap/internal/repository"
	"github.com/jmylchreest/vidtap/internal/service"
	"github.com/jmylchreest/vidtap/internal/storage"
)

// Converter runs conversions.
type Converter interface {
	Convert(ctx context.Context, req service.ConvertRequest) (*service.ConvertResult, error)
}

// ConversionHandler handles the conversion endpoints.
type ConversionHandler struct {
	converter  Converter
	history    repository.ConversionRepository
	retryAfter time.Duration
}

// NewConversionHandler creates a conversion handler. retryAfter is sent with
// busy responses.
func NewConversionHandler(converter Converter, history repository.ConversionRepository, retryAfter time.Duration) *ConversionHandler {
	return &ConversionHandler{
		converter:  converter,
		history:    history,
		retryAfter: retryAfter,
	}
}

// Register registers the conversion routes with the API.
func (h *ConversionHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "createConversion",
		Method:      "POST",
		Path:        "/api/v1/conversions",
		Summary:     "Convert a video to audio",
		Description: "Streams the source through ffmpeg into the destination and returns once the destination is committed. " +
			"An existing destination is returned without converting.",
		Tags: []string{"Conversions"},
	}, h.Create)

	huma.Register(api, huma.Operation{
		OperationID: "listConversions",
		Method:      "GET",
		Path:        "/api/v1/conversions",
		Summary:     "List conversions",
		Description: "Returns recent conversions, newest first",
		Tags:        []string{"Conversions"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getConversion",
		Method:      "GET",
		Path:        "/api/v1/conversions/{id}",
		Summary:     "Get conversion",
		Description: "Returns a conversion by ID",
		Tags:        []string{"Conversions"},
	}, h.GetByID)
}

// CreateConversionInput is the input for starting a conversion. Fields are
// validated by the converter so every bad request maps to 400; 422 is kept
// for sources ffmpeg cannot decode.
type CreateConversionInput struct {
	Body struct {
		Source      string            `json:"source" required:"false" doc:"Source URI (s3://, azblob://, file://, http(s)://)"`
		Destination string            `json:"destination,omitempty" doc:"Destination URI; derived from the default destination when empty"`
		Metadata    map[string]string `json:"metadata,omitempty" doc:"Extra metadata stored on the destination object"`
	}
}

// CreateConversionOutput is the output for a finished conversion.
type CreateConversionOutput struct {
	Body ConversionResultResponse
}

// Create runs a conversion synchronously.
func (h *ConversionHandler) Create(ctx context.Context, input *CreateConversionInput) (*CreateConversionOutput, error) {
	result, err := h.converter.Convert(ctx, service.ConvertRequest{
		Source:      input.Body.Source,
		Destination: input.Body.Destination,
		Metadata:    input.Body.Metadata,
	})
	if err != nil {
		return nil, conversionError(err, h.retryAfter)
	}
	return &CreateConversionOutput{Body: ConversionResultResponse{
		JobID:  result.JobID,
		Reused: result.Reused,
		Object: result.Object,
	}}, nil
}

// ListConversionsInput is the input for listing conversions.
type ListConversionsInput struct {
	Status string `query:"status" doc:"Filter by status (running, completed, reused, failed)"`
	Limit  int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
}

// ListConversionsOutput is the output for listing conversions.
type ListConversionsOutput struct {
	Body struct {
		Conversions []ConversionResponse `json:"conversions"`
	}
}

// List returns recent conversions.
func (h *ConversionHandler) List(ctx context.Context, input *ListConversionsInput) (*ListConversionsOutput, error) {
	status := models.ConversionStatus(strings.ToLower(input.Status))
	switch status {
	case "", models.ConversionStatusRunning, models.ConversionStatusCompleted,
		models.ConversionStatusReused, models.ConversionStatusFailed:
	default:
		return nil, huma.Error400BadRequest(fmt.Sprintf("unknown status %q", input.Status))
	}

	conversions, err := h.history.ListRecent(ctx, repository.ConversionFilter{Status: status, Limit: input.Limit})
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list conversions", err)
	}

	resp := &ListConversionsOutput{}
	resp.Body.Conversions = make([]ConversionResponse, 0, len(conversions))
	for _, c := range conversions {
		resp.Body.Conversions = append(resp.Body.Conversions, ConversionFromModel(c))
	}
	return resp, nil
}

// GetConversionInput is the input for getting a conversion.
type GetConversionInput struct {
	ID string `path:"id" doc:"Conversion ID (ULID)"`
}

// GetConversionOutput is the output for getting a conversion.
type GetConversionOutput struct {
	Body ConversionResponse
}

// GetByID returns a conversion by ID.
func (h *ConversionHandler) GetByID(ctx context.Context, input *GetConversionInput) (*GetConversionOutput, error) {
	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid conversion ID", err)
	}

	c, err := h.history.GetByID(ctx, id)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to get conversion", err)
	}
	if c == nil {
		return nil, huma.Error404NotFound(fmt.Sprintf("conversion %s not found", id))
	}
	return &GetConversionOutput{Body: ConversionFromModel(c)}, nil
}

// ConversionResultResponse is the result of POST /api/v1/conversions.
type ConversionResultResponse struct {
	JobID  models.ULID         `json:"job_id"`
	Reused bool                `json:"reused"`
	Object *storage.ObjectInfo `json:"object"`
}

// ConversionResponse is one job history record.
type ConversionResponse struct {
	ID           models.ULID             `json:"id"`
	Source       string                  `json:"source"`
	Destination  string                  `json:"destination"`
	Status       models.ConversionStatus `json:"status"`
	ErrorKind    string                  `json:"error_kind,omitempty"`
	Error        string                  `json:"error,omitempty"`
	ExitCode     *int                    `json:"exit_code,omitempty"`
	BytesWritten int64                   `json:"bytes_written"`
	DurationMs   int64                   `json:"duration_ms"`
	StartedAt    time.Time               `json:"started_at"`
	CompletedAt  *time.Time              `json:"completed_at,omitempty"`
}

// ConversionFromModel converts a model to a response.
func ConversionFromModel(c *models.Conversion) ConversionResponse {
	return ConversionResponse{
		ID:           c.ID,
		Source:       c.Source,
		Destination:  c.Destination,
		Status:       c.Status,
		ErrorKind:    c.ErrorKind,
		Error:        c.Error,
		ExitCode:     c.ExitCode,
		BytesWritten: c.BytesWritten,
		DurationMs:   c.DurationMs,
		StartedAt:    c.StartedAt,
		CompletedAt:  c.CompletedAt,
	}
}
