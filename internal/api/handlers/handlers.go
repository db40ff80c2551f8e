package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/dvloznov/statement-ingest/internal/api/middleware"
	"github.com/dvloznov/statement-ingest/internal/domain"
	"github.com/dvloznov/statement-ingest/internal/jobs"
	"github.com/dvloznov/statement-ingest/internal/logger"
	"github.com/dvloznov/statement-ingest/internal/pipeline"
	"github.com/dvloznov/statement-ingest/internal/store"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
)

// Service is the pipeline surface the HTTP layer drives.
type Service interface {
	CreateUpload(ctx context.Context, userID string, data []byte, mimeType, filename string) (*pipeline.CreateUploadResult, error)
	GetUpload(ctx context.Context, userID, uploadID string) (*domain.UploadRecord, error)
	GetPreview(ctx context.Context, userID, uploadID string) (*pipeline.Preview, error)
	TriggerProcessing(ctx context.Context, userID, uploadID string) (*pipeline.ProcessingOutcome, error)
	ConfirmUpload(ctx context.Context, userID, uploadID, accountID string) (*pipeline.ProcessingOutcome, error)
	RunQualityCheck(ctx context.Context, userID, uploadID string) (*pipeline.QualityCheckOutcome, error)
	TriggerFix(ctx context.Context, userID, uploadID string, phase int) (bool, error)
	Revert(ctx context.Context, userID, uploadID string) (*domain.RemovedCounts, error)
	ResolveQualityCheck(ctx context.Context, userID, checkID, notes string) (*domain.QualityCheck, error)
	ResolveFailure(ctx context.Context, grant store.AdminGrant, failureID, notes string) error
	GetSettings(ctx context.Context, userID string) (*domain.UserSettings, error)
	UpdateSettings(ctx context.Context, userID, mode, preset string) (*domain.UserSettings, error)
}

var _ Service = (*pipeline.Service)(nil)

// ReviewArchiver closes review items filed for an upload.
type ReviewArchiver interface {
	ArchiveUpload(ctx context.Context, uploadID string) (int, error)
}

// Handler serves the ingestion API.
type Handler struct {
	svc            Service
	jobs           jobs.JobStore
	reviews        ReviewArchiver
	maxUploadBytes int64
}

// NewHandler creates a Handler. reviews may be nil.
func NewHandler(svc Service, jobStore jobs.JobStore, reviews ReviewArchiver, maxUploadBytes int64) *Handler {
	return &Handler{
		svc:            svc,
		jobs:           jobStore,
		reviews:        reviews,
		maxUploadBytes: maxUploadBytes,
	}
}

type uploadResponse struct {
	Upload      *domain.UploadRecord `json:"upload"`
	DuplicateOf string               `json:"duplicate_of,omitempty"`
	Duplicate   string               `json:"duplicate,omitempty"`
}

// CreateUpload handles POST /api/uploads with a multipart "file" field.
func (h *Handler) CreateUpload(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return NewBadRequestError("multipart field \"file\" is required", err)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return NewBadRequestError("Failed to open uploaded file", err)
	}
	defer src.Close()

	// One byte past the limit is enough for the size check to reject it.
	reader := io.Reader(src)
	if h.maxUploadBytes > 0 {
		reader = io.LimitReader(src, h.maxUploadBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return NewBadRequestError("Failed to read uploaded file", err)
	}

	mimeType := c.FormValue("mime_type")
	if mimeType == "" {
		mimeType = fileHeader.Header.Get(echo.HeaderContentType)
	}

	result, err := h.svc.CreateUpload(c.Request().Context(), middleware.UserID(c), data, mimeType, fileHeader.Filename)
	if err != nil {
		return err
	}

	resp := uploadResponse{Upload: result.Upload, DuplicateOf: result.DuplicateOf}
	if result.Duplicate != nil {
		resp.Duplicate = result.Duplicate.Error()
	}
	return c.JSON(http.StatusCreated, resp)
}

// GetUpload handles GET /api/uploads/:id
func (h *Handler) GetUpload(c echo.Context) error {
	rec, err := h.svc.GetUpload(c.Request().Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

// GetPreview handles GET /api/uploads/:id/preview
func (h *Handler) GetPreview(c echo.Context) error {
	preview, err := h.svc.GetPreview(c.Request().Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, preview)
}

// TriggerProcessing handles POST /api/uploads/:id/process
func (h *Handler) TriggerProcessing(c echo.Context) error {
	outcome, err := h.svc.TriggerProcessing(c.Request().Context(), middleware.UserID(c), c.Param("id"))
	return respondWithOutcome(c, outcome, err)
}

// ConfirmUpload handles POST /api/uploads/:id/confirm
func (h *Handler) ConfirmUpload(c echo.Context) error {
	var req struct {
		AccountID string `json:"account_id"`
	}
	if err := bindOptional(c, &req); err != nil {
		return err
	}

	outcome, err := h.svc.ConfirmUpload(c.Request().Context(), middleware.UserID(c), c.Param("id"), req.AccountID)
	return respondWithOutcome(c, outcome, err)
}

// RunQualityCheck handles POST /api/uploads/:id/quality-check
func (h *Handler) RunQualityCheck(c echo.Context) error {
	outcome, err := h.svc.RunQualityCheck(c.Request().Context(), middleware.UserID(c), c.Param("id"))
	return respondWithOutcome(c, outcome, err)
}

// TriggerFix handles POST /api/uploads/:id/fix
func (h *Handler) TriggerFix(c echo.Context) error {
	req := struct {
		Phase int `json:"phase"`
	}{Phase: 1}
	if err := bindOptional(c, &req); err != nil {
		return err
	}

	fixed, err := h.svc.TriggerFix(c.Request().Context(), middleware.UserID(c), c.Param("id"), req.Phase)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"upload_id": c.Param("id"),
		"phase":     req.Phase,
		"fixed":     fixed,
	})
}

// Revert handles POST /api/uploads/:id/revert
func (h *Handler) Revert(c echo.Context) error {
	removed, err := h.svc.Revert(c.Request().Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"upload_id": c.Param("id"),
		"removed":   removed,
	})
}

// ResolveQualityCheck handles POST /api/quality-checks/:id/resolve. Review
// items filed for the upload are archived afterwards; failing that is
// logged and does not fail the request.
func (h *Handler) ResolveQualityCheck(c echo.Context) error {
	var req struct {
		Notes string `json:"notes"`
	}
	if err := bindOptional(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	qc, err := h.svc.ResolveQualityCheck(ctx, middleware.UserID(c), c.Param("id"), req.Notes)
	if err != nil {
		return err
	}

	if h.reviews != nil {
		log := logger.FromContext(ctx)
		n, err := h.reviews.ArchiveUpload(ctx, qc.UploadID)
		if err != nil {
			log.Warn().Err(err).
				Str("upload_id", qc.UploadID).
				Msg("Failed to archive review items")
		} else if n > 0 {
			log.Info().
				Int("archived", n).
				Str("upload_id", qc.UploadID).
				Msg("Archived review items")
		}
	}
	return c.JSON(http.StatusOK, qc)
}

// ResolveFailure handles POST /api/admin/extraction-failures/:id/resolve
func (h *Handler) ResolveFailure(c echo.Context) error {
	var req struct {
		Notes string `json:"notes"`
	}
	if err := bindOptional(c, &req); err != nil {
		return err
	}

	if err := h.svc.ResolveFailure(c.Request().Context(), middleware.AdminGrant(c), c.Param("id"), req.Notes); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// ListJobs handles GET /api/jobs. Results are always scoped to the caller.
func (h *Handler) ListJobs(c echo.Context) error {
	limit := defaultJobLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return NewBadRequestError("limit must be a positive integer", err)
		}
		limit = min(n, maxJobLimit)
	}
	offset := 0
	if raw := c.QueryParam("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return NewBadRequestError("offset must be a non-negative integer", err)
		}
		offset = n
	}

	filter := jobs.JobFilter{
		UserID:   middleware.UserID(c),
		UploadID: c.QueryParam("upload_id"),
		Kind:     jobs.NotifyKind(c.QueryParam("kind")),
		Status:   jobs.JobStatus(c.QueryParam("status")),
		Limit:    limit,
		Offset:   offset,
	}

	list, err := h.jobs.ListJobs(c.Request().Context(), filter)
	if err != nil {
		return fmt.Errorf("ListJobs: %w", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"jobs":  list,
		"count": len(list),
	})
}

// GetJob handles GET /api/jobs/:id. Another user's job reads as missing.
func (h *Handler) GetJob(c echo.Context) error {
	const op = "GetJob"
	job, err := h.jobs.GetJob(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			return domain.NewError(domain.KindNotFound, op, "job not found")
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if job.UserID != middleware.UserID(c) {
		return domain.NewError(domain.KindNotFound, op, "job not found")
	}
	return c.JSON(http.StatusOK, job)
}

// GetSettings handles GET /api/settings
func (h *Handler) GetSettings(c echo.Context) error {
	st, err := h.svc.GetSettings(c.Request().Context(), middleware.UserID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

// UpdateSettings handles PUT /api/settings
func (h *Handler) UpdateSettings(c echo.Context) error {
	var req struct {
		ExtractionMode string `json:"extraction_mode"`
		Preset         string `json:"preset"`
	}
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("Invalid request body", err)
	}

	st, err := h.svc.UpdateSettings(c.Request().Context(), middleware.UserID(c), req.ExtractionMode, req.Preset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

// Health handles GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// respondWithOutcome writes outcome on success. When a stage failed but an
// outcome was still produced, the outcome is the body and the error only
// picks the status.
func respondWithOutcome[T any](c echo.Context, outcome *T, err error) error {
	if err == nil {
		return c.JSON(http.StatusOK, outcome)
	}
	if outcome == nil {
		return err
	}
	return c.JSON(FromError(err).Status, outcome)
}

// bindOptional binds a JSON body when one was sent.
func bindOptional(c echo.Context, dst interface{}) error {
	if c.Request().ContentLength == 0 {
		return nil
	}
	if err := c.Bind(dst); err != nil {
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			return NewBadRequestError("Invalid request body", httpErr.Internal)
		}
		return NewBadRequestError("Invalid request body", err)
	}
	return nil
}
