package pipeline

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dvloznov/statement-ingest/internal/domain"
	"github.com/dvloznov/statement-ingest/internal/gcs"
	"github.com/dvloznov/statement-ingest/internal/logger"
	"github.com/dvloznov/statement-ingest/internal/oracle"
	"github.com/dvloznov/statement-ingest/internal/preprocess"
)

// Stage names reported on StageError.
const (
	StageFetch      = "fetch"
	StagePreprocess = "preprocess"
	StageExtract    = "extract"
	StageLink       = "link"
	StageInternal   = "internal"
)

// PipelineStep represents a single step in the extraction pipeline.
type PipelineStep interface {
	Name() string
	Execute(ctx context.Context, state *PipelineState) error
}

// PipelineState holds the shared state across all pipeline steps.
type PipelineState struct {
	Upload *domain.UploadRecord
	Mode   oracle.Mode
	Preset string
	Hints  []string

	FileBytes  []byte
	Prepared   *preprocess.Prepared
	Extraction *domain.ExtractionResult
	Raw        string

	// FailedStep names the step that returned an error.
	FailedStep string
}

// FetchFileStep reads the upload's bytes from the file store.
type FetchFileStep struct {
	Files gcs.FileStore
}

func (s *FetchFileStep) Name() string { return StageFetch }

func (s *FetchFileStep) Execute(ctx context.Context, state *PipelineState) error {
	data, err := s.Files.Get(ctx, state.Upload.StoragePath)
	if err != nil {
		return domain.Wrap(domain.KindStorage, "FetchFile", err)
	}
	state.FileBytes = data
	return nil
}

// PreprocessStep turns stored bytes into an oracle-ready file.
type PreprocessStep struct {
	Preparer Preparer
}

func (s *PreprocessStep) Name() string { return StagePreprocess }

func (s *PreprocessStep) Execute(ctx context.Context, state *PipelineState) error {
	prepared, err := s.Preparer.Prepare(ctx, state.FileBytes, state.Upload.FileType, state.Upload.Filename)
	if err != nil {
		return err
	}
	state.Prepared = prepared
	return nil
}

// ExtractStep dispatches the prepared file to the oracle.
type ExtractStep struct {
	Extractor Extractor
}

func (s *ExtractStep) Name() string { return StageExtract }

func (s *ExtractStep) Execute(ctx context.Context, state *PipelineState) error {
	resp, err := s.Extractor.Dispatch(ctx, oracle.Request{
		File:     state.Prepared,
		Filename: state.Upload.Filename,
		Mode:     state.Mode,
		Preset:   state.Preset,
		Hints:    state.Hints,
	})
	if resp != nil {
		state.Raw = resp.Raw
	}
	if err != nil {
		if domain.KindOf(err) == domain.KindInternal {
			err = domain.Wrap(domain.KindOracle, "Extract", err)
		}
		return err
	}
	if resp == nil || resp.Extraction == nil {
		return domain.NewError(domain.KindOracle, "Extract", "oracle returned no extraction")
	}
	state.Extraction = resp.Extraction
	return nil
}

// Pipeline orchestrates the execution of multiple steps.
type Pipeline struct {
	steps []PipelineStep
}

// NewPipeline creates a new pipeline with the given steps.
func NewPipeline(steps ...PipelineStep) *Pipeline {
	return &Pipeline{steps: steps}
}

// Execute runs all steps in order and stops at the first error.
func (p *Pipeline) Execute(ctx context.Context, state *PipelineState) error {
	log := logger.FromContext(ctx)

	for i, step := range p.steps {
		stepCtx, span := tracer.Start(ctx, "pipeline."+step.Name(), trace.WithAttributes(
			attribute.String("upload_id", state.Upload.ID),
			attribute.Int("step", i+1),
		))
		log.Info().Str("step", step.Name()).Msg("Pipeline step started")

		if err := step.Execute(stepCtx, state); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			state.FailedStep = step.Name()
			log.Error().Err(err).Str("step", step.Name()).Msg("Pipeline step failed")
			return fmt.Errorf("pipeline step %d (%s) failed: %w", i+1, step.Name(), err)
		}

		span.End()
		log.Info().Str("step", step.Name()).Msg("Pipeline step finished")
	}

	return nil
}

// extractionPipeline is the fetch, preprocess and extract sequence shared
// by processing and the fix pass.
func extractionPipeline(files gcs.FileStore, prep Preparer, extractor Extractor) *Pipeline {
	return NewPipeline(
		&FetchFileStep{Files: files},
		&PreprocessStep{Preparer: prep},
		&ExtractStep{Extractor: extractor},
	)
}
