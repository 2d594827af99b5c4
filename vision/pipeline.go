// Package vision runs the figure-extraction sub-pipeline: crop each
// detected figure out of the PDF, describe it with a vision model, and
// fold the descriptions back into the enriched document. Each figure is
// isolated — one bad figure never sinks the document.
package vision

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/perceptra/docpipe/pipeline_type"
	"github.com/perceptra/docpipe/services/vision_service"
	"github.com/perceptra/docpipe/storage"
)

// Options bound the sub-pipeline's resource use. Model is recorded in the
// provenance metadata of every figure section.
type Options struct {
	Model       string
	Concurrency int
	Timeout     time.Duration
}

// Result summarizes one sub-pipeline run. Sections are ordered by page
// then figure ID so repeated runs produce identical output.
type Result struct {
	Sections   []pipeline_type.EnrichedSection
	Succeeded  int
	Failed     int
	TokensUsed int
}

type SubPipeline struct {
	cropper Cropper
	vision  vision_service.VisionService
	figures storage.FigureStore
	opts    Options
	logger  *slog.Logger
}

func NewSubPipeline(cropper Cropper, vision vision_service.VisionService,
	figures storage.FigureStore, opts Options, logger *slog.Logger) *SubPipeline {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	return &SubPipeline{
		cropper: cropper,
		vision:  vision,
		figures: figures,
		opts:    opts,
		logger:  logger,
	}
}

type figureOutcome struct {
	fig     *pipeline_type.Figure
	section *pipeline_type.EnrichedSection
	tokens  int
}

// Run crops and describes every pending figure for the document. Figures
// that fail are marked failed and skipped; their pages keep whatever text
// content the layout analysis produced. The scratch directory is removed
// before returning, success or not.
func (sp *SubPipeline) Run(ctx context.Context, doc *pipeline_type.Document, pdfData []byte,
	figures []*pipeline_type.Figure) (*Result, error) {

	result := &Result{}
	if len(figures) == 0 {
		return result, nil
	}

	scratch, err := tempDir(doc.ID)
	if err != nil {
		return nil, pipeline_type.Transient(err)
	}
	defer removeTempDir(scratch)

	pdfPath := filepath.Join(scratch, "source.pdf")
	if err := os.WriteFile(pdfPath, pdfData, 0644); err != nil {
		return nil, pipeline_type.Transientf("failed to stage PDF for cropping: %v", err)
	}

	pool, err := ants.NewPool(sp.opts.Concurrency)
	if err != nil {
		return nil, pipeline_type.Transient(err)
	}
	defer pool.Release()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		tokens   int64
		outcomes = make([]*figureOutcome, 0, len(figures))
	)

	for _, fig := range figures {
		if fig.Status == pipeline_type.FigureSucceeded && fig.Description != "" {
			// Described on an earlier attempt; reuse the stored description
			// so the enriched document stays complete without another call.
			mu.Lock()
			outcomes = append(outcomes, &figureOutcome{fig: fig, section: sp.sectionFor(fig)})
			mu.Unlock()
			continue
		}
		fig := fig
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			outcome := sp.processFigure(ctx, pdfPath, scratch, fig)
			atomic.AddInt64(&tokens, int64(outcome.tokens))
			mu.Lock()
			outcomes = append(outcomes, outcome)
			mu.Unlock()
		})
		if submitErr != nil {
			wg.Done()
			fig.Status = pipeline_type.FigureFailed
			fig.Error = submitErr.Error()
			mu.Lock()
			outcomes = append(outcomes, &figureOutcome{fig: fig})
			mu.Unlock()
		}
	}
	wg.Wait()

	sort.Slice(outcomes, func(i, j int) bool {
		a, b := outcomes[i].fig, outcomes[j].fig
		if a.PageNumber != b.PageNumber {
			return a.PageNumber < b.PageNumber
		}
		return a.ID < b.ID
	})

	updated := make([]*pipeline_type.Figure, 0, len(outcomes))
	for _, o := range outcomes {
		updated = append(updated, o.fig)
		if o.section != nil {
			result.Sections = append(result.Sections, *o.section)
			result.Succeeded++
		} else {
			result.Failed++
		}
	}
	result.TokensUsed = int(tokens)

	if err := sp.figures.SaveFigures(ctx, updated); err != nil {
		sp.logger.Error("Failed to persist figure outcomes",
			slog.String("document_id", doc.ID),
			slog.String("error", err.Error()))
	}

	sp.logger.Info("Vision sub-pipeline finished",
		slog.String("document_id", doc.ID),
		slog.Int("succeeded", result.Succeeded),
		slog.Int("failed", result.Failed),
		slog.Int("tokens_used", result.TokensUsed))

	return result, nil
}

func (sp *SubPipeline) processFigure(ctx context.Context, pdfPath, scratch string,
	fig *pipeline_type.Figure) *figureOutcome {

	outcome := &figureOutcome{fig: fig}

	crop, err := sp.cropper.Crop(ctx, pdfPath, scratch, fig)
	if err != nil {
		sp.logger.Warn("Failed to crop figure",
			slog.String("figure_id", fig.ID),
			slog.Int("page", fig.PageNumber),
			slog.String("error", err.Error()))
		fig.Status = pipeline_type.FigureFailed
		fig.Error = fmt.Sprintf("crop: %v", err)
		return outcome
	}

	callCtx, cancel := context.WithTimeout(ctx, sp.opts.Timeout)
	defer cancel()

	desc, err := sp.vision.Describe(callCtx, crop)
	if err != nil {
		sp.logger.Warn("Vision call failed for figure",
			slog.String("figure_id", fig.ID),
			slog.Int("page", fig.PageNumber),
			slog.String("class", string(pipeline_type.ClassOf(err))),
			slog.String("error", err.Error()))
		fig.Status = pipeline_type.FigureFailed
		fig.Error = err.Error()
		return outcome
	}

	fig.Status = pipeline_type.FigureSucceeded
	fig.Description = desc.Text
	fig.Error = ""
	outcome.tokens = desc.TokensUsed
	outcome.section = sp.sectionFor(fig)
	return outcome
}

func (sp *SubPipeline) sectionFor(fig *pipeline_type.Figure) *pipeline_type.EnrichedSection {
	return &pipeline_type.EnrichedSection{
		Content:    fig.Description,
		Type:       pipeline_type.SectionTypeFigure,
		Viewport:   append([]float64(nil), fig.Polygon...),
		PageNumber: fig.PageNumber,
		Metadata: &pipeline_type.SectionMetadata{
			ExtractionMethod: "vision",
			Model:            sp.opts.Model,
			Caption:          fig.Caption,
		},
	}
}
