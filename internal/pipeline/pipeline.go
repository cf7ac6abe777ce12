// Package pipeline drives one document through acquisition, two automated
// transforms, a human checkpoint, commit, and indexing.
//
// A run is a linear state machine:
//
//	Acquiring -> Drafting -> Reviewing -> HumanCheckpoint -> Committing -> Indexing -> Completed
//
// Any stage before Indexing may move the run to Failed instead. Stages never
// repeat and never go back. Cancellation is honored up to the start of
// Committing; from there the run finishes on a context detached from the
// caller's so a commit is never abandoned halfway.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/folio/internal/ctxutil"
	"github.com/ashita-ai/folio/internal/model"
	"github.com/ashita-ai/folio/internal/telemetry"
	"github.com/ashita-ai/folio/internal/transform"
)

// Acquirer fetches the source text for a document. Empty text is a failure.
type Acquirer interface {
	Acquire(ctx context.Context, url, documentID string) (text, artifactPath string, err error)
}

// Transformer rewrites text according to a prompt. Drafting and reviewing
// are both Transformers.
type Transformer interface {
	Transform(ctx context.Context, text, prompt string) (string, error)
}

// Checkpointer lets a human approve or replace the candidate text. rawText
// is the acquired original, shown for reference only.
type Checkpointer interface {
	Checkpoint(ctx context.Context, rawText, candidateText, documentID string) (string, error)
}

// Versions commits and indexes versions. versions.Service implements it.
type Versions interface {
	Commit(ctx context.Context, documentID, postText, preText string) (model.Version, error)
	Index(ctx context.Context, v model.Version) error
}

// Request describes one run.
type Request struct {
	DocumentID   string
	URL          string
	DraftPrompt  string // defaults to transform.DefaultDraftPrompt
	ReviewPrompt string // defaults to transform.DefaultReviewPrompt

	// Checkpointer overrides the orchestrator's checkpoint for this run.
	Checkpointer Checkpointer
}

// Orchestrator runs pipeline requests. It holds no per-run state, so one
// Orchestrator can execute any number of runs concurrently.
type Orchestrator struct {
	acquirer   Acquirer
	drafter    Transformer
	reviewer   Transformer
	checkpoint Checkpointer
	versions   Versions
	logger     *slog.Logger
	tracer     trace.Tracer
	runs       metric.Int64Counter
	now        func() time.Time
}

// Collaborators bundles the external capabilities a run depends on.
type Collaborators struct {
	Acquirer     Acquirer
	Drafter      Transformer
	Reviewer     Transformer
	Checkpointer Checkpointer
}

// New creates an Orchestrator.
func New(c Collaborators, versions Versions, logger *slog.Logger) *Orchestrator {
	runs, _ := telemetry.Meter("folio/pipeline").Int64Counter("folio.pipeline.runs",
		metric.WithDescription("Pipeline runs by outcome and final stage"),
	)
	return &Orchestrator{
		acquirer:   c.Acquirer,
		drafter:    c.Drafter,
		reviewer:   c.Reviewer,
		checkpoint: c.Checkpointer,
		versions:   versions,
		logger:     logger,
		tracer:     telemetry.Tracer("folio/pipeline"),
		runs:       runs,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// run is the ephemeral state of one traversal. It is discarded once Run returns.
type run struct {
	id       uuid.UUID
	req      Request
	stage    model.Stage
	raw      string
	draft    string
	reviewed string
	final    string
	artifact string
	version  model.Version
	indexErr error
}

// Run executes req to completion or failure. The report is always filled
// in; the error is a *model.StageError exactly when the run failed.
func (o *Orchestrator) Run(ctx context.Context, req Request) (model.RunReport, error) {
	r := &run{id: uuid.New(), req: req}
	if r.req.DraftPrompt == "" {
		r.req.DraftPrompt = transform.DefaultDraftPrompt(req.DocumentID)
	}
	if r.req.ReviewPrompt == "" {
		r.req.ReviewPrompt = transform.DefaultReviewPrompt
	}
	if r.req.Checkpointer == nil {
		r.req.Checkpointer = o.checkpoint
	}

	report := model.RunReport{
		RunID:      r.id,
		DocumentID: req.DocumentID,
		StartedAt:  o.now(),
	}

	ctx, span := o.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("folio.document_id", req.DocumentID),
		attribute.String("folio.run_id", r.id.String()),
	))
	defer span.End()

	o.logger.Info("run started",
		"run_id", r.id,
		"document_id", req.DocumentID,
		"url", req.URL,
		"request_id", ctxutil.RequestID(ctx),
	)

	err := o.execute(ctx, r)

	report.CompletedAt = o.now()
	report.ArtifactPath = r.artifact
	if err != nil {
		var se *model.StageError
		if !errors.As(err, &se) {
			se = model.NewStageError(r.stage, err)
		}
		report.Status = model.RunStatusFailed
		report.FailedStage = se.Stage
		report.ErrorKind = se.Kind
		report.Error = se.Err.Error()

		span.RecordError(se)
		span.SetStatus(codes.Error, se.Error())
		o.runs.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", string(model.RunStatusFailed)),
			attribute.String("stage", string(se.Stage)),
		))
		o.logger.Warn("run failed",
			"run_id", r.id,
			"document_id", req.DocumentID,
			"stage", se.Stage,
			"kind", se.Kind,
			"error", se.Err,
		)
		return report, se
	}

	v := r.version
	report.Status = model.RunStatusCompleted
	report.Version = &v
	if r.indexErr != nil {
		report.IndexError = r.indexErr.Error()
	}
	o.runs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", string(model.RunStatusCompleted)),
		attribute.String("stage", string(model.StageCompleted)),
	))
	o.logger.Info("run completed",
		"run_id", r.id,
		"document_id", req.DocumentID,
		"version_number", v.VersionNumber,
		"reward", v.Reward,
		"duration_ms", report.CompletedAt.Sub(report.StartedAt).Milliseconds(),
	)
	return report, nil
}

type step struct {
	stage model.Stage
	fn    func(ctx context.Context, r *run) error
}

func (o *Orchestrator) steps() []step {
	return []step{
		{model.StageAcquiring, o.acquire},
		{model.StageDrafting, o.draft},
		{model.StageReviewing, o.review},
		{model.StageHumanCheckpoint, o.humanCheckpoint},
		{model.StageCommitting, o.commit},
		{model.StageIndexing, o.index},
	}
}

// execute walks the stages in order, stopping at the first failure.
func (o *Orchestrator) execute(ctx context.Context, r *run) error {
	if err := model.ValidateDocumentID(r.req.DocumentID); err != nil {
		r.stage = model.StageAcquiring
		return model.NewStageError(r.stage, err)
	}

	for _, s := range o.steps() {
		r.stage = s.stage
		if s.stage != model.StageIndexing {
			if err := ctx.Err(); err != nil {
				return model.NewStageError(s.stage, err)
			}
		}
		stageCtx := ctx
		if s.stage == model.StageCommitting || s.stage == model.StageIndexing {
			stageCtx = context.WithoutCancel(ctx)
		}

		if err := o.runStage(stageCtx, r, s); err != nil {
			return model.NewStageError(s.stage, err)
		}
	}
	r.stage = model.StageCompleted
	return nil
}

func (o *Orchestrator) runStage(ctx context.Context, r *run, s step) error {
	ctx, span := o.tracer.Start(ctx, "pipeline."+string(s.stage))
	defer span.End()

	start := time.Now()
	o.logger.Debug("stage started", "run_id", r.id, "document_id", r.req.DocumentID, "stage", s.stage)

	err := s.fn(ctx, r)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	o.logger.Info("stage completed",
		"run_id", r.id,
		"document_id", r.req.DocumentID,
		"stage", s.stage,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// collaboratorErr tags a collaborator failure, unless the failure is the
// run's own cancellation.
func collaboratorErr(ctx context.Context, stage model.Stage, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return model.Wrap(model.ErrCollaborator, string(stage), op, err)
}

func (o *Orchestrator) acquire(ctx context.Context, r *run) error {
	text, artifact, err := o.acquirer.Acquire(ctx, r.req.URL, r.req.DocumentID)
	if err != nil {
		return collaboratorErr(ctx, model.StageAcquiring, "acquire", err)
	}
	if text == "" {
		return collaboratorErr(ctx, model.StageAcquiring, "acquire", errors.New("no text acquired"))
	}
	r.raw, r.artifact = text, artifact
	return nil
}

func (o *Orchestrator) draft(ctx context.Context, r *run) error {
	out, err := o.drafter.Transform(ctx, r.raw, r.req.DraftPrompt)
	if err != nil {
		return collaboratorErr(ctx, model.StageDrafting, "transform", err)
	}
	if out == "" {
		return collaboratorErr(ctx, model.StageDrafting, "transform", errors.New("empty draft"))
	}
	r.draft = out
	return nil
}

func (o *Orchestrator) review(ctx context.Context, r *run) error {
	out, err := o.reviewer.Transform(ctx, r.draft, r.req.ReviewPrompt)
	if err != nil {
		return collaboratorErr(ctx, model.StageReviewing, "transform", err)
	}
	if out == "" {
		return collaboratorErr(ctx, model.StageReviewing, "transform", errors.New("empty review"))
	}
	r.reviewed = out
	return nil
}

// humanCheckpoint never fails the run on a checkpoint error: the reviewed
// text is committed as if approved. Cancellation still stops the run.
func (o *Orchestrator) humanCheckpoint(ctx context.Context, r *run) error {
	final, err := r.req.Checkpointer.Checkpoint(ctx, r.raw, r.reviewed, r.req.DocumentID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		o.logger.Warn("checkpoint failed, committing reviewed text",
			"run_id", r.id,
			"document_id", r.req.DocumentID,
			"error", err,
		)
		final = r.reviewed
	}
	r.final = final
	return nil
}

// commit scores the final text against the reviewed text, never against
// the raw acquisition.
func (o *Orchestrator) commit(ctx context.Context, r *run) error {
	v, err := o.versions.Commit(ctx, r.req.DocumentID, r.final, r.reviewed)
	if err != nil {
		return err
	}
	r.version = v
	return nil
}

// index failures are recorded on the report but never fail the run.
func (o *Orchestrator) index(ctx context.Context, r *run) error {
	if err := o.versions.Index(ctx, r.version); err != nil {
		o.logger.Warn("indexing failed, version remains committed",
			"run_id", r.id,
			"document_id", r.req.DocumentID,
			"version_number", r.version.VersionNumber,
			"error", err,
		)
		r.indexErr = err
	}
	return nil
}

// RunAll executes reqs concurrently, at most limit at a time (unbounded
// when limit <= 0). Runs are independent: one failing does not stop the
// others. Reports are returned in request order.
func (o *Orchestrator) RunAll(ctx context.Context, reqs []Request, limit int) []model.RunReport {
	reports := make([]model.RunReport, len(reqs))
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, req := range reqs {
		g.Go(func() error {
			reports[i], _ = o.Run(ctx, req)
			return nil
		})
	}
	_ = g.Wait()
	return reports
}

// String renders a one-line summary of a report for terminals and logs.
func String(r model.RunReport) string {
	if r.Status == model.RunStatusFailed {
		return fmt.Sprintf("%s: failed at %s (%s): %s", r.DocumentID, r.FailedStage, r.ErrorKind, r.Error)
	}
	if r.Version == nil {
		return fmt.Sprintf("%s: %s", r.DocumentID, r.Status)
	}
	return fmt.Sprintf("%s: committed version %d (reward %.4f)", r.DocumentID, r.Version.VersionNumber, r.Version.Reward)
}
