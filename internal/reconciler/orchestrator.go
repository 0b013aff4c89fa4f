// Package reconciler runs a complete reconciliation window.
//
// The Pipeline coordinates the stages in order:
//   - statement text extraction for file inputs
//   - concurrent statement parsing
//   - record filtering against the request window
//   - deterministic tiered matching
//   - semantic matching of what the tiers left behind
//   - result and summary generation
//
// Example usage:
//
//	pipeline, err := reconciler.NewPipeline(reconciler.DefaultConfig(), matcher.NewMatchingEngine(nil), chain)
//	pipeline.AddProgressCallback(func(progress Progress) {
//		fmt.Printf("Progress: %.1f%% - %s\n", progress.PercentComplete, progress.CurrentStep)
//	})
//
//	result, err := pipeline.Run(ctx, &reconciler.Request{
//		Files:    []reconciler.StatementFile{{Path: "enero.pdf", Meta: meta}},
//		Invoices: invoices,
//	})
package reconciler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"

	"cfdi-reconciliation-service/internal/extractor"
	"cfdi-reconciliation-service/internal/matcher"
	"cfdi-reconciliation-service/internal/models"
	"cfdi-reconciliation-service/internal/parsers"
	"cfdi-reconciliation-service/internal/semantic"
	"cfdi-reconciliation-service/pkg/errors"
	"cfdi-reconciliation-service/pkg/logger"
)

const totalSteps = 7

// Pipeline runs parse, deterministic matching and semantic matching over
// one reconciliation window. It never accepts matches: everything it
// returns is a proposal for review.
type Pipeline struct {
	config       *Config
	extractor    *extractor.Extractor
	parser       *parsers.ConcurrentParser
	preprocessor *Preprocessor
	engine       *matcher.MatchingEngine
	edges        *matcher.EdgeCaseHandler
	strategy     semantic.Strategy
	logger       logger.Logger

	progressCallbacks []ProgressCallback
	progress          Progress
	progressMutex     sync.RWMutex
}

// Progress tracks the progress of a run
type Progress struct {
	TotalSteps         int           `json:"total_steps"`
	CompletedSteps     int           `json:"completed_steps"`
	CurrentStep        string        `json:"current_step"`
	PercentComplete    float64       `json:"percent_complete"`
	StartTime          time.Time     `json:"start_time"`
	ElapsedTime        time.Duration `json:"elapsed_time"`
	EstimatedRemaining time.Duration `json:"estimated_remaining"`
	Warnings           int           `json:"warnings"`
}

// ProgressCallback is called with a snapshot after every step
type ProgressCallback func(Progress)

// NewPipeline creates a pipeline. A nil engine uses the default tier table;
// a nil strategy skips the semantic stage.
func NewPipeline(config *Config, engine *matcher.MatchingEngine, strategy semantic.Strategy) (*Pipeline, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "pipeline", config, err)
	}
	if engine == nil {
		engine = matcher.NewMatchingEngine(nil)
	}
	if err := engine.ValidateConfiguration(); err != nil {
		return nil, err
	}

	parser, err := parsers.NewStatementParser(config.Parser)
	if err != nil {
		return nil, err
	}

	log := logger.GetGlobalLogger().WithComponent("reconciliation_pipeline")
	log.WithFields(logger.Fields{
		"max_concurrent_statements": config.MaxConcurrentStatements,
		"semantic":                  strategy != nil,
	}).Debug("Creating reconciliation pipeline")

	return &Pipeline{
		config:       config,
		extractor:    extractor.New(),
		parser:       parsers.NewConcurrentParser(parser, config.MaxConcurrentStatements),
		preprocessor: NewPreprocessor(config.Preprocessing),
		engine:       engine,
		edges:        matcher.NewEdgeCaseHandler(engine.GetConfiguration()),
		strategy:     strategy,
		logger:       log,
		progress:     Progress{TotalSteps: totalSteps},
	}, nil
}

// AddProgressCallback adds a progress callback function
func (p *Pipeline) AddProgressCallback(callback ProgressCallback) {
	p.progressCallbacks = append(p.progressCallbacks, callback)
}

// Run executes one reconciliation. Invalid requests and cancellation return
// a nil result. Failures that only affect part of the run, such as an
// unreadable statement file or a failing semantic strategy, are returned as
// a combined error next to a usable result.
func (p *Pipeline) Run(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()
	p.initializeProgress(start)

	p.updateProgress("Validating request", 0)
	if err := req.Validate(); err != nil {
		return nil, err
	}

	p.logger.WithFields(logger.Fields{
		"statements": len(req.Statements),
		"files":      len(req.Files),
		"invoices":   len(req.Invoices),
	}).Info("Starting reconciliation")

	result := &Result{ProcessedAt: start, Summary: newSummary()}
	var partial error

	p.updateProgress("Reading statements", 1)
	inputs, err := p.readStatements(ctx, req)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		partial = multierr.Append(partial, err)
		p.addWarnings(result, err)
	}
	if len(inputs) == 0 {
		return nil, errors.ReconciliationError(errors.CodeMissingField, "statements", partial).
			WithSuggestion("None of the statements could be read; check the file paths and formats")
	}

	p.updateProgress("Parsing statements", 2)
	parseStart := time.Now()
	parsed, err := p.parser.ParseMany(ctx, inputs)
	if err != nil {
		return nil, err
	}
	transactions := p.collectStatements(result, parsed)
	result.Summary.ParsingTime = time.Since(parseStart)

	p.updateProgress("Preprocessing", 3)
	stats := &PreprocessingStats{}
	transactions, err = p.preprocessor.PreprocessTransactions(transactions, req.Window, stats)
	p.addWarnings(result, err)
	invoices, err := p.preprocessor.PreprocessInvoices(req.Invoices, req.Window, stats)
	p.addWarnings(result, err)
	result.Transactions = transactions
	result.Invoices = invoices
	result.DuplicateInvoices = p.edges.DetectDuplicateInvoices(invoices).Groups
	p.logger.WithFields(logger.Fields{
		"transactions":   stats.TransactionsOut,
		"invoices":       stats.InvoicesOut,
		"outside_window": stats.OutsideWindow,
	}).Debug("Preprocessing completed")

	p.updateProgress("Deterministic matching", 4)
	var deterministic *matcher.MatchResult
	result.Summary.MatchingTime = logger.Timed("deterministic_matching", p.logger, func() {
		deterministic = p.engine.Match(transactions, invoices)
	})
	result.Matches = deterministic.Matches
	result.Ambiguous = deterministic.Ambiguous
	result.Duplicates = deterministic.Duplicates
	unmatched := deterministic.Unmatched
	unused := deterministic.UnusedInvoices

	p.updateProgress("Semantic matching", 5)
	if p.strategy != nil && len(unmatched) > 0 && len(unused) > 0 {
		semanticStart := time.Now()
		proposals, err := p.strategy.MatchBatch(ctx, unmatchedTransactions(unmatched), unused, p.config.Semantic)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if err != nil {
			partial = multierr.Append(partial, err)
			p.addWarnings(result, err)
		}
		result.Matches = append(result.Matches, proposals...)
		unmatched, unused = withoutProposals(unmatched, unused, proposals)
		result.Summary.SemanticTime = time.Since(semanticStart)
	}

	p.updateProgress("Building result", 6)
	result.Unmatched = p.explainUnmatched(unmatched, unused)
	result.UnusedInvoices = unused
	p.summarize(result, len(parsed), len(invoices))
	result.Summary.TotalTime = time.Since(start)

	p.updateProgress("Completed", totalSteps)
	p.logger.WithFields(logger.Fields{
		"matched":      result.Summary.Matched,
		"needs_review": result.Summary.NeedsReview,
		"ambiguous":    result.Summary.Ambiguous,
		"unmatched":    result.Summary.Unmatched,
		"elapsed":      result.Summary.TotalTime,
	}).Info("Reconciliation completed")

	return result, partial
}

// Progress returns a snapshot of the current progress
func (p *Pipeline) Progress() Progress {
	p.progressMutex.RLock()
	defer p.progressMutex.RUnlock()
	return p.progress
}

func (p *Pipeline) initializeProgress(start time.Time) {
	p.progressMutex.Lock()
	defer p.progressMutex.Unlock()
	p.progress = Progress{TotalSteps: totalSteps, StartTime: start}
}

func (p *Pipeline) updateProgress(step string, completed int) {
	p.progressMutex.Lock()
	p.progress.CurrentStep = step
	p.progress.CompletedSteps = completed
	p.progress.ElapsedTime = time.Since(p.progress.StartTime)
	p.progress.PercentComplete = float64(completed) / float64(p.progress.TotalSteps) * 100
	p.progress.EstimatedRemaining = 0
	if completed > 0 && completed < p.progress.TotalSteps {
		perStep := p.progress.ElapsedTime / time.Duration(completed)
		p.progress.EstimatedRemaining = perStep * time.Duration(p.progress.TotalSteps-completed)
	}
	snapshot := p.progress
	p.progressMutex.Unlock()

	for _, callback := range p.progressCallbacks {
		callback(snapshot)
	}
}

// addWarnings records every error inside err as a result warning
func (p *Pipeline) addWarnings(result *Result, err error) {
	if err == nil {
		return
	}
	errs := multierr.Errors(err)
	for _, e := range errs {
		result.Warnings = append(result.Warnings, e.Error())
		p.logger.WithError(e).Warn("Reconciliation warning")
	}

	p.progressMutex.Lock()
	p.progress.Warnings += len(errs)
	p.progressMutex.Unlock()
}

func unmatchedTransactions(unmatched []*models.Unmatched) []*models.Transaction {
	out := make([]*models.Transaction, len(unmatched))
	for i, u := range unmatched {
		out[i] = u.Transaction
	}
	return out
}
