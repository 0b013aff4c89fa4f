package parsers

import (
	"context"
	"runtime"

	"github.com/sourcegraph/conc/pool"

	"cfdi-reconciliation-service/pkg/logger"
)

// StatementInput is one statement's extracted text plus its metadata
type StatementInput struct {
	Text string
	Meta StatementMeta
}

// ConcurrentParser parses independent statements in parallel. Statements
// share no mutable state, so each one gets its own worker.
type ConcurrentParser struct {
	parser         *StatementParser
	maxConcurrency int
	logger         logger.Logger
}

// NewConcurrentParser creates a ConcurrentParser. maxConcurrency <= 0 uses
// the number of CPUs.
func NewConcurrentParser(parser *StatementParser, maxConcurrency int) *ConcurrentParser {
	if maxConcurrency <= 0 {
		maxConcurrency = runtime.NumCPU()
	}
	return &ConcurrentParser{
		parser:         parser,
		maxConcurrency: maxConcurrency,
		logger:         logger.GetGlobalLogger().WithComponent("concurrent_parser"),
	}
}

// ParseMany parses all inputs and returns results in input order. It fails
// only when ctx is cancelled.
func (cp *ConcurrentParser) ParseMany(ctx context.Context, inputs []StatementInput) ([]*ParseResult, error) {
	results := make([]*ParseResult, len(inputs))
	progress := logger.NewProgressTracker("parse_statements", int64(len(inputs)), cp.logger)

	p := pool.New().WithMaxGoroutines(cp.maxConcurrency).WithContext(ctx).WithCancelOnError()
	for i := range inputs {
		i := i
		p.Go(func(ctx context.Context) error {
			res, err := cp.parser.Parse(ctx, inputs[i].Text, inputs[i].Meta)
			if err != nil {
				return err
			}
			results[i] = res
			progress.Add(1)
			return nil
		})
	}

	err := p.Wait()
	progress.Complete(err)
	if err != nil {
		return nil, err
	}
	return results, nil
}
