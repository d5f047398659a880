package extract

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-stats-ingest/internal/ingest"
)

// Input is one fetched document handed to a parser.
type Input struct {
	URL  string
	Body []byte
	// CategoryHint names the source category page the document came from
	// (demographics, economy, inflation, ...). Empty when unknown.
	CategoryHint string
}

// Unit is one extraction outcome: a table, or the error that prevented it.
type Unit struct {
	Table ingest.RawTable
	Err   error
}

// TableParser turns a document into extraction units. A returned error
// means the whole document was unreadable.
type TableParser interface {
	ParseTables(ctx context.Context, in Input) ([]Unit, error)
}

// Stage transforms one successfully parsed table.
type Stage func(in Input, t ingest.RawTable) (ingest.RawTable, error)

// Pipeline runs a parser and then every stage over each table it produced.
type Pipeline struct {
	parser TableParser
	stages []Stage
	logger *zap.Logger
}

// NewPipeline builds a pipeline with the standard stages: drop degenerate
// tables, strip a repeated header row, normalize columns, annotate time
// period and shape, and fingerprint the content.
func NewPipeline(parser TableParser, hasher ingest.Hasher, clock ingest.Clock, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		parser: parser,
		stages: []Stage{
			dropDegenerate,
			stripDuplicateHeaderStage,
			normalizeStage,
			timePeriodStage(clock),
			shapeStage,
			hashStage(hasher),
		},
		logger: logger,
	}
}

// errSkip marks tables that are silently dropped rather than failed.
var errSkip = errors.New("skip table")

// Extract parses in and post-processes every table. Unit failures are kept
// in the result so callers can record them; only a document-level parse
// failure or an empty result is returned as an error.
func (p *Pipeline) Extract(ctx context.Context, in Input) ([]Unit, error) {
	units, err := p.parser.ParseTables(ctx, in)
	if err != nil {
		return nil, &ExtractionError{Unit: in.URL, Err: err}
	}
	out := make([]Unit, 0, len(units))
	for _, u := range units {
		if u.Err != nil {
			p.logger.Warn("table extraction failed", zap.String("url", in.URL), zap.Error(u.Err))
			out = append(out, u)
			continue
		}
		t, err := p.apply(in, u.Table)
		if errors.Is(err, errSkip) {
			p.logger.Debug("dropping degenerate table", zap.String("url", in.URL), zap.String("title", u.Table.Title))
			continue
		}
		if err != nil {
			p.logger.Warn("table post-processing failed", zap.String("url", in.URL), zap.Error(err))
			out = append(out, Unit{Table: u.Table, Err: &ExtractionError{Unit: u.Table.Title, Err: err}})
			continue
		}
		out = append(out, Unit{Table: t})
	}
	if len(out) == 0 {
		return nil, ErrNoTables
	}
	return out, nil
}

func (p *Pipeline) apply(in Input, t ingest.RawTable) (ingest.RawTable, error) {
	if t.Metadata == nil {
		t.Metadata = ingest.Metadata{}
	}
	for _, stage := range p.stages {
		var err error
		if t, err = stage(in, t); err != nil {
			return t, err
		}
	}
	return t, nil
}
