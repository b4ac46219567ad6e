package engine

import (
	"context"
)

// PreviewResult summarizes a sample read from the source without
// committing to a full run (spec §4.10).
type PreviewResult struct {
	ValidRecords   []map[string]interface{}
	InvalidRecords []map[string]interface{}
	TotalSampled   int
	Columns        []string
}

// Preview reads at most maxRecords records from source, applying alias
// resolution, transforms, and validation to each but performing no
// state-store writes and emitting no events beyond whatever the source
// itself triggers. Only valid from CREATED; drives CREATED -> PREVIEWING
// -> PREVIEWED.
func Preview(ctx context.Context, jc *JobContext, source DataSource, parser SourceParser, maxRecords int) (PreviewResult, error) {
	if err := jc.Transition(JobPreviewing); err != nil {
		return PreviewResult{}, err
	}

	result, err := sampleAndValidate(ctx, jc, source, parser, maxRecords)
	if err != nil {
		_ = jc.Transition(JobFailed)
		return PreviewResult{}, err
	}

	if err := jc.Transition(JobPreviewed); err != nil {
		return PreviewResult{}, err
	}
	return result, nil
}

// Count reads the entire source through the parser, applying no
// validation, and reports the total record count — used by the engine's
// count() operation, which never changes job status.
func Count(ctx context.Context, source DataSource, parser SourceParser) (int, error) {
	chunks, errs := source.Read(ctx)
	total := 0
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return total, nil
			}
			raws, err := parser.Parse(chunk)
			if err != nil {
				return total, err
			}
			total += len(raws)
		case err := <-errs:
			if err != nil {
				return total, err
			}
		case <-ctx.Done():
			return total, ctx.Err()
		}
	}
}

func sampleAndValidate(ctx context.Context, jc *JobContext, source DataSource, parser SourceParser, maxRecords int) (PreviewResult, error) {
	validator := jc.Validator()
	chunks, errs := source.Read(ctx)

	var result PreviewResult
	columnSet := make(map[string]bool)

	for result.TotalSampled < maxRecords {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return finalizePreview(result, columnSet), nil
			}
			raws, err := parser.Parse(chunk)
			if err != nil {
				return result, err
			}
			for _, raw := range raws {
				if result.TotalSampled >= maxRecords {
					return finalizePreview(result, columnSet), nil
				}
				parsed, rerr := validator.Run(raw)
				if rerr != nil {
					result.InvalidRecords = append(result.InvalidRecords, validator.ResolveAliases(raw))
					result.TotalSampled++
					continue
				}
				if parsed.IsValid {
					result.ValidRecords = append(result.ValidRecords, parsed.Parsed)
				} else {
					result.InvalidRecords = append(result.InvalidRecords, parsed.Parsed)
				}
				result.TotalSampled++
				for k := range parsed.Parsed {
					columnSet[k] = true
				}
			}
		case err := <-errs:
			if err != nil {
				return result, err
			}
		case <-ctx.Done():
			return result, ctx.Err()
		}
	}
	return finalizePreview(result, columnSet), nil
}

func finalizePreview(result PreviewResult, columnSet map[string]bool) PreviewResult {
	columns := make([]string, 0, len(columnSet))
	for k := range columnSet {
		columns = append(columns, k)
	}
	result.Columns = columns
	return result
}
