package bootstrap

import (
	"context"
	"fmt"

	factorrepo "afiss_backend/internal/factors/repository"
	"afiss_backend/platform/logger"
)

// FactorUpserter stores factor definitions.
type FactorUpserter interface {
	Upsert(ctx context.Context, def factorrepo.FactorDefinition) (factorrepo.Factor, error)
}

// FactorIndexer embeds factors into the vector index.
type FactorIndexer interface {
	IndexFactors(ctx context.Context, factors []factorrepo.Factor) (int, error)
}

// SeedResult reports what SeedCatalogue did.
type SeedResult struct {
	Upserted int
	Indexed  int
}

// SeedCatalogue upserts defs and, when indexer is non-nil, indexes the
// stored factors. Indexing failures are logged and reported in Indexed; they
// do not fail the seed since assessment degrades to rules without vectors.
func SeedCatalogue(ctx context.Context, defs []factorrepo.FactorDefinition, registry FactorUpserter, indexer FactorIndexer, log *logger.Logger) (SeedResult, error) {
	var res SeedResult
	stored := make([]factorrepo.Factor, 0, len(defs))
	for _, def := range defs {
		f, err := registry.Upsert(ctx, def)
		if err != nil {
			return res, fmt.Errorf("upsert factor %s: %w", def.Code, err)
		}
		stored = append(stored, f)
		res.Upserted++
	}

	if indexer == nil {
		return res, nil
	}
	n, err := indexer.IndexFactors(ctx, stored)
	res.Indexed = n
	if err != nil {
		log.Warn("factor catalogue partially indexed", "indexed", n, "total", len(stored), "error", err)
	}
	return res, nil
}
