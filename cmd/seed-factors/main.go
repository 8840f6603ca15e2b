package main

import (
	"context"
	"os"

	"afiss_backend/internal/bootstrap"
	embeddingsvc "afiss_backend/internal/embeddings/service"
	"afiss_backend/internal/factors/catalogue"
	factorrepo "afiss_backend/internal/factors/repository"
	factorsvc "afiss_backend/internal/factors/service"
	"afiss_backend/platform/config"
	"afiss_backend/platform/logger"
)

// seed-factors upserts the factor catalogue and embeds every factor.
// Usage: seed-factors [catalogue.yaml]; without an argument the built-in
// catalogue is used.
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting factor catalogue seed")

	ctx := context.Background()

	defs, source, err := loadCatalogue(os.Args[1:])
	if err != nil {
		log.Error("failed to read factor catalogue", "source", source, "error", err)
		panic("failed to read factor catalogue: " + err.Error())
	}

	stores, err := bootstrap.OpenStores(ctx, cfg, log, true)
	if err != nil {
		log.Error("failed to open stores", "error", err)
		panic("failed to open stores: " + err.Error())
	}
	defer stores.Close()

	idx, err := bootstrap.NewIndex(ctx, cfg, stores.Pool, log)
	if err != nil {
		log.Error("failed to initialize vector index", "error", err)
		panic("failed to initialize vector index: " + err.Error())
	}
	emb, err := bootstrap.NewEmbedder(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialize embedder", "error", err)
		panic("failed to initialize embedder: " + err.Error())
	}

	registry := factorsvc.New(stores.Factors, nil, log, cfg.GetMaxWeightRetries())
	indexer := embeddingsvc.New(idx, emb, registry, log)

	res, err := bootstrap.SeedCatalogue(ctx, defs, registry, indexer, log)
	if err != nil {
		log.Error("factor catalogue seed failed", "upserted", res.Upserted, "error", err)
		os.Exit(1)
	}
	log.Info("factor catalogue seeded", "source", source, "factors", res.Upserted, "indexed", res.Indexed)
}

func loadCatalogue(args []string) ([]factorrepo.FactorDefinition, string, error) {
	if len(args) == 0 {
		defs, err := catalogue.Default()
		return defs, "built-in", err
	}

	path := args[0]
	f, err := os.Open(path)
	if err != nil {
		return nil, path, err
	}
	defer func() { _ = f.Close() }()

	defs, err := catalogue.Read(f)
	return defs, path, err
}
