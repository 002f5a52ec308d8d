package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
	"github.com/raphi011/testreport/internal/model"
)

// ElasticSearchHook indexes every result of a run into elasticsearch before
// the run is delivered, so results can be queried next to the logs of the
// system under test.
type ElasticSearchHook struct {
	addresses []string
	index     string
	client    *elasticsearch.Client

	log *slog.Logger
}

func NewElasticSearchHook(address, index string, log *slog.Logger) *ElasticSearchHook {
	return &ElasticSearchHook{
		addresses: []string{address},
		index:     index,
		log:       log,
	}
}

func (p *ElasticSearchHook) Name() string {
	return "elastic-search"
}

func (p *ElasticSearchHook) Init() error {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: p.addresses,
	})
	if err != nil {
		return fmt.Errorf("creating elasticsearch client: %w", err)
	}

	p.client = client

	return nil
}

// resultDocument is the indexed form of a result.
type resultDocument struct {
	model.Result
	Project string `json:"project,omitempty"`
	// Artifacts lists the file names of the artifacts of the result.
	Artifacts []string `json:"artifacts"`
}

// BeforeShutdown bulk indexes all results. Results are indexed by their id,
// indexing a run again overwrites the earlier documents.
func (p *ElasticSearchHook) BeforeShutdown(ctx context.Context, bundle model.Bundle) (model.Metadata, error) {
	var failed atomic.Int64

	bi, err := esutil.NewBulkIndexer(esutil.BulkIndexerConfig{
		Client:        p.client,
		Index:         p.index,
		FlushInterval: time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("creating bulk indexer: %w", err)
	}

	project, _ := bundle.Run.Metadata["project"].(string)

	for _, r := range bundle.Results {
		doc := resultDocument{Result: r, Project: project, Artifacts: []string{}}
		for _, a := range bundle.ResultArtifacts(r.ID) {
			doc.Artifacts = append(doc.Artifacts, a.Filename)
		}

		data, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("encoding result %s: %w", r.ID, err)
		}

		err = bi.Add(ctx, esutil.BulkIndexerItem{
			Action:     "index",
			DocumentID: r.ID,
			Body:       bytes.NewReader(data),
			OnFailure: func(ctx context.Context, item esutil.BulkIndexerItem, res esutil.BulkIndexerResponseItem, err error) {
				failed.Add(1)
				if err != nil {
					p.log.Warn("unable to index result", "result-id", item.DocumentID, "error", err)
				} else {
					p.log.Warn("unable to index result", "result-id", item.DocumentID, "type", res.Error.Type, "reason", res.Error.Reason)
				}
			},
		})
		if err != nil {
			return nil, fmt.Errorf("adding result %s: %w", r.ID, err)
		}
	}

	if err := bi.Close(ctx); err != nil {
		return nil, fmt.Errorf("flushing bulk indexer: %w", err)
	}

	stats := bi.Stats()
	if failed.Load() > 0 {
		return nil, fmt.Errorf("%d of %d results could not be indexed", failed.Load(), len(bundle.Results))
	}

	p.log.Info("indexed results", "index", p.index, "results", stats.NumIndexed)

	return model.Metadata{"elasticsearch_index": p.index}, nil
}
