package memory

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"
)

// SemanticEntry is one indexed item in the semantic tier. ID is the domain
// identifier for the entry: a ChittyID for evidence, an interaction UUID for
// agent memory.
type SemanticEntry struct {
	ID       string
	AgentID  string // owning agent, or "" for shared evidence entries
	Kind     string // "interaction" or "evidence"
	Text     string
	Vector   []float32
	Score    float32 // populated on query results
	Metadata map[string]string
}

// SemanticIndex is Tier 2: a dense-vector index with cosine similarity.
// When the backing service is unavailable, implementations degrade to empty
// results rather than failing the caller's path; that degradation is a known
// contract, not a bug.
type SemanticIndex interface {
	Upsert(ctx context.Context, entry SemanticEntry) error
	Query(ctx context.Context, vector []float32, k int, filter map[string]string) ([]SemanticEntry, error)
	Healthy(ctx context.Context) error
	Close() error
}

// pointNamespace derives deterministic Qdrant point UUIDs from ChittyIDs.
var pointNamespace = uuid.MustParse("8a9e6f40-31d2-4c4f-9f07-5b1d2c8e4a61")

// QdrantIndex implements SemanticIndex backed by a Qdrant collection.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger

	healthGroup singleflight.Group
}

// QdrantConfig holds connection settings for the semantic tier.
type QdrantConfig struct {
	URL        string
	APIKey     string
	Collection string
	Dims       uint64
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// If the REST port (6333) is specified, the gRPC port (6334) is used.
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("memory: invalid qdrant URL: %q", rawURL)
	}
	useTLS = u.Scheme == "https"
	host = u.Hostname()
	port = 6334
	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("memory: invalid port in qdrant URL: %q", portStr)
		}
		if p != 6333 {
			port = p
		}
	}
	return host, port, useTLS, nil
}

// NewQdrantIndex connects to Qdrant via gRPC.
func NewQdrantIndex(cfg QdrantConfig, logger *slog.Logger) (*QdrantIndex, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("memory: connect to qdrant at %s:%d: %w", host, port, err)
	}
	return &QdrantIndex{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection and payload indexes if missing.
// Index creation is idempotent on Qdrant, so restarts backfill safely.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("memory: check collection exists: %w", err)
	}
	if !exists {
		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.dims,
				Distance: qdrant.Distance_Cosine,
			}),
		}); err != nil {
			return fmt.Errorf("memory: create collection %q: %w", q.collection, err)
		}
		q.logger.Info("qdrant: created collection", "collection", q.collection, "dims", q.dims)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range []string{"chitty_id", "agent_id", "kind"} {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return fmt.Errorf("memory: ensure index on %q: %w", field, err)
		}
	}
	return nil
}

// Upsert inserts or replaces one entry. The Qdrant point ID is derived
// deterministically from the ChittyID so re-upserts overwrite in place.
func (q *QdrantIndex) Upsert(ctx context.Context, entry SemanticEntry) error {
	if len(entry.Vector) == 0 {
		return nil // Nothing to index; embedding provider degraded.
	}
	payload := map[string]any{
		"chitty_id": entry.ID,
		"agent_id":  entry.AgentID,
		"kind":      entry.Kind,
	}
	for k, v := range entry.Metadata {
		payload[k] = v
	}

	pointID := uuid.NewSHA1(pointNamespace, []byte(entry.ID)).String()
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(pointID),
			Vectors: qdrant.NewVectorsDense(entry.Vector),
			Payload: qdrant.NewValueMap(payload),
		}},
	})
	if err != nil {
		return fmt.Errorf("memory: qdrant upsert: %w", err)
	}
	return nil
}

// Query returns the k nearest entries by cosine similarity, optionally
// restricted by exact-match payload filters (e.g. agent_id, kind).
func (q *QdrantIndex) Query(ctx context.Context, vector []float32, k int, filter map[string]string) ([]SemanticEntry, error) {
	if len(vector) == 0 {
		return nil, nil
	}
	if k <= 0 {
		k = 10
	}

	var must []*qdrant.Condition
	for field, value := range filter {
		must = append(must, qdrant.NewMatch(field, value))
	}

	limit := uint64(k) //nolint:gosec // k is small and positive
	query := &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vector),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if len(must) > 0 {
		query.Filter = &qdrant.Filter{Must: must}
	}

	scored, err := q.client.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memory: qdrant query: %w", err)
	}

	results := make([]SemanticEntry, 0, len(scored))
	for _, sp := range scored {
		entry := SemanticEntry{Score: sp.Score, Metadata: map[string]string{}}
		for field, value := range sp.Payload {
			s := value.GetStringValue()
			switch field {
			case "chitty_id":
				entry.ID = s
			case "agent_id":
				entry.AgentID = s
			case "kind":
				entry.Kind = s
			default:
				entry.Metadata[field] = s
			}
		}
		results = append(results, entry)
	}
	return results, nil
}

// Healthy checks the collection, deduplicating concurrent probes.
func (q *QdrantIndex) Healthy(ctx context.Context) error {
	_, err, _ := q.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		_, err := q.client.CollectionExists(checkCtx, q.collection)
		return nil, err
	})
	return err
}

// Close shuts down the gRPC connection.
func (q *QdrantIndex) Close() error { return q.client.Close() }

// NoopIndex is the degraded semantic tier: upserts are dropped, queries
// return empty results. Installed when no Qdrant is configured.
type NoopIndex struct{}

func (NoopIndex) Upsert(context.Context, SemanticEntry) error { return nil }
func (NoopIndex) Query(context.Context, []float32, int, map[string]string) ([]SemanticEntry, error) {
	return nil, nil
}
func (NoopIndex) Healthy(context.Context) error { return nil }
func (NoopIndex) Close() error                  { return nil }
