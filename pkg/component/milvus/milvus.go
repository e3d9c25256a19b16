// Package milvus wraps the Milvus SDK client for partitioned vector collections.
package milvus

import (
	"context"
	"fmt"
	"strconv"

	"github.com/milvus-io/milvus/client/v2/column"
	"github.com/milvus-io/milvus/client/v2/entity"
	"github.com/milvus-io/milvus/client/v2/index"
	"github.com/milvus-io/milvus/client/v2/milvusclient"

	milvusopts "github.com/kart-io/ragcore/pkg/options/milvus"
)

// Client wraps the Milvus SDK client.
type Client struct {
	client *milvusclient.Client
	opts   *milvusopts.Options
}

// New creates a new Milvus client.
func New(opts *milvusopts.Options) (*Client, error) {
	if opts == nil {
		return nil, fmt.Errorf("milvus options is nil")
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	c, err := milvusclient.New(ctx, &milvusclient.ClientConfig{
		Address:  opts.Address,
		Username: opts.Username,
		Password: opts.Password,
		DBName:   opts.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to milvus: %w", err)
	}

	return &Client{
		client: c,
		opts:   opts,
	}, nil
}

// Close closes the Milvus client connection.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Close(ctx)
}

// RawClient returns the underlying Milvus client.
func (c *Client) RawClient() *milvusclient.Client {
	return c.client
}

// ChunkCollectionSchema 定义分块集合的结构。
type ChunkCollectionSchema struct {
	// Name 集合名称。
	Name string
	// Description 集合描述。
	Description string
	// Dimension 向量维度。
	Dimension int
}

// 集合字段的长度上限。
const (
	maxChunkIDLen  = 64
	maxTenantIDLen = 128
	maxContentLen  = 65535
)

// EnsureCollection creates the chunk collection if it does not exist.
// The collection uses an explicit varchar primary key so callers control
// chunk identity, a JSON metadata field, and a COSINE IVF_FLAT index.
func (c *Client) EnsureCollection(ctx context.Context, schema *ChunkCollectionSchema) error {
	exists, err := c.client.HasCollection(ctx, milvusclient.NewHasCollectionOption(schema.Name))
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	collSchema := entity.NewSchema().
		WithName(schema.Name).
		WithDescription(schema.Description).
		WithAutoID(false)

	collSchema.WithField(
		entity.NewField().
			WithName("chunk_id").
			WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(maxChunkIDLen).
			WithIsPrimaryKey(true),
	)
	collSchema.WithField(
		entity.NewField().
			WithName("tenant_id").
			WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(maxTenantIDLen),
	)
	collSchema.WithField(
		entity.NewField().
			WithName("content").
			WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(maxContentLen),
	)
	collSchema.WithField(
		entity.NewField().
			WithName("embedding").
			WithDataType(entity.FieldTypeFloatVector).
			WithDim(int64(schema.Dimension)),
	)
	collSchema.WithField(
		entity.NewField().
			WithName("metadata").
			WithDataType(entity.FieldTypeJSON),
	)
	collSchema.WithField(
		entity.NewField().
			WithName("indexed_at").
			WithDataType(entity.FieldTypeInt64),
	)

	if err := c.client.CreateCollection(ctx, milvusclient.NewCreateCollectionOption(schema.Name, collSchema)); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx := index.NewIvfFlatIndex(entity.COSINE, 128)
	createIdxTask, err := c.client.CreateIndex(ctx, milvusclient.NewCreateIndexOption(schema.Name, "embedding", idx))
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	if err := createIdxTask.Await(ctx); err != nil {
		return fmt.Errorf("failed to wait for index creation: %w", err)
	}

	loadTask, err := c.client.LoadCollection(ctx, milvusclient.NewLoadCollectionOption(schema.Name))
	if err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}
	if err := loadTask.Await(ctx); err != nil {
		return fmt.Errorf("failed to wait for collection loading: %w", err)
	}

	return nil
}

// EnsurePartition creates a partition if it does not exist.
func (c *Client) EnsurePartition(ctx context.Context, collectionName, partitionName string) error {
	exists, err := c.client.HasPartition(ctx, milvusclient.NewHasPartitionOption(collectionName, partitionName))
	if err != nil {
		return fmt.Errorf("failed to check partition existence: %w", err)
	}
	if exists {
		return nil
	}

	if err := c.client.CreatePartition(ctx, milvusclient.NewCreatePartitionOption(collectionName, partitionName)); err != nil {
		return fmt.Errorf("failed to create partition: %w", err)
	}
	return nil
}

// ChunkRow 是一行待写入的分块数据。
type ChunkRow struct {
	ChunkID   string
	TenantID  string
	Content   string
	Embedding []float32
	Metadata  []byte // JSON 编码
	IndexedAt int64
}

// InsertChunks inserts chunk rows into the given partition.
func (c *Client) InsertChunks(ctx context.Context, collectionName, partitionName string, rows []ChunkRow) error {
	if len(rows) == 0 {
		return nil
	}

	chunkIDs := make([]string, len(rows))
	tenantIDs := make([]string, len(rows))
	contents := make([]string, len(rows))
	embeddings := make([][]float32, len(rows))
	metadatas := make([][]byte, len(rows))
	indexedAts := make([]int64, len(rows))
	for i, r := range rows {
		chunkIDs[i] = r.ChunkID
		tenantIDs[i] = r.TenantID
		contents[i] = r.Content
		embeddings[i] = r.Embedding
		metadatas[i] = r.Metadata
		indexedAts[i] = r.IndexedAt
	}

	columns := []column.Column{
		column.NewColumnVarChar("chunk_id", chunkIDs),
		column.NewColumnVarChar("tenant_id", tenantIDs),
		column.NewColumnVarChar("content", contents),
		column.NewColumnFloatVector("embedding", len(embeddings[0]), embeddings),
		column.NewColumnJSONBytes("metadata", metadatas),
		column.NewColumnInt64("indexed_at", indexedAts),
	}

	opt := milvusclient.NewColumnBasedInsertOption(collectionName, columns...).
		WithPartition(partitionName)
	if _, err := c.client.Insert(ctx, opt); err != nil {
		return fmt.Errorf("failed to insert data: %w", err)
	}

	// Flush so freshly indexed chunks are searchable immediately
	flushTask, err := c.client.Flush(ctx, milvusclient.NewFlushOption(collectionName))
	if err != nil {
		return fmt.Errorf("failed to flush collection: %w", err)
	}
	if err := flushTask.Await(ctx); err != nil {
		return fmt.Errorf("failed to wait for flush: %w", err)
	}

	return nil
}

// SearchResult represents a single search result.
type SearchResult struct {
	ChunkID   string
	Score     float32
	Content   string
	Metadata  []byte
	IndexedAt int64
}

// SearchInPartition performs a vector similarity search restricted to one partition.
// Restricting the search surface to the partition is what enforces tenant isolation;
// no filtering happens after the ANN search. A positive minScore is pushed down as
// a range-search radius so the index only returns results at or above it.
func (c *Client) SearchInPartition(ctx context.Context, collectionName, partitionName string, vector []float32, topK int, minScore float64) ([]SearchResult, error) {
	searchVectors := []entity.Vector{entity.FloatVector(vector)}

	opt := milvusclient.NewSearchOption(
		collectionName,
		topK,
		searchVectors,
	).WithANNSField("embedding").
		WithPartitions(partitionName).
		WithSearchParam("nprobe", "16").
		WithOutputFields("chunk_id", "content", "metadata", "indexed_at")
	if minScore > 0 {
		// COSINE 下 radius 是相似度下界
		opt = opt.WithSearchParam("radius", strconv.FormatFloat(minScore, 'f', -1, 64))
	}

	results, err := c.client.Search(ctx, opt)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	if len(results) == 0 {
		return []SearchResult{}, nil
	}

	searchResults := make([]SearchResult, 0, results[0].ResultCount)
	for i := 0; i < results[0].ResultCount; i++ {
		result := SearchResult{
			Score: results[0].Scores[i],
		}

		if idCol, ok := results[0].IDs.(*column.ColumnVarChar); ok {
			result.ChunkID = idCol.Data()[i]
		}

		for _, field := range results[0].Fields {
			switch col := field.(type) {
			case *column.ColumnVarChar:
				switch col.Name() {
				case "chunk_id":
					result.ChunkID = col.Data()[i]
				case "content":
					result.Content = col.Data()[i]
				}
			case *column.ColumnJSONBytes:
				if col.Name() == "metadata" {
					result.Metadata = col.Data()[i]
				}
			case *column.ColumnInt64:
				if col.Name() == "indexed_at" {
					result.IndexedAt = col.Data()[i]
				}
			}
		}

		searchResults = append(searchResults, result)
	}

	return searchResults, nil
}

// DeleteChunks deletes chunks by their IDs within a partition.
func (c *Client) DeleteChunks(ctx context.Context, collectionName, partitionName string, chunkIDs []string) error {
	opt := milvusclient.NewDeleteOption(collectionName).
		WithPartition(partitionName).
		WithStringIDs("chunk_id", chunkIDs)
	if _, err := c.client.Delete(ctx, opt); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

// DropPartition removes a partition and all its data.
func (c *Client) DropPartition(ctx context.Context, collectionName, partitionName string) error {
	if err := c.client.ReleasePartitions(ctx, milvusclient.NewReleasePartitionsOptions(collectionName, partitionName)); err != nil {
		return fmt.Errorf("failed to release partition: %w", err)
	}

	if err := c.client.DropPartition(ctx, milvusclient.NewDropPartitionOption(collectionName, partitionName)); err != nil {
		return fmt.Errorf("failed to drop partition: %w", err)
	}
	return nil
}

// DropCollection drops a collection.
func (c *Client) DropCollection(ctx context.Context, collectionName string) error {
	if err := c.client.DropCollection(ctx, milvusclient.NewDropCollectionOption(collectionName)); err != nil {
		return fmt.Errorf("failed to drop collection: %w", err)
	}
	return nil
}

// ServerVersion returns the Milvus server version string.
func (c *Client) ServerVersion(ctx context.Context) (string, error) {
	version, err := c.client.GetServerVersion(ctx, milvusclient.NewGetServerVersionOption())
	if err != nil {
		return "", fmt.Errorf("failed to get server version: %w", err)
	}
	return version, nil
}

// GetCollectionStats returns the number of entities in a collection.
func (c *Client) GetCollectionStats(ctx context.Context, collectionName string) (int64, error) {
	stats, err := c.client.GetCollectionStats(ctx, milvusclient.NewGetCollectionStatsOption(collectionName))
	if err != nil {
		return 0, fmt.Errorf("failed to get collection stats: %w", err)
	}

	if val, ok := stats["row_count"]; ok {
		return strconv.ParseInt(val, 10, 64)
	}
	return 0, nil
}
