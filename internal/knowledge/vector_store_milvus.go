package knowledge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"gorm.io/gorm"

	"github.com/aihub/rag-core/internal/models"
	"github.com/aihub/rag-core/internal/tenant"
)

// MilvusOptions Milvus客户端配置
type MilvusOptions struct {
	Address    string
	Username   string
	Password   string
	Collection string
	Database   string
	VectorSize int
	Timeout    time.Duration
}

// MilvusVectorStore Milvus向量存储
// Postgres仍是记录的系统来源，Milvus只保存检索副本；
// 租户隔离通过标量字段过滤表达式实现
type MilvusVectorStore struct {
	milvusClient client.Client
	collection   string
	vectorSize   int

	// 记录生命周期（停用）仍走Postgres
	records *PgVectorStore
}

// NewMilvusVectorStore 创建Milvus向量存储
func NewMilvusVectorStore(opts MilvusOptions, db *gorm.DB) (*MilvusVectorStore, error) {
	if opts.Address == "" {
		opts.Address = "localhost:19530"
	}
	if opts.Collection == "" {
		opts.Collection = "tenant_embeddings"
	}
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.VectorSize == 0 {
		opts.VectorSize = 1536
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	milvusClient, err := client.NewClient(ctx, client.Config{
		Address:  opts.Address,
		DBName:   opts.Database,
		Username: opts.Username,
		Password: opts.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	store := &MilvusVectorStore{
		milvusClient: milvusClient,
		collection:   opts.Collection,
		vectorSize:   opts.VectorSize,
		records:      NewPgVectorStore(db),
	}
	if err := store.ensureCollection(context.Background()); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MilvusVectorStore) ensureCollection(ctx context.Context) error {
	hasCollection, err := s.milvusClient.HasCollection(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if hasCollection {
		return nil
	}

	schema := &entity.Schema{
		CollectionName: s.collection,
		Description:    "tenant scoped content embeddings",
		Fields: []*entity.Field{
			{
				Name:       "record_id",
				DataType:   entity.FieldTypeInt64,
				PrimaryKey: true,
				AutoID:     false,
			},
			{
				Name:       "organization_id",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "36"},
			},
			{
				Name:       "site_id",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "36"},
			},
			{
				Name:       "source_type",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "20"},
			},
			{
				Name:       "source_id",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "64"},
			},
			{
				Name:       "content",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "65535"},
			},
			{
				Name:     "vector",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", s.vectorSize),
				},
			},
		},
	}

	if err := s.milvusClient.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	index, err := entity.NewIndexHNSW(entity.COSINE, 8, 64)
	if err != nil {
		return fmt.Errorf("failed to build index definition: %w", err)
	}
	if err := s.milvusClient.CreateIndex(ctx, s.collection, "vector", index, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

func (s *MilvusVectorStore) Upsert(ctx context.Context, record *models.EmbeddingRecord) error {
	if len(record.Embedding) == 0 {
		return fmt.Errorf("embedding is empty")
	}

	embedding := record.Embedding
	if len(embedding) != s.vectorSize {
		// 维度不一致时截断/补零对齐
		aligned := make([]float32, s.vectorSize)
		copy(aligned, embedding)
		embedding = aligned
	}

	idColumn := entity.NewColumnInt64("record_id", []int64{int64(record.ID)})
	orgColumn := entity.NewColumnVarChar("organization_id", []string{record.OrganizationID})
	siteColumn := entity.NewColumnVarChar("site_id", []string{record.SiteID})
	sourceTypeColumn := entity.NewColumnVarChar("source_type", []string{record.SourceType})
	sourceIDColumn := entity.NewColumnVarChar("source_id", []string{record.SourceID})
	contentColumn := entity.NewColumnVarChar("content", []string{record.Content})
	vectorColumn := entity.NewColumnFloatVector("vector", s.vectorSize, [][]float32{embedding})

	_, err := s.milvusClient.Insert(ctx, s.collection, "",
		idColumn, orgColumn, siteColumn, sourceTypeColumn, sourceIDColumn, contentColumn, vectorColumn)
	if err != nil {
		return fmt.Errorf("milvus insert failed: %w", err)
	}
	return nil
}

func (s *MilvusVectorStore) DeactivateSource(ctx context.Context, tc tenant.Context, sourceType, sourceID string) error {
	if !tc.Valid() {
		return fmt.Errorf("tenant context required")
	}

	expr := fmt.Sprintf(
		`organization_id == "%s" && site_id == "%s" && source_type == "%s" && source_id == "%s"`,
		tc.OrganizationID, tc.SiteID, sourceType, sourceID)
	if err := s.milvusClient.Delete(ctx, s.collection, "", expr); err != nil {
		return fmt.Errorf("milvus delete failed: %w", err)
	}

	return s.records.DeactivateSource(ctx, tc, sourceType, sourceID)
}

// DeactivateSuperseded 删除同一来源旧版本的Milvus副本后停用Postgres记录。
// Milvus的schema没有is_active字段，旧版本必须物理删除才不会被检回
func (s *MilvusVectorStore) DeactivateSuperseded(ctx context.Context, tc tenant.Context, sourceType, sourceID string, exceptID uint) error {
	if !tc.Valid() {
		return fmt.Errorf("tenant context required")
	}

	expr := fmt.Sprintf(
		`organization_id == "%s" && site_id == "%s" && source_type == "%s" && source_id == "%s" && record_id != %d`,
		tc.OrganizationID, tc.SiteID, sourceType, sourceID, exceptID)
	if err := s.milvusClient.Delete(ctx, s.collection, "", expr); err != nil {
		return fmt.Errorf("milvus delete failed: %w", err)
	}

	return s.records.DeactivateSuperseded(ctx, tc, sourceType, sourceID, exceptID)
}

func (s *MilvusVectorStore) Search(ctx context.Context, req VectorSearchRequest) ([]Candidate, error) {
	if len(req.QueryEmbedding) == 0 {
		return nil, nil
	}
	if !req.Tenant.Valid() {
		return nil, fmt.Errorf("tenant context required")
	}
	if req.Limit == 0 {
		req.Limit = 20
	}

	expr := fmt.Sprintf(`organization_id == "%s" && site_id == "%s"`,
		req.Tenant.OrganizationID, req.Tenant.SiteID)
	if len(req.SourceTypes) > 0 {
		quoted := make([]string, 0, len(req.SourceTypes))
		for _, st := range req.SourceTypes {
			quoted = append(quoted, fmt.Sprintf("%q", st))
		}
		expr += fmt.Sprintf(" && source_type in [%s]", strings.Join(quoted, ","))
	}

	ef := req.EfSearch
	if ef <= 0 {
		ef = 64
	}
	sp, _ := entity.NewIndexHNSWSearchParam(ef)

	searchResults, err := s.milvusClient.Search(
		ctx,
		s.collection,
		[]string{},
		expr,
		[]string{"record_id", "source_type", "source_id", "content"},
		[]entity.Vector{entity.FloatVector(req.QueryEmbedding)},
		"vector",
		entity.COSINE,
		req.Limit,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("milvus search failed: %w", err)
	}
	if len(searchResults) == 0 {
		return []Candidate{}, nil
	}
	result := searchResults[0]
	if result.Err != nil {
		return nil, fmt.Errorf("milvus search error: %w", result.Err)
	}

	var ids []int64
	if idCol, ok := result.IDs.(*entity.ColumnInt64); ok {
		ids = idCol.Data()
	}

	var sourceTypes, sourceIDs, contents []string
	for _, field := range result.Fields {
		switch field.Name() {
		case "source_type":
			if col, ok := field.(*entity.ColumnVarChar); ok {
				sourceTypes = col.Data()
			}
		case "source_id":
			if col, ok := field.(*entity.ColumnVarChar); ok {
				sourceIDs = col.Data()
			}
		case "content":
			if col, ok := field.(*entity.ColumnVarChar); ok {
				contents = col.Data()
			}
		}
	}

	candidates := make([]Candidate, 0, result.ResultCount)
	for i := 0; i < result.ResultCount; i++ {
		c := Candidate{}
		if i < len(ids) {
			c.RecordID = uint(ids[i])
		}
		if i < len(sourceTypes) {
			c.SourceType = sourceTypes[i]
		}
		if i < len(sourceIDs) {
			c.SourceID = sourceIDs[i]
		}
		if i < len(contents) {
			c.Content = contents[i]
		}
		if i < len(result.Scores) {
			c.Similarity = float64(result.Scores[i])
		}
		if req.SimilarityThreshold > 0 && c.Similarity < req.SimilarityThreshold {
			continue
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

func (s *MilvusVectorStore) Ready() bool {
	if s.milvusClient == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := s.milvusClient.ListCollections(ctx)
	return err == nil
}
