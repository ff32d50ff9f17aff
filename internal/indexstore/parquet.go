package indexstore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/duckmesh/querygen/internal/catalog"
)

type parquetEmbedding struct {
	TenantID        string    `parquet:"tenant_id"`
	TableName       string    `parquet:"table_name"`
	Content         string    `parquet:"content"`
	Model           string    `parquet:"model"`
	Vector          []float32 `parquet:"vector"`
	UpdatedAtUnixMs int64     `parquet:"updated_at_unix_ms"`
}

func EncodeEmbeddings(tenantID string, embeddings []catalog.TableEmbedding) ([]byte, error) {
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("embeddings are required")
	}
	rows := make([]parquetEmbedding, 0, len(embeddings))
	for _, e := range embeddings {
		if e.TableName == "" {
			return nil, fmt.Errorf("embedding without table name")
		}
		rows = append(rows, parquetEmbedding{
			TenantID:        tenantID,
			TableName:       e.TableName,
			Content:         e.Content,
			Model:           e.Model,
			Vector:          e.Vector,
			UpdatedAtUnixMs: e.UpdatedAt.UnixMilli(),
		})
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[parquetEmbedding](buf)
	if _, err := writer.Write(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

func DecodeEmbeddings(data []byte) ([]catalog.TableEmbedding, error) {
	reader := parquet.NewGenericReader[parquetEmbedding](bytes.NewReader(data))
	defer func() { _ = reader.Close() }()

	rows := make([]parquetEmbedding, reader.NumRows())
	if len(rows) == 0 {
		return nil, nil
	}
	n, err := reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read parquet rows: %w", err)
	}
	out := make([]catalog.TableEmbedding, 0, n)
	for _, row := range rows[:n] {
		out = append(out, catalog.TableEmbedding{
			TableName: row.TableName,
			Content:   row.Content,
			Model:     row.Model,
			Vector:    row.Vector,
			UpdatedAt: time.UnixMilli(row.UpdatedAtUnixMs).UTC(),
		})
	}
	return out, nil
}
