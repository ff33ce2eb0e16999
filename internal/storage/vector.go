package storage

import (
	"encoding/json"
	"fmt"

	"github.com/pgvector/pgvector-go"
)

// vectorArg encodes v for the embedding columns: a pgvector value on PostgreSQL and a
// JSON array on SQLite. A nil slice is stored as NULL.
func (s *SQLStore) vectorArg(v []float32) (any, error) {
	if v == nil {
		return nil, nil
	}
	if s.dialect == DialectPostgres {
		return pgvector.NewVector(v), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode vector: %w", err)
	}
	return string(b), nil
}

// nullVector scans a nullable embedding column written by vectorArg.
type nullVector struct {
	Vector []float32
	Valid  bool
}

// Scan implements sql.Scanner. pgvector's text form "[1,2,3]" is also a JSON array,
// so both dialects decode through pgvector.Vector.
func (n *nullVector) Scan(src any) error {
	n.Vector, n.Valid = nil, false
	if src == nil {
		return nil
	}
	var v pgvector.Vector
	switch t := src.(type) {
	case string, []byte:
		if err := v.Scan(t); err != nil {
			return fmt.Errorf("decode vector: %w", err)
		}
	default:
		return fmt.Errorf("decode vector: unsupported type %T", src)
	}
	n.Vector, n.Valid = v.Slice(), true
	return nil
}
