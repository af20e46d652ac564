package cdc

import (
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"
)

// decoder turns pgoutput text values into normalised Go values.
type decoder struct {
	types *pgtype.Map
}

func newDecoder() *decoder {
	return &decoder{types: pgtype.NewMap()}
}

// value decodes the text representation of a column of type oid.
func (d *decoder) value(oid uint32, data []byte) (any, error) {
	if data == nil {
		return nil, nil
	}
	switch oid {
	case pgtype.BoolOID, pgtype.Int2OID, pgtype.Int4OID, pgtype.Int8OID,
		pgtype.Float4OID, pgtype.Float8OID, pgtype.OIDOID,
		pgtype.DateOID, pgtype.TimestampOID, pgtype.TimestamptzOID,
		pgtype.ByteaOID:
	default:
		// numeric, json, uuid, text and everything else keep their text form
		return string(data), nil
	}

	dt, ok := d.types.TypeForOID(oid)
	if !ok {
		return string(data), nil
	}
	v, err := dt.Codec.DecodeValue(d.types, oid, pgtype.TextFormatCode, data)
	if err != nil {
		return nil, fmt.Errorf("decode %s value %q: %w", dt.Name, data, err)
	}
	return normalize(v), nil
}

func normalize(v any) any {
	switch x := v.(type) {
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint32:
		return int64(x)
	case float32:
		return float64(x)
	case time.Time:
		return x
	case pgtype.InfinityModifier:
		return x.String()
	default:
		return v
	}
}

// relation is the column layout announced by a pgoutput Relation message.
type relation struct {
	table   string
	columns []*pglogrepl.RelationMessageColumn
}

// tuple decodes a pgoutput tuple. Unchanged TOAST columns are left out of
// the row and returned by name.
func (d *decoder) tuple(rel *relation, t *pglogrepl.TupleData) (Row, []string, error) {
	if t == nil {
		return nil, nil, nil
	}
	row := make(Row, len(t.Columns))
	var unchanged []string
	for i, col := range t.Columns {
		if i >= len(rel.columns) {
			break
		}
		meta := rel.columns[i]
		switch col.DataType {
		case pglogrepl.TupleDataTypeNull:
			row[meta.Name] = nil
		case pglogrepl.TupleDataTypeToast:
			unchanged = append(unchanged, meta.Name)
		case pglogrepl.TupleDataTypeText:
			v, err := d.value(meta.DataType, col.Data)
			if err != nil {
				return nil, nil, fmt.Errorf("%s.%s: %w", rel.table, meta.Name, err)
			}
			row[meta.Name] = v
		case pglogrepl.TupleDataTypeBinary:
			row[meta.Name] = append([]byte(nil), col.Data...)
		}
	}
	return row, unchanged, nil
}
