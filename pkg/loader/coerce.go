package loader

import (
	"fmt"
	"math"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/starsync/pkg/cdc"
	"github.com/ajitpratap0/starsync/pkg/errors"
)

// StarRocks temporal formats.
const (
	DateFormat     = "2006-01-02"
	DateTimeFormat = "2006-01-02 15:04:05.999999"
)

// StarRocks STRING and VARCHAR limits are in bytes.
const maxStringBytes = 65533

var (
	typePattern = regexp.MustCompile(`^([A-Za-z]+)\s*(?:\(\s*(\d+)\s*(?:,\s*(\d+)\s*)?\))?$`)

	largeIntMax = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	largeIntMin = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
)

type columnType struct {
	base      string
	precision int
	scale     int
	length    int
}

func parseColumnType(s string) (columnType, error) {
	m := typePattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return columnType{}, fmt.Errorf("unsupported column type %q", s)
	}
	ct := columnType{base: strings.ToUpper(m[1])}
	a, _ := strconv.Atoi(m[2])
	b, _ := strconv.Atoi(m[3])

	switch ct.base {
	case "INTEGER":
		ct.base = "INT"
	case "DECIMAL":
		ct.precision, ct.scale = 10, 0
		if m[2] != "" {
			ct.precision, ct.scale = a, b
		}
		if ct.precision < 1 || ct.precision > 38 || ct.scale > ct.precision {
			return columnType{}, fmt.Errorf("invalid decimal type %q", s)
		}
	case "VARCHAR", "CHAR":
		if m[2] == "" {
			return columnType{}, fmt.Errorf("%s needs a length", ct.base)
		}
		ct.length = a
	case "STRING":
		ct.length = maxStringBytes
	case "BOOLEAN", "TINYINT", "SMALLINT", "INT", "BIGINT", "LARGEINT", "FLOAT", "DOUBLE", "DATE", "DATETIME", "JSON":
	default:
		return columnType{}, fmt.Errorf("unsupported column type %q", s)
	}
	return ct, nil
}

// Coercer converts row values to the declared StarRocks column types.
// Columns without a declared type are only normalised.
type Coercer struct {
	types map[string]columnType
}

// NewCoercer parses columnTypes (column name to StarRocks type).
func NewCoercer(columnTypes map[string]string) (*Coercer, error) {
	c := &Coercer{types: make(map[string]columnType, len(columnTypes))}
	for col, typ := range columnTypes {
		ct, err := parseColumnType(typ)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "column "+col)
		}
		c.types[col] = ct
	}
	return c, nil
}

// Row returns a coerced copy of row. The error is a data error naming the
// first column that could not be converted.
func (c *Coercer) Row(row cdc.Row) (cdc.Row, error) {
	out := make(cdc.Row, len(row))
	for col, v := range row {
		cv, err := c.Value(col, v)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, fmt.Sprintf("column %s", col)).
				WithDetail("column", col).
				WithDetail("value", v)
		}
		out[col] = cv
	}
	return out, nil
}

// Value coerces one value of col.
func (c *Coercer) Value(col string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	ct, ok := c.types[col]
	if !ok {
		return normalize(v), nil
	}

	switch ct.base {
	case "TINYINT":
		return toInt(v, math.MinInt8, math.MaxInt8)
	case "SMALLINT":
		return toInt(v, math.MinInt16, math.MaxInt16)
	case "INT":
		return toInt(v, math.MinInt32, math.MaxInt32)
	case "BIGINT":
		return toInt(v, math.MinInt64, math.MaxInt64)
	case "LARGEINT":
		return toLargeInt(v)
	case "FLOAT":
		f, err := toFloat(v)
		if err == nil && math.Abs(f) > math.MaxFloat32 {
			return nil, fmt.Errorf("value %v overflows FLOAT", v)
		}
		return f, err
	case "DOUBLE":
		return toFloat(v)
	case "DECIMAL":
		return toDecimal(v, ct.precision, ct.scale)
	case "BOOLEAN":
		return toBool(v)
	case "CHAR", "VARCHAR", "STRING":
		s := toString(v)
		if len(s) > ct.length {
			return nil, fmt.Errorf("value of %d bytes exceeds %s(%d)", len(s), ct.base, ct.length)
		}
		return s, nil
	case "DATE":
		t, err := toTime(v)
		if err != nil {
			return nil, err
		}
		return t.Format(DateFormat), nil
	case "DATETIME":
		t, err := toTime(v)
		if err != nil {
			return nil, err
		}
		return t.UTC().Format(DateTimeFormat), nil
	case "JSON":
		return toJSON(v)
	}
	return normalize(v), nil
}

// normalize renders values the MySQL protocol and JSON bodies handle
// ambiguously.
func normalize(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(DateTimeFormat)
	case []byte:
		return string(x)
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	default:
		return v
	}
}

func toInt(v any, min, max int64) (int64, error) {
	var n int64
	switch x := v.(type) {
	case int64:
		n = x
	case int:
		n = int64(x)
	case int32:
		n = int64(x)
	case float64:
		if x != math.Trunc(x) || x < math.MinInt64 || x >= math.MaxInt64 {
			return 0, fmt.Errorf("value %v is not an integer", x)
		}
		n = int64(x)
	case bool:
		if x {
			n = 1
		}
	case string:
		p, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			d, derr := decimal.NewFromString(strings.TrimSpace(x))
			if derr != nil || !d.Equal(d.Truncate(0)) || !d.BigInt().IsInt64() {
				return 0, fmt.Errorf("value %q is not an integer in range", x)
			}
			p = d.IntPart()
		}
		n = p
	default:
		return 0, fmt.Errorf("cannot convert %T to integer", v)
	}
	if n < min || n > max {
		return 0, fmt.Errorf("value %d out of range [%d, %d]", n, min, max)
	}
	return n, nil
}

func toLargeInt(v any) (string, error) {
	var b *big.Int
	switch x := v.(type) {
	case int64:
		b = big.NewInt(x)
	case int:
		b = big.NewInt(int64(x))
	case string:
		var ok bool
		b, ok = new(big.Int).SetString(strings.TrimSpace(x), 10)
		if !ok {
			return "", fmt.Errorf("value %q is not an integer", x)
		}
	case float64:
		if x != math.Trunc(x) {
			return "", fmt.Errorf("value %v is not an integer", x)
		}
		b, _ = big.NewFloat(x).Int(nil)
	default:
		return "", fmt.Errorf("cannot convert %T to LARGEINT", v)
	}
	if b.Cmp(largeIntMin) < 0 || b.Cmp(largeIntMax) > 0 {
		return "", fmt.Errorf("value %s out of LARGEINT range", b)
	}
	return b.String(), nil
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	case int:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("value %q is not a number", x)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to floating point", v)
	}
}

// toDecimal rounds to scale and rejects values whose integer part does
// not fit precision-scale digits.
func toDecimal(v any, precision, scale int) (string, error) {
	var d decimal.Decimal
	switch x := v.(type) {
	case string:
		var err error
		if d, err = decimal.NewFromString(strings.TrimSpace(x)); err != nil {
			return "", fmt.Errorf("value %q is not a decimal", x)
		}
	case int64:
		d = decimal.NewFromInt(x)
	case int:
		d = decimal.NewFromInt(int64(x))
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return "", fmt.Errorf("value %v is not a decimal", x)
		}
		d = decimal.NewFromFloat(x)
	default:
		return "", fmt.Errorf("cannot convert %T to DECIMAL", v)
	}

	d = d.Round(int32(scale))
	intDigits := len(d.Abs().Truncate(0).String())
	if d.Abs().LessThan(decimal.NewFromInt(1)) {
		intDigits = 0
	}
	if intDigits > precision-scale {
		return "", fmt.Errorf("value %s overflows DECIMAL(%d,%d)", d, precision, scale)
	}
	return d.StringFixed(int32(scale)), nil
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case int64:
		return x != 0, nil
	case float64:
		return x != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "t", "true", "1", "yes", "y", "on":
			return true, nil
		case "f", "false", "0", "no", "n", "off":
			return false, nil
		}
		return false, fmt.Errorf("value %q is not a boolean", x)
	default:
		return false, fmt.Errorf("cannot convert %T to BOOLEAN", v)
	}
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(DateTimeFormat)
	default:
		if n := normalize(v); n != v {
			return fmt.Sprint(n)
		}
		return fmt.Sprint(v)
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	DateFormat,
}

func toTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("value %q is not a date or timestamp", x)
	default:
		return time.Time{}, fmt.Errorf("cannot convert %T to a date", v)
	}
}

func toJSON(v any) (string, error) {
	switch x := v.(type) {
	case string:
		if !json.Valid([]byte(x)) {
			return "", fmt.Errorf("value is not valid JSON")
		}
		return x, nil
	case []byte:
		if !json.Valid(x) {
			return "", fmt.Errorf("value is not valid JSON")
		}
		return string(x), nil
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}
