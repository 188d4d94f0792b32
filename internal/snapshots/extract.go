package snapshots

import (
	"encoding/json"
	"math/big"
	"strconv"
	"strings"
)

// Row is one result row keyed by column name, in column order.
type Row struct {
	Columns []string
	Values  map[string]any
}

// ExtractMetric reduces a report result to a single number. A single row
// yields its first numeric column other than keyField (and "id"); any other
// row count yields the row count itself.
func ExtractMetric(rows []Row, keyField string) float64 {
	if len(rows) != 1 {
		return float64(len(rows))
	}

	row := rows[0]
	for _, col := range row.Columns {
		if strings.EqualFold(col, keyField) || strings.EqualFold(col, "id") {
			continue
		}
		if v, ok := toFloat(row.Values[col]); ok {
			return v
		}
	}
	// A single row with no numeric field counts as one row.
	return 1
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case *big.Float:
		f, _ := n.Float64()
		return f, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	case []byte:
		f, err := strconv.ParseFloat(strings.TrimSpace(string(n)), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
