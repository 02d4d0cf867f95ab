// Package store implements long-term memory on Postgres: node CRUD with
// content-hash deduplication, hierarchical tags, four search strategies,
// robot associations, and the query-result cache.
package store

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/robomem/robomem/pkg/core"
)

// ---------------------------------------------------------------------------
// Embedding sanitation and SQL fragment helpers shared by every query path.
// ---------------------------------------------------------------------------

// SanitizeEmbedding validates a vector and serializes it to the pgvector
// literal form "[v1,v2,...]". Non-finite values are rejected with the
// offending indices named.
func SanitizeEmbedding(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", core.E(core.KindValidation, "store.SanitizeEmbedding", "embedding must not be empty")
	}

	var bad []int
	for i, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			bad = append(bad, i)
		}
	}
	if len(bad) > 0 {
		return "", core.E(core.KindValidation, "store.SanitizeEmbedding", "non-finite values at indices %v", bad)
	}

	var b strings.Builder
	b.Grow(len(vec) * 10)
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String(), nil
}

// PadEmbedding zero-pads vec to target length. Longer vectors are returned
// unchanged; the caller enforces the dimension ceiling.
func PadEmbedding(vec []float32, target int) []float32 {
	if len(vec) >= target {
		return vec
	}
	out := make([]float32, target)
	copy(out, vec)
	return out
}

// SanitizeLikePattern escapes %, _ and \ so user input is safe inside a
// LIKE pattern.
func SanitizeLikePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// timeframeCondition renders a WHERE fragment for the timeframe, appending
// bind arguments to args and returning the updated slice. An empty
// timeframe yields no condition.
func timeframeCondition(tf *Timeframe, alias, column string, args []any) (string, []any) {
	if tf == nil || len(tf.Ranges) == 0 {
		return "", args
	}
	col := column
	if alias != "" {
		col = alias + "." + column
	}

	var parts []string
	for _, r := range tf.Ranges {
		parts = append(parts, fmt.Sprintf("%s BETWEEN $%d AND $%d", col, len(args)+1, len(args)+2))
		args = append(args, r.From, r.To)
	}
	if len(parts) == 1 {
		return parts[0], args
	}
	return "(" + strings.Join(parts, " OR ") + ")", args
}

// metadataCondition renders a JSON-containment fragment for a metadata
// filter, or "" when the filter is empty.
func metadataCondition(m map[string]any, alias, column string, args []any) (string, []any, error) {
	if len(m) == 0 {
		return "", args, nil
	}
	col := column
	if alias != "" {
		col = alias + "." + column
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return "", args, core.Wrap(core.KindValidation, "store.metadataCondition", err)
	}
	frag := fmt.Sprintf("%s @> $%d::jsonb", col, len(args)+1)
	return frag, append(args, string(payload)), nil
}
