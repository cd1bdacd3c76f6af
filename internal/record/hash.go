package record

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// alwaysHashFields are included in every canonical representation even
// when a record type narrows its field list.
var alwaysHashFields = []string{"signed_version", "id"}

// HashFieldList produces the canonical field order for a record's
// declared signable fields: names sorted lexicographically, with the
// always-included fields prepended (in their fixed order) when the
// declared list omits them.
//
// Sorting here is what makes the hash independent of struct declaration
// order - reordering fields in a record type must never invalidate
// existing signatures.
func HashFieldList(fields []Field) []Field {
	ordered := make([]Field, len(fields))
	copy(ordered, fields)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Name < ordered[j].Name
	})

	present := make(map[string]bool, len(ordered))
	for _, f := range ordered {
		present[f.Name] = true
	}
	for i := len(alwaysHashFields) - 1; i >= 0; i-- {
		if !present[alwaysHashFields[i]] {
			ordered = append([]Field{{Name: alwaysHashFields[i]}}, ordered...)
		}
	}

	return ordered
}

// CanonicalBytes returns the exact byte string a record signs over.
//
// Fields whose values are falsy (empty string, zero, false, nil, zero
// time) are omitted entirely; each remaining field renders as
// "name=value" and the tokens are joined with "&". Any divergence here
// breaks signature verification silently, so the rendering rules are
// frozen.
func CanonicalBytes(m Model) []byte {
	var chunks []string
	for _, f := range m.HashableFields() {
		rendered, ok := renderValue(f.Value)
		if !ok {
			continue
		}
		chunks = append(chunks, f.Name+"="+rendered)
	}
	return []byte(strings.Join(chunks, "&"))
}

// renderValue renders a field value for the canonical string. The second
// return is false for falsy values, which are omitted from the hash.
func renderValue(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		if val == "" {
			return "", false
		}
		return val, true
	case bool:
		if !val {
			return "", false
		}
		return "True", true
	case int:
		if val == 0 {
			return "", false
		}
		return strconv.Itoa(val), true
	case int64:
		if val == 0 {
			return "", false
		}
		return strconv.FormatInt(val, 10), true
	case float64:
		if val == 0 {
			return "", false
		}
		return strconv.FormatFloat(val, 'g', -1, 64), true
	case time.Time:
		if val.IsZero() {
			return "", false
		}
		return renderTimestamp(val), true
	default:
		rendered := fmt.Sprintf("%v", val)
		if rendered == "" {
			return "", false
		}
		return rendered, true
	}
}

// renderTimestamp renders a timestamp for the canonical string.
//
// The hour is not zero-padded while minute and second are. The
// asymmetry is historical but signature-load-bearing: deployed
// installations have signed records in this exact format, so it is
// preserved verbatim.
func renderTimestamp(t time.Time) string {
	return fmt.Sprintf("%04d-%02d-%02d %d:%02d:%02d",
		t.Year(), int(t.Month()), t.Day(),
		t.Hour(), t.Minute(), t.Second())
}
