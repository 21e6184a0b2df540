package memory

import (
	"fmt"
	"sort"

	"github.com/corelay/corelay/pkg/core"
)

// Match reports whether a document satisfies a query. Plain keys compare for
// equality against header fields or attributes; operator payloads support
// $in, $nin, $ne, $lt and $gt. The $search key is ignored here: full-text
// predicates are routed away before a query reaches an adapter.
func Match(doc *core.Doc, query core.Query) bool {
	for field, cond := range query {
		if field == core.QuerySearch {
			continue
		}
		value := fieldValue(doc, field)
		if !matchValue(value, cond) {
			return false
		}
	}
	return true
}

func matchValue(value any, cond any) bool {
	ops, ok := cond.(map[string]any)
	if !ok {
		return equal(value, cond)
	}
	for op, arg := range ops {
		switch op {
		case core.QueryIn:
			if !contains(arg, value) {
				return false
			}
		case core.QueryNin:
			if contains(arg, value) {
				return false
			}
		case core.QueryNe:
			if equal(value, arg) {
				return false
			}
		case core.QueryLt:
			if compare(value, arg) >= 0 {
				return false
			}
		case core.QueryGt:
			if compare(value, arg) <= 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func contains(list any, value any) bool {
	switch vs := list.(type) {
	case []string:
		for _, v := range vs {
			if equal(value, v) {
				return true
			}
		}
	case []any:
		for _, v := range vs {
			if equal(value, v) {
				return true
			}
		}
	}
	return false
}

func equal(a, b any) bool {
	return canonical(a) == canonical(b)
}

func compare(a, b any) int {
	ca, cb := canonical(a), canonical(b)
	switch {
	case ca < cb:
		return -1
	case ca > cb:
		return 1
	default:
		return 0
	}
}

// canonical folds the handful of scalar types that appear in queries and
// documents into a comparable string form.
func canonical(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case core.Ref:
		return string(t)
	case core.ClassRef:
		return string(t)
	case core.SpaceRef:
		return string(t)
	case core.Identity:
		return string(t)
	case int:
		return fmt.Sprintf("%020d", t)
	case int64:
		return fmt.Sprintf("%020d", t)
	case core.Timestamp:
		return fmt.Sprintf("%020d", int64(t))
	case float64:
		return fmt.Sprintf("%020d", int64(t))
	case bool:
		if t {
			return "true"
		}
		return "false"
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

func fieldValue(doc *core.Doc, field string) any {
	switch field {
	case "_id":
		return doc.ID
	case "_class":
		return doc.Class
	case "space":
		return doc.Space
	case "modifiedBy":
		return doc.ModifiedBy
	case "modifiedOn":
		return doc.ModifiedOn
	case "createdBy":
		return doc.CreatedBy
	case "createdOn":
		return doc.CreatedOn
	case "attachedTo":
		return doc.AttachedTo
	case "attachedToClass":
		return doc.AttachedToClass
	case "collection":
		return doc.Collection
	default:
		return doc.Attributes[field]
	}
}

func sortDocs(docs []*core.Doc, opts *core.FindOptions) {
	if opts == nil || len(opts.Sort) == 0 {
		// Stable default so paging and tests are deterministic.
		sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
		return
	}
	keys := make([]string, 0, len(opts.Sort))
	for k := range opts.Sort {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	sort.SliceStable(docs, func(i, j int) bool {
		for _, k := range keys {
			c := compare(fieldValue(docs[i], k), fieldValue(docs[j], k))
			if c == 0 {
				continue
			}
			if opts.Sort[k] == core.SortDescending {
				return c > 0
			}
			return c < 0
		}
		return docs[i].ID < docs[j].ID
	})
}
