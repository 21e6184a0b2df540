// Package keys computes stable hashes of findAll call signatures. Two calls
// that are semantically identical produce the same key; any difference in
// class, query or options produces a different one. The query join stage
// keys its in-flight registry on these hashes.
package keys

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/corelay/corelay/pkg/core"
)

// FindAllKey returns the stable key of one findAll invocation for the given
// caller identity. Identity is part of the key: security rewriting makes the
// same query yield different results for different callers.
func FindAllKey(identity core.Identity, class core.ClassRef, query core.Query, opts *core.FindOptions) string {
	h := xxhash.New()
	_, _ = h.WriteString(string(identity))
	_, _ = h.WriteString("/")
	_, _ = h.WriteString(string(class))
	_, _ = h.WriteString("/")
	writeQuery(h, query)
	_, _ = h.WriteString("/")
	writeOptions(h, opts)
	return strconv.FormatUint(h.Sum64(), 10)
}

func writeQuery(h *xxhash.Digest, query core.Query) {
	ks := make([]string, 0, len(query))
	for k := range query {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	for _, k := range ks {
		_, _ = h.WriteString(k)
		_, _ = h.WriteString("=")
		writeValue(h, query[k])
		_, _ = h.WriteString(",")
	}
}

func writeValue(h *xxhash.Digest, v any) {
	switch t := v.(type) {
	case map[string]any:
		ks := make([]string, 0, len(t))
		for k := range t {
			ks = append(ks, k)
		}
		sort.Strings(ks)
		_, _ = h.WriteString("{")
		for _, k := range ks {
			_, _ = h.WriteString(k)
			_, _ = h.WriteString(":")
			writeValue(h, t[k])
			_, _ = h.WriteString(",")
		}
		_, _ = h.WriteString("}")
	case []string:
		_, _ = h.WriteString("[")
		for _, e := range t {
			_, _ = h.WriteString(e)
			_, _ = h.WriteString(",")
		}
		_, _ = h.WriteString("]")
	case []any:
		_, _ = h.WriteString("[")
		for _, e := range t {
			writeValue(h, e)
			_, _ = h.WriteString(",")
		}
		_, _ = h.WriteString("]")
	default:
		_, _ = h.WriteString(fmt.Sprintf("%v", t))
	}
}

func writeOptions(h *xxhash.Digest, opts *core.FindOptions) {
	if opts == nil {
		return
	}
	_, _ = h.WriteString("limit:")
	_, _ = h.WriteString(strconv.Itoa(opts.Limit))
	if opts.Total {
		_, _ = h.WriteString(";total")
	}
	if len(opts.Sort) > 0 {
		ks := make([]string, 0, len(opts.Sort))
		for k := range opts.Sort {
			ks = append(ks, k)
		}
		sort.Strings(ks)
		_, _ = h.WriteString(";sort:")
		for _, k := range ks {
			_, _ = h.WriteString(k)
			_, _ = h.WriteString(strconv.Itoa(int(opts.Sort[k])))
		}
	}
	if len(opts.Projection) > 0 {
		ks := make([]string, 0, len(opts.Projection))
		for k := range opts.Projection {
			if opts.Projection[k] {
				ks = append(ks, k)
			}
		}
		sort.Strings(ks)
		_, _ = h.WriteString(";proj:")
		for _, k := range ks {
			_, _ = h.WriteString(k)
			_, _ = h.WriteString(",")
		}
	}
	if opts.Lookup != nil {
		_, _ = h.WriteString(";lookup:")
		writeLookupMap(h, opts.Lookup.Fields)
		_, _ = h.WriteString("/")
		writeLookupMap(h, opts.Lookup.Reverse)
	}
}

func writeLookupMap(h *xxhash.Digest, m map[string]core.ClassRef) {
	ks := make([]string, 0, len(m))
	for k := range m {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	for _, k := range ks {
		_, _ = h.WriteString(k)
		_, _ = h.WriteString("->")
		_, _ = h.WriteString(string(m[k]))
		_, _ = h.WriteString(",")
	}
}
