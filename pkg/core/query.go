package core

// Query is a document selector: plain keys match attribute equality, $-keys
// are operators. The reserved "$search" key routes the query to the
// full-text stage instead of the owning domain.
type Query map[string]any

// Query operators.
const (
	QueryIn     = "$in"
	QueryNin    = "$nin"
	QueryNe     = "$ne"
	QueryLt     = "$lt"
	QueryGt     = "$gt"
	QuerySearch = "$search"
)

// In builds an $in clause over the given values.
func In[T ~string](values ...T) map[string]any {
	vs := make([]string, len(values))
	for i, v := range values {
		vs[i] = string(v)
	}
	return map[string]any{QueryIn: vs}
}

// Clone returns a shallow copy, so that stages can rewrite a query without
// mutating the caller's map.
func (q Query) Clone() Query {
	c := make(Query, len(q))
	for k, v := range q {
		c[k] = v
	}
	return c
}

// Search returns the full-text search string, if the query carries one.
func (q Query) Search() (string, bool) {
	s, ok := q[QuerySearch].(string)
	return s, ok
}

// SortOrder is the direction of one sort key.
type SortOrder int

const (
	SortAscending  SortOrder = 1
	SortDescending SortOrder = -1
)

// Lookup asks the lookup stage to resolve related documents alongside each
// result.
type Lookup struct {
	// Fields maps a document attribute holding a Ref to the class of the
	// referenced document.
	Fields map[string]ClassRef
	// Reverse maps a collection name to the attached-document class whose
	// members should be pulled in.
	Reverse map[string]ClassRef
}

// FindOptions tunes a findAll invocation.
type FindOptions struct {
	Limit      int
	Sort       map[string]SortOrder
	Projection map[string]bool
	Lookup     *Lookup
	Total      bool
}

// FindResult is an ordered page of documents plus the total matching count
// when requested.
type FindResult struct {
	Docs  []*Doc
	Total int
}

// SearchQuery is a full-text probe against the external index.
type SearchQuery struct {
	Query   string
	Classes []ClassRef
	Spaces  []SpaceRef
}

// SearchOptions tunes a full-text probe.
type SearchOptions struct {
	Limit int
}

// SearchHit is a scored document stub returned by the index.
type SearchHit struct {
	ID    Ref
	Class ClassRef
	Space SpaceRef
	Score float64
}

// SearchResult is the full-text response.
type SearchResult struct {
	Hits []SearchHit
}

// ModelResponse answers loadModel: either the suffix of model transactions
// after the presented hash, or the entire log when the hash is unknown.
type ModelResponse struct {
	Full         bool
	Hash         string
	Transactions []*Tx
	// LastTx is the newest committed transaction id, for reconnect catch-up.
	LastTx Ref
}
