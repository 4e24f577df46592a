package search

// ScopeKind selects which candidate set a query runs over.
type ScopeKind int

const (
	// Local restricts candidates to the immediate children of one directory.
	Local ScopeKind = iota
	// Global flattens the full recursive closure under the indexed root.
	Global
)

// Scope names the directory or root a query is bound to.
type Scope struct {
	Kind ScopeKind
	Dir  string // the directory for Local, the root for Global
}

// LocalScope scopes a query to one directory's immediate children.
func LocalScope(dir string) Scope {
	return Scope{Kind: Local, Dir: dir}
}

// GlobalScope scopes a query to the whole indexed tree under root.
func GlobalScope(root string) Scope {
	return Scope{Kind: Global, Dir: root}
}

// Query is one search request. Queries are stateless: one is produced per
// keystroke and never mutated.
type Query struct {
	Text          string
	Scope         Scope
	CaseSensitive bool

	// Extensions optionally restricts candidates to the given lowercased
	// extensions (".go", ".md"). Empty means no restriction.
	Extensions []string

	// IncludeHidden controls whether dot-prefixed entries are candidates.
	IncludeHidden bool
}
