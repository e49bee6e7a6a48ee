package navigator

// State is the navigation controller's lifecycle state.
type State int

const (
	// StateRoot means nothing has been loaded yet.
	StateRoot State = iota
	// StateLoadingRoot means the root feed is being fetched.
	StateLoadingRoot
	// StateCatalogLoaded means a catalog (root or sub-catalog) is displayed.
	StateCatalogLoaded
	// StateLoadingCatalog means the first page of a catalog is being fetched.
	StateLoadingCatalog
	// StateError means the last load failed; the previous view is kept.
	StateError
)

func (s State) String() string {
	switch s {
	case StateRoot:
		return "root"
	case StateLoadingRoot:
		return "loading_root"
	case StateCatalogLoaded:
		return "catalog_loaded"
	case StateLoadingCatalog:
		return "loading_catalog"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

func (s State) loading() bool {
	return s == StateLoadingRoot || s == StateLoadingCatalog
}
