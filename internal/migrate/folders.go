package migrate

import (
	"github.com/pkg/errors"
)

// ListFolders returns the full folder listing of src in server order. It does
// not filter; exclusion is applied per folder by the Engine.
func ListFolders(src Lister) ([]Folder, error) {
	folders, err := src.ListFolders()
	if err != nil {
		return nil, errors.Wrap(err, "list folders")
	}
	return folders, nil
}

// Exclusions is a set of exact folder names that are never touched.
type Exclusions map[string]struct{}

// NewExclusions builds an exclusion set from names.
func NewExclusions(names ...string) Exclusions {
	ex := make(Exclusions, len(names))
	for _, n := range names {
		ex[n] = struct{}{}
	}
	return ex
}

// Contains reports whether name is excluded. Matching is case sensitive.
func (e Exclusions) Contains(name string) bool {
	_, ok := e[name]
	return ok
}
