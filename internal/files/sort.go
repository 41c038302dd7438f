package files

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/samber/lo"

	"github.com/mycloud/mycloud/pkg/models"
)

// SortKey orders a listing. The zero value keeps insertion order.
type SortKey string

const (
	SortNone SortKey = ""
	SortName SortKey = "name"
	SortType SortKey = "type"
	SortDate SortKey = "date"
)

var sortKeys = []SortKey{SortNone, SortName, SortType, SortDate}

// ParseSortKey validates a sort query value.
func ParseSortKey(s string) (SortKey, error) {
	key := SortKey(s)
	if !lo.Contains(sortKeys, key) {
		return SortNone, fmt.Errorf("%w: unknown sort key %q", ErrBadRequest, s)
	}
	return key, nil
}

func sortNodes(nodes []*models.FileNode, key SortKey) {
	var less func(a, b *models.FileNode) int
	switch key {
	case SortName:
		less = func(a, b *models.FileNode) int { return cmp.Compare(a.Name, b.Name) }
	case SortType:
		less = func(a, b *models.FileNode) int { return cmp.Compare(a.Type, b.Type) }
	case SortDate:
		less = func(a, b *models.FileNode) int { return a.CreatedAt.Compare(b.CreatedAt) }
	default:
		return
	}
	slices.SortStableFunc(nodes, less)
}
