package categories

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kosarica/marketplace-service/internal/database"
)

func TestDescendants_Preorder(t *testing.T) {
	//      1
	//    /   \
	//   2     5
	//  / \
	// 3   4
	index := childIndex{0: {1}, 1: {2, 5}, 2: {3, 4}}

	assert.Equal(t, []int64{2, 3, 4, 5}, descendants(index, 1))
	assert.Equal(t, []int64{3, 4}, descendants(index, 2))
	assert.Equal(t, []int64{}, descendants(index, 4))
}

func TestDescendants_CycleSafe(t *testing.T) {
	// 1 -> 2 -> 3 -> 1 corrupted chain
	index := childIndex{1: {2}, 2: {3}, 3: {1}}
	assert.Equal(t, []int64{2, 3}, descendants(index, 1))
}

func TestExpectedLevels(t *testing.T) {
	rows := map[int64]levelRow{
		1: {parent: 0, level: 1},
		2: {parent: 1, level: 5}, // drifted
		3: {parent: 2, level: 3},
		4: {parent: 0, level: 2}, // drifted root
		7: {parent: 8, level: 1}, // cycle 7 <-> 8
		8: {parent: 7, level: 2},
	}

	want := expectedLevels(rows)
	assert.Equal(t, map[int64]int{1: 1, 2: 2, 3: 3, 4: 1}, want)
}

func TestBuildTree(t *testing.T) {
	p := func(id int64) *int64 { return &id }
	cats := []database.Category{
		{ID: 1, Name: "Electronics", IsActive: true},
		{ID: 2, Name: "Phones", ParentID: p(1), IsActive: true},
		{ID: 3, Name: "Hidden", ParentID: p(1), IsActive: false},
		{ID: 4, Name: "Under hidden", ParentID: p(3), IsActive: true},
		{ID: 5, Name: "Garden", IsActive: true},
	}

	all := buildTree(cats, false)
	assert.Len(t, all, 2)
	assert.Equal(t, "Electronics", all[0].Name)
	assert.Len(t, all[0].Children, 2)
	assert.Len(t, all[0].Children[1].Children, 1)

	active := buildTree(cats, true)
	assert.Len(t, active, 2)
	assert.Len(t, active[0].Children, 1, "inactive branch is pruned")
	assert.Equal(t, "Phones", active[0].Children[0].Name)
	assert.NotNil(t, active[1].Children)
}

func TestSameParent(t *testing.T) {
	one, other := int64(1), int64(1)
	two := int64(2)
	assert.True(t, sameParent(nil, nil))
	assert.True(t, sameParent(&one, &other))
	assert.False(t, sameParent(&one, &two))
	assert.False(t, sameParent(nil, &one))
}
