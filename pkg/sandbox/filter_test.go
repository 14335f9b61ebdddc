package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func sbx(state State, metadata map[string]string) Sandbox {
	return Sandbox{Status: Status{State: state}, Metadata: metadata}
}

func TestFilterMatchesStateCaseInsensitiveOR(t *testing.T) {
	f := Filter{States: []string{"running", "PAUSED"}}
	assert.True(t, f.Matches(sbx(StateRunning, nil)))
	assert.True(t, f.Matches(sbx(StatePaused, nil)))
	assert.False(t, f.Matches(sbx(StateFailed, nil)))
}

func TestFilterMatchesMetadataANDAcrossKeys(t *testing.T) {
	f := Filter{Metadata: map[string]string{"role": "a", "env": "prod"}}
	assert.True(t, f.Matches(sbx(StateRunning, map[string]string{"role": "a", "env": "prod"})))
	assert.False(t, f.Matches(sbx(StateRunning, map[string]string{"role": "a"})))
	assert.False(t, f.Matches(sbx(StateRunning, map[string]string{"role": "b", "env": "prod"})))
}

func TestFilterEmptyMatchesAll(t *testing.T) {
	f := Filter{}
	assert.True(t, f.Matches(sbx(StateFailed, nil)))
}

func TestPaginateDefaults(t *testing.T) {
	items := make([]Sandbox, 25)
	res := Paginate(items, Page{})
	assert.Equal(t, 1, res.Page)
	assert.Equal(t, 20, res.PageSize)
	assert.Len(t, res.Items, 20)
	assert.Equal(t, 25, res.TotalCount)
}

func TestPaginateSecondPage(t *testing.T) {
	items := make([]Sandbox, 25)
	res := Paginate(items, Page{Page: 2, PageSize: 20})
	assert.Len(t, res.Items, 5)
}

func TestPaginateClampsPageSize(t *testing.T) {
	items := make([]Sandbox, 10)
	res := Paginate(items, Page{PageSize: 1000})
	assert.Equal(t, 200, res.PageSize)
}

func TestPaginatePastEnd(t *testing.T) {
	items := make([]Sandbox, 5)
	res := Paginate(items, Page{Page: 10, PageSize: 20})
	assert.Empty(t, res.Items)
}
