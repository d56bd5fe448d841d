package targetstate

import (
	"testing"

	"fleetd.sh/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestETag_StableForEqualDocuments(t *testing.T) {
	a := domain.NewTargetState("device-1")
	a.Apps[1] = &domain.App{ID: 1, Name: "web", Services: []domain.Service{
		{ID: 1, Name: "app"},
	}}
	a.Apps[1].Services[0].SetImage("nginx", "1.0")

	b := domain.NewTargetState("device-1")
	b.Apps[1] = &domain.App{ID: 1, Name: "web", Services: []domain.Service{
		{ID: 1, Name: "app"},
	}}
	b.Apps[1].Services[0].SetImage("nginx", "1.0")

	etagA, err := ETag(a)
	require.NoError(t, err)
	etagB, err := ETag(b)
	require.NoError(t, err)

	assert.Equal(t, etagA, etagB, "equal documents must produce equal etags")
}

func TestETag_DiffersForDifferentDocuments(t *testing.T) {
	a := domain.NewTargetState("device-1")
	a.Apps[1] = &domain.App{ID: 1, Name: "web", Services: []domain.Service{{ID: 1, Name: "app"}}}
	a.Apps[1].Services[0].SetImage("nginx", "1.0")

	b := domain.NewTargetState("device-1")
	b.Apps[1] = &domain.App{ID: 1, Name: "web", Services: []domain.Service{{ID: 1, Name: "app"}}}
	b.Apps[1].Services[0].SetImage("nginx", "2.0")

	etagA, err := ETag(a)
	require.NoError(t, err)
	etagB, err := ETag(b)
	require.NoError(t, err)

	assert.NotEqual(t, etagA, etagB)
}

func TestMarshalCanonical_SortsAppKeys(t *testing.T) {
	ts := domain.NewTargetState("device-1")
	ts.Apps[5] = &domain.App{ID: 5, Name: "five"}
	ts.Apps[1] = &domain.App{ID: 1, Name: "one"}
	ts.Apps[3] = &domain.App{ID: 3, Name: "three"}

	canon, err := ts.MarshalCanonical()
	require.NoError(t, err)

	idx1 := indexOf(string(canon), `"1":`)
	idx3 := indexOf(string(canon), `"3":`)
	idx5 := indexOf(string(canon), `"5":`)
	require.NotEqual(t, -1, idx1)
	require.NotEqual(t, -1, idx3)
	require.NotEqual(t, -1, idx5)
	assert.Less(t, idx1, idx3)
	assert.Less(t, idx3, idx5)
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
