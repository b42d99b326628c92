package helpers

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFoldErrors(t *testing.T) {
	t.Parallel()

	assert.NoError(t, FoldErrors(nil))
	assert.NoError(t, FoldErrors([]error{nil, nil}))

	err := FoldErrors([]error{
		errors.Errorf("first"),
		nil,
		errors.Errorf("second 100%% literal"),
	})
	require.Error(t, err)
	assert.Equal(t, "first\nsecond 100% literal", err.Error())
}
