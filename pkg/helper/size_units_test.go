package helper_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ioustamora/datamesh/pkg/helper"
)

func TestParseSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		str  string
		size uint64
	}{
		{"123B", 123},
		{"123K", 123 * 1024},
		{"123M", 123 * 1024 * 1024},
		{"123G", 123 * 1024 * 1024 * 1024},
		{"123T", 123 * 1024 * 1024 * 1024 * 1024},
	}

	for _, test := range tests {
		t.Run(fmt.Sprintf("ParseSize(%q)", test.str), func(t *testing.T) {
			t.Parallel()

			size, err := helper.ParseSize(test.str)
			require.NoError(t, err)
			assert.Equal(t, test.size, size)
		})
	}

	t.Run("invalid suffix", func(t *testing.T) {
		t.Parallel()

		_, err := helper.ParseSize("123X")
		assert.ErrorIs(t, err, helper.ErrInvalidSizeSuffix)
	})

	t.Run("too short", func(t *testing.T) {
		t.Parallel()

		_, err := helper.ParseSize("1")
		assert.ErrorIs(t, err, helper.ErrInvalidSizeSuffix)
	})
}
