package constants_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/agarnet/agar-node/internal/constants"
	"github.com/stretchr/testify/assert"
)

func TestGetDefaultRulesPath(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		baseDir func() (string, error)

		want string
	}{
		"Joins the base dir with the app folder": {
			baseDir: func() (string, error) { return "abc/def", nil },
			want:    filepath.Join("abc/def", constants.DefaultAppFolder, constants.RulesFileName),
		},
		"Base dir error falls back to a relative path": {
			baseDir: func() (string, error) { return "", errors.New("requested error") },
			want:    filepath.Join(constants.DefaultAppFolder, constants.RulesFileName),
		},
		"Partial base dir with error is ignored": {
			baseDir: func() (string, error) { return "abc", errors.New("requested error") },
			want:    filepath.Join(constants.DefaultAppFolder, constants.RulesFileName),
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			got := constants.GetDefaultRulesPath(constants.WithBaseDir(tc.baseDir))
			assert.Equal(t, tc.want, got, "GetDefaultRulesPath should return the expected path")
		})
	}
}
