package testutils

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
)

// CmdTestCase is a test case for testing cobra CMD flags.
type CmdTestCase struct {
	Name           string
	Short          string
	Default        string
	Required       bool
	PersistentFlag bool
	BaseCmd        *cobra.Command
}

// FlagTestHelper is a helper function to test cobra CMD flags.
func FlagTestHelper(t *testing.T, testCase CmdTestCase) {
	t.Helper()
	var flag *pflag.Flag

	if testCase.PersistentFlag {
		flag = testCase.BaseCmd.PersistentFlags().Lookup(testCase.Name)
	} else {
		flag = testCase.BaseCmd.Flags().Lookup(testCase.Name)
	}
	if !assert.NotNil(t, flag, "Flag %q should exist", testCase.Name) {
		return
	}
	assert.Equal(t, testCase.Short, flag.Shorthand, "Unexpected shorthand for %q", testCase.Name)
	if testCase.Default != "" {
		assert.Equal(t, testCase.Default, flag.DefValue, "Unexpected default for %q", testCase.Name)
	}

	if testCase.Required {
		assert.Equal(t, "true", flag.Annotations[cobra.BashCompOneRequiredFlag][0], "Flag %q should be required", testCase.Name)
	} else {
		assert.Nil(t, flag.Annotations[cobra.BashCompOneRequiredFlag], "Flag %q should not be required", testCase.Name)
	}
}
