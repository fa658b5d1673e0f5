package cli

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "paycli", cmd.Use)

	for _, name := range []string{"poll", "sign", "token"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestPollCommandFlags(t *testing.T) {
	t.Setenv("PAYCLI_BASE_URL", "")
	cmd := NewRootCommand()
	pollCmd, _, err := cmd.Find([]string{"poll"})
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080", pollCmd.Flags().Lookup("base-url").DefValue)
	assert.Equal(t, "40", pollCmd.Flags().Lookup("max-attempts").DefValue)
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(&ExitError{Code: ExitCommandError, Message: "bad"}))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))

	wrapped := &ExitError{Code: ExitFailure, Message: "outer", Err: errors.New("inner")}
	assert.Equal(t, "outer: inner", wrapped.Error())
	assert.EqualError(t, errors.Unwrap(wrapped), "inner")
}
