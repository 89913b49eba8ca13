package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmcdole/kinosync/internal/domain"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Success(map[string]string{"result": "success"}, "ignored")
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
	assert.NotContains(t, buf.String(), "ignored")
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Error(WrapExitError(ExitCommandError, "bad args", nil))
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ExitCommandError, resp.Error.Code)
	assert.Equal(t, "bad args", resp.Error.Message)
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	require.NoError(t, formatter.Success(nil, "Cached v1"))
	assert.Equal(t, "Cached v1\n", buf.String())
}

func TestOutputFormatter_TextErrorGoesToErrWriter(t *testing.T) {
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: out, ErrWriter: errOut}

	require.NoError(t, formatter.Error(errors.New("boom")))
	assert.Empty(t, out.String())
	assert.Equal(t, "Error: boom\n", errOut.String())
}

func TestOutputFormatter_Progress(t *testing.T) {
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}

	text := &OutputFormatter{Format: "text", Writer: out, ErrWriter: errOut}
	text.Progress("%s: %d%%", "up-1", 50)
	assert.Equal(t, "up-1: 50%\n", errOut.String())
	assert.Empty(t, out.String())

	errOut.Reset()
	jsonOut := &OutputFormatter{Format: "json", Writer: out, ErrWriter: errOut}
	jsonOut.Progress("%s: %d%%", "up-1", 50)
	assert.Empty(t, errOut.String())
}

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"exit error", WrapExitError(ExitCommandError, "bad", nil), ExitCommandError},
		{"wrapped exit error", fmt.Errorf("ctx: %w", &ExitError{Code: ExitOffline, Message: "queued"}), ExitOffline},
		{"offline", fmt.Errorf("like: %w", domain.ErrServerOffline), ExitOffline},
		{"other", errors.New("boom"), ExitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetExitCode(tt.err))
		})
	}
}

func TestExitError_Message(t *testing.T) {
	assert.Equal(t, "bad", WrapExitError(ExitFailure, "bad", nil).Error())

	cause := errors.New("denied")
	err := WrapExitError(ExitFailure, "save", cause)
	assert.Equal(t, "save: denied", err.Error())
	assert.ErrorIs(t, err, cause)
}
