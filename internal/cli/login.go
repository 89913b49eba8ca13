package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/mmcdole/kinosync/internal/adapter"
	"github.com/mmcdole/kinosync/internal/credential"
)

// Test seams for the terminal and clock.
var (
	readPassword = term.ReadPassword
	isTerminal   = term.IsTerminal
	timeNow      = time.Now
)

// NewLoginCommand creates the login command.
func NewLoginCommand(opts *RootOptions) *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the API token (and optionally the server url)",
		Long: `Store the API token used for uploads and queued actions.

The token is read without echo from the terminal, or as one line from
standard input when it is piped. A running "kinosync serve" started with
a config file picks the new token up without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := readToken(cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read token", err)
			}
			if token == "" {
				return WrapExitError(ExitCommandError, "empty token", nil)
			}
			if credential.Expired(token, timeNow()) {
				return WrapExitError(ExitCommandError, "token has already expired", nil)
			}

			if server != "" {
				viper.Set("server.url", strings.TrimRight(server, "/"))
			}
			if err := adapter.SaveToken(token); err != nil {
				return WrapExitError(ExitFailure, "failed to save token", err)
			}
			opts.Logger.Info("token saved")
			return opts.output(cmd).Success(map[string]bool{"saved": true}, "Token saved")
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "API base url to save along with the token")
	return cmd
}

// readToken prompts on w and reads from the terminal without echo, falling
// back to a plain line read when stdin is not a terminal.
func readToken(in io.Reader, w io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && isTerminal(int(f.Fd())) {
		fmt.Fprint(w, "API token: ")
		raw, err := readPassword(int(f.Fd()))
		fmt.Fprintln(w)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(raw)), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
