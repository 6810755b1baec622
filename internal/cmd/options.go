// Package cmd implements the command-line collaborators around the
// credential manager: interactive login, API key validation, status, logout
// and the keep-fresh loop.
package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const (
	defaultCallbackTimeout   = 5 * time.Minute
	defaultManualPromptDelay = 15 * time.Second
)

// LoginOptions controls the interactive login.
type LoginOptions struct {
	NoBrowser   bool
	NoClipboard bool
	// CallbackPort is the loopback port for the redirect. 0 picks a free port.
	CallbackPort int
	// CallbackTimeout bounds the wait for the browser redirect.
	CallbackTimeout time.Duration
	// ManualPromptDelay is how long to wait before offering to paste the code.
	ManualPromptDelay time.Duration
	// Prompt reads a line from the user. Nil disables the manual paste path.
	Prompt func(prompt string) (string, error)
	// OpenURL launches the browser. Nil uses the system browser.
	OpenURL func(url string) error
	Out     io.Writer
}

func (o *LoginOptions) withDefaults() *LoginOptions {
	out := LoginOptions{}
	if o != nil {
		out = *o
	}
	if out.CallbackTimeout <= 0 {
		out.CallbackTimeout = defaultCallbackTimeout
	}
	if out.ManualPromptDelay <= 0 {
		out.ManualPromptDelay = defaultManualPromptDelay
	}
	if out.Out == nil {
		out.Out = os.Stdout
	}
	return &out
}

// StdinPrompt returns a prompt function reading lines from stdin.
func StdinPrompt() func(string) (string, error) {
	reader := bufio.NewReader(os.Stdin)
	return func(prompt string) (string, error) {
		fmt.Print(prompt)
		value, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(value), nil
	}
}
