package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/invoicely/invoicely/internal/auth"
	"github.com/invoicely/invoicely/internal/shared"
)

// TokenOptions defines flags for the token command.
type TokenOptions struct {
	UserID    string
	AccountID string
	TTL       time.Duration
	Stdout    io.Writer
	Stderr    io.Writer
}

// TokenCommand prints a bearer token for local testing and operator scripts.
func TokenCommand(verifier *auth.Verifier, opts TokenOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	token, err := verifier.Issue(shared.Actor{UserID: opts.UserID, AccountID: opts.AccountID}, opts.TTL)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "token: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(opts.Stdout, token)
	return 0
}
