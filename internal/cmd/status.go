package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/router-for-me/claudeauth/internal/misc"
	sdkAuth "github.com/router-for-me/claudeauth/sdk/auth"
)

// DoStatus prints what is stored without contacting the provider.
func DoStatus(ctx context.Context, manager *sdkAuth.AuthManager, out io.Writer) error {
	status, err := manager.Status(ctx)
	if err != nil {
		return err
	}

	if !status.Authenticated || status.Credential == nil {
		fmt.Fprintln(out, "OAuth: not signed in")
	} else {
		cred := status.Credential
		fmt.Fprintf(out, "OAuth: signed in (%s)\n", status.State)
		if cred.Email != "" {
			fmt.Fprintf(out, "  account:    %s\n", cred.Email)
		}
		fmt.Fprintf(out, "  token:      %s\n", misc.MaskKey(cred.AccessToken))
		fmt.Fprintf(out, "  expires at: %s\n", cred.ExpiresAt.Local().Format(time.RFC3339))
		fmt.Fprintf(out, "  refresh:    %t\n", cred.CanRefresh())
	}

	switch {
	case status.APIKey != nil:
		fmt.Fprintf(out, "API key: %s, validated %s (%s)\n",
			misc.MaskKey(status.APIKey.Key),
			status.APIKey.ValidatedAt.Local().Format(time.RFC3339),
			status.APIKey.LastValidationResult)
	default:
		fmt.Fprintln(out, "API key: none stored")
	}
	return nil
}

// DoLogout removes the OAuth credential and the stored API key.
func DoLogout(ctx context.Context, manager *sdkAuth.AuthManager, out io.Writer) error {
	err := errors.Join(manager.Logout(ctx), manager.ForgetAPIKey())
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "Signed out; stored credentials removed.")
	return nil
}

// DoPrintToken prints an access token valid beyond the refresh grace window,
// refreshing it first when needed.
func DoPrintToken(ctx context.Context, manager *sdkAuth.AuthManager, out io.Writer) error {
	cred, err := manager.GetValidCredential(ctx)
	if cred != nil {
		fmt.Fprintln(out, cred.AccessToken)
	}
	return err
}
