// Command token mints identity tokens for local development, standing in
// for the identity provider.
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"instapc-server/internal/auth"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var user, secret, issuer string
	var ttl time.Duration

	flagSet := pflag.NewFlagSet("token", pflag.ContinueOnError)
	flagSet.StringVarP(&user, "user", "u", "", "user id to put in the subject claim")
	flagSet.StringVar(&secret, "secret", os.Getenv("IDP_SECRET"), "signing secret (default $IDP_SECRET)")
	flagSet.StringVar(&issuer, "issuer", os.Getenv("IDP_ISSUER"), "issuer claim (default $IDP_ISSUER)")
	flagSet.DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if user == "" {
		return errors.New("--user is required")
	}

	tok, err := auth.CreateToken(user, auth.TokenConfig{Secret: secret, Issuer: issuer, Expiry: ttl})
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
