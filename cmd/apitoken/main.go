// apitoken mints a bearer token for the provisioning API. The signing key is read from
// --key or API_JWT_PRIVATE_KEY (PEM or path); issuer and audience come from config.
package main

import (
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"session-provisioner/internal/config"
	"session-provisioner/internal/security"
)

func main() {
	key := flag.String("key", os.Getenv("API_JWT_PRIVATE_KEY"), "PEM private key or path to one")
	subject := flag.StringP("subject", "s", "", "Token subject (operator or service name)")
	scopes := flag.StringSlice("scope", []string{security.ScopeSessionsRead, security.ScopeSessionsWrite}, "Scopes to grant")
	ttl := flag.Duration("ttl", time.Hour, "Token lifetime")
	flag.Parse()

	if *subject == "" || *key == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	signer, err := security.ParsePrivateKey(*key)
	if err != nil {
		fmt.Fprintln(os.Stderr, "apitoken:", err)
		os.Exit(1)
	}
	token, exp, err := security.NewTokenIssuer(signer, cfg.APIJWTIssuer, cfg.APIJWTAudience, *ttl).Issue(*subject, *scopes)
	if err != nil {
		fmt.Fprintln(os.Stderr, "apitoken:", err)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, "expires", exp.Format(time.RFC3339))
	fmt.Println(token)
}
