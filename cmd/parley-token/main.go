// Command parley-token mints PASETO v4.public access tokens for development.
//
// Without -secret it generates an ephemeral keypair and prints both halves so
// a dev server can be started with the matching verification key. With -secret
// it signs against an existing key, e.g. the one a dev server logged at boot.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"parley/internal/app"
	"parley/internal/identity"
)

func main() {
	_ = godotenv.Load()

	var (
		uid    = flag.String("uid", "", "user id claim (required)")
		tenant = flag.String("tenant", "", "tenant slug claim (required)")
		role   = flag.String("role", "customer", "role claim: customer, staff, admin, super_admin")
		secret = flag.String("secret", "", "hex Ed25519 secret key; generated when empty")
		issuer = flag.String("issuer", app.EnvString("PARLEY_AUTH_ISSUER", "parley"), "issuer claim")
		ttl    = flag.Duration("ttl", time.Hour, "token lifetime")
	)
	flag.Parse()

	if *uid == "" || *tenant == "" {
		flag.Usage()
		os.Exit(2)
	}

	parsedRole, ok := identity.ParseRole(*role)
	if !ok {
		log.Fatalf("unknown role %q", *role)
	}

	secretHex := *secret
	generated := false
	if secretHex == "" {
		secretHex, _ = identity.NewDevKeypair()
		generated = true
	}

	iss, err := identity.NewIssuer(*issuer, secretHex, *ttl)
	if err != nil {
		log.Fatalf("bad secret key: %v", err)
	}

	token, exp, err := iss.Issue(identity.Identity{
		UserID:     *uid,
		TenantSlug: *tenant,
		Role:       parsedRole,
	}, time.Now().UTC())
	if err != nil {
		log.Fatalf("sign: %v", err)
	}

	if generated {
		fmt.Printf("secret_key_hex=%s\n", secretHex)
	}
	fmt.Printf("public_key_hex=%s\n", iss.PublicKeyHex())
	fmt.Printf("expires_at=%s\n", exp.Format(time.RFC3339))
	fmt.Printf("token=%s\n", token)
}
