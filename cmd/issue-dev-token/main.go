// issue-dev-token mints an HS256 access token for local API calls, signed
// with the same secret the server verifies against.
//
// Usage:
//   SUPABASE_JWT_SECRET=dev-secret go run ./cmd/issue-dev-token -user <uuid>
//
//   curl -H "Authorization: Bearer $(go run ./cmd/issue-dev-token)" \
//     localhost:8080/api/settings/profile
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/ledgerlink/finance_backend/utils"
)

func main() {
	userID := flag.String("user", "00000000-0000-4000-8000-000000000001", "Subject (user id) claim")
	email := flag.String("email", "dev@ledgerlink.local", "Email claim")
	role := flag.String("role", "authenticated", "Role claim")
	flag.Parse()

	// Tokens minted here bypass the identity provider entirely; never allow
	// that against a production secret.
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		fmt.Fprintln(os.Stderr, "issue-dev-token refuses to run with GO_ENV=production")
		os.Exit(1)
	}
	if strings.TrimSpace(os.Getenv("SUPABASE_JWT_SECRET")) == "" {
		fmt.Fprintln(os.Stderr, "warning: SUPABASE_JWT_SECRET is not set; signing with the dev fallback secret")
	}

	token, err := utils.JwtGenerate(*userID, *email, *role)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to sign token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
