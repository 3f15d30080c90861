// hash-ops-key prints the bcrypt hash of an ops key for the OPS_KEY_HASH
// env var. The plaintext key is what callers send in X-Ops-Key.
//
// Usage:
//   go run ./cmd/hash-ops-key -key "the-ops-key"
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/ledgerlink/finance_backend/utils"
)

func main() {
	key := flag.String("key", "", "Ops key to hash")
	flag.Parse()

	if strings.TrimSpace(*key) == "" {
		fmt.Fprintln(os.Stderr, "usage: hash-ops-key -key <ops key>")
		os.Exit(2)
	}

	hashed, err := utils.HashPassword(*key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to hash key: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(hashed))
}
