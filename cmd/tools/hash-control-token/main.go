// Command hash-control-token generates a control token and prints the
// PBKDF2 hash the daemon expects for mutation auth.
package main

import (
	"flag"
	"fmt"
	"os"

	"transportsync/internal/auth"
)

func main() {
	token := flag.String("token", "", "token to hash (generated when omitted)")
	length := flag.Int("length", 32, "byte length of the generated token")
	flag.Parse()

	value := *token
	generated := false
	if value == "" {
		var err error
		value, err = auth.GenerateToken(*length)
		if err != nil {
			fatalf("failed to generate token: %v", err)
		}
		generated = true
	}

	hash, err := auth.HashToken(value)
	if err != nil {
		fatalf("failed to hash token: %v", err)
	}

	if generated {
		fmt.Printf("Token: %s\n", value)
	}
	fmt.Printf("Hash:  %s\n", hash)
	fmt.Println("Pass the hash via --control-token-hash or TRANSPORTD_CONTROL_TOKEN_HASH.")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
