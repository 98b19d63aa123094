// devtoken prints a signed identity token for local development.
//
//	JWT_SECRET=dev go run ./cmd/devtoken -user alice-id -name alice
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ashureev/chatline/internal/identity"
	"github.com/joho/godotenv"
)

func main() {
	userID := flag.String("user", "", "user id placed in the token subject")
	name := flag.String("name", "", "display name")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	_ = godotenv.Load()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" || *userID == "" {
		fmt.Fprintln(os.Stderr, "usage: JWT_SECRET=... devtoken -user <id> [-name <name>] [-ttl 24h]")
		os.Exit(2)
	}

	token, err := identity.Sign([]byte(secret), *userID, *name, *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sign token:", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
