// Command tokengen mints access and refresh tokens for development and
// testing. The signing secret comes from SYNCKIT_JWT_SECRET or -secret.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/synckit-dev/syncserver/internal/auth"
)

func main() {
	var (
		secret   = flag.String("secret", os.Getenv("SYNCKIT_JWT_SECRET"), "signing secret (defaults to SYNCKIT_JWT_SECRET)")
		userID   = flag.String("user", "", "user id to embed in the token (required)")
		email    = flag.String("email", "", "optional email claim")
		read     = flag.String("read", "", "comma-separated readable document patterns, e.g. 'notes/*,doc-1'")
		write    = flag.String("write", "", "comma-separated writable document patterns")
		admin    = flag.Bool("admin", false, "grant full access to every document")
		issuer   = flag.String("issuer", "", "optional iss claim")
		audience = flag.String("audience", "", "optional aud claim")
		ttl      = flag.Duration("ttl", 24*time.Hour, "access token lifetime")
		refresh  = flag.Duration("refresh", 0, "refresh token lifetime; 0 emits no refresh token")
	)
	flag.Parse()

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "tokengen: -user is required")
		flag.Usage()
		os.Exit(2)
	}
	if *secret == "" {
		fmt.Fprintln(os.Stderr, "tokengen: no signing secret; set SYNCKIT_JWT_SECRET or pass -secret")
		os.Exit(2)
	}

	perms := auth.CreateUserPermissions(splitPatterns(*read), splitPatterns(*write))
	if *admin {
		perms = auth.CreateAdminPermissions()
	}

	spec := auth.TokenSpec{
		UserID:      *userID,
		Email:       *email,
		Permissions: perms,
		Issuer:      *issuer,
		Audience:    *audience,
		TTL:         *ttl,
	}

	if *refresh > 0 {
		access, refreshToken, err := auth.GenerateTokens(spec, *secret, *refresh)
		if err != nil {
			fmt.Fprintf(os.Stderr, "tokengen: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("access:  %s\n", access)
		fmt.Printf("refresh: %s\n", refreshToken)
		return
	}

	access, err := auth.GenerateAccessToken(spec, *secret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tokengen: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(access)
}

func splitPatterns(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
