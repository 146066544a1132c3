// Command token mints a signed access token for local testing.
//
//	token -user d1 -role DRIVER -ttl 12h -dev
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/example/trip-dispatch/internal/auth"
	"github.com/example/trip-dispatch/internal/config"
	"github.com/example/trip-dispatch/internal/models"
)

func main() {
	var user, role, secret string
	var ttl time.Duration
	var dev bool
	flag.StringVar(&user, "user", "", "user id (token subject)")
	flag.StringVar(&role, "role", string(models.RoleClient), "CLIENT, DRIVER or ADMIN")
	flag.StringVar(&secret, "secret", os.Getenv("JWT_SECRET"), "HS256 signing secret")
	flag.DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	flag.BoolVar(&dev, "dev", false, "sign with the development secret when none is given")
	flag.Parse()

	if secret == "" && dev {
		secret = config.DevJWTSecret
	}
	if err := run(user, models.Role(strings.ToUpper(role)), secret, ttl); err != nil {
		fmt.Fprintln(os.Stderr, "token:", err)
		os.Exit(1)
	}
}

func run(user string, role models.Role, secret string, ttl time.Duration) error {
	if user == "" {
		return fmt.Errorf("-user is required")
	}
	if !role.Valid() {
		return fmt.Errorf("unknown role %q", role)
	}
	if secret == "" {
		return fmt.Errorf("-secret or JWT_SECRET is required (-dev for the development secret)")
	}
	tok, err := auth.NewVerifier(secret).Issue(models.Identity{ID: user, Role: role}, ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
