// tokengen prints a bearer token for the control API and, with -metrics-password,
// the bcrypt hash for METRICS_PASSWORD_HASH.
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"v2raybridge/internal/config"
	"v2raybridge/pkg/hash"
	"v2raybridge/pkg/jwt"
)

func main() {
	subject := flag.String("subject", "mobile-app", "token subject")
	ttl := flag.Duration("ttl", 30*24*time.Hour, "token lifetime, 0 for no expiry")
	metricsPassword := flag.String("metrics-password", "", "hash this password for METRICS_PASSWORD_HASH")
	flag.Parse()

	cfg := config.Load()
	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET is not set")
	}

	token, err := jwt.GenerateToken(cfg.JWTSecret, *subject, *ttl)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("Bearer token:", token)

	if *metricsPassword != "" {
		hashed, err := hash.HashPassword(*metricsPassword)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println("METRICS_PASSWORD_HASH:", hashed)
	}
}
