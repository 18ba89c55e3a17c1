package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/lexia/inference-gateway/internal/auth"
	"github.com/lexia/inference-gateway/internal/config"
	"github.com/lexia/inference-gateway/internal/domain"
	"github.com/lexia/inference-gateway/internal/storage/sqldb"
)

// keygen mints a new API key: it generates the client secret, prints it once,
// and stores only the salted hash. Run with -insert to write the credential
// into the configured store, or without it to print the hash for manual
// provisioning.
func main() {
	owner := flag.String("owner", "", "owner identifier recorded on the key")
	permissions := flag.String("permissions", "*", "comma-separated capabilities (chat,stt,diarize,admin or *)")
	rateLimit := flag.Int("rate-limit", 60, "requests per minute for this key")
	insert := flag.Bool("insert", false, "insert the key into the configured store")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Auth.Salt == "" {
		log.Fatal("auth.salt must be configured before minting keys")
	}

	secret, err := newSecret()
	if err != nil {
		log.Fatalf("Failed to generate secret: %v", err)
	}
	keyHash := auth.HashSecret(cfg.Auth.Salt, secret)

	key := &domain.APIKey{
		KeyHash:     keyHash,
		OwnerID:     *owner,
		Permissions: splitPermissions(*permissions),
		RateLimit:   *rateLimit,
	}

	if *insert {
		store, err := sqldb.New(sqldb.Config{Driver: cfg.Storage.Driver, DSN: cfg.Storage.DSN})
		if err != nil {
			log.Fatalf("Failed to open store: %v", err)
		}
		defer store.Close()

		if err := store.CreateKey(context.Background(), key); err != nil {
			log.Fatalf("Failed to insert key: %v", err)
		}
		fmt.Printf("Key ID:  %s\n", key.ID)
	}

	fmt.Printf("API Key: %s\n", secret)
	fmt.Printf("Hash:    %s\n", keyHash)
	if !*insert {
		fmt.Println("\nRe-run with -insert to store it, or provision the hash manually.")
	} else {
		fmt.Println("\nThe secret above is shown once and not stored anywhere.")
	}
	os.Exit(0)
}

func newSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return auth.SecretPrefix + hex.EncodeToString(buf), nil
}

func splitPermissions(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
