// Command apikey mints a forge API key and stores its hash. The full key is
// printed once and cannot be recovered afterwards.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/forgelabs/forge/internal/auth"
	"github.com/forgelabs/forge/internal/config"
	"github.com/forgelabs/forge/internal/postgres"
)

func main() {
	name := flag.String("name", "", "name/description for the key (required)")
	userID := flag.String("user", "", "user ID the key authenticates as (required)")
	days := flag.Int("days", 0, "days until expiration (0 = never expires)")
	flag.Parse()

	if *name == "" || *userID == "" {
		flag.Usage()
		log.Fatal("both -name and -user are required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx := context.Background()
	store, err := postgres.NewStore(ctx, postgres.DBConfig{
		DSN:      cfg.Database.URL,
		PoolSize: 2,
	})
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer store.Close()

	parts, err := auth.GenerateKey()
	if err != nil {
		log.Fatalf("generate key: %v", err)
	}

	key := &auth.Key{
		Name:       *name,
		ShortToken: parts.ShortToken,
		SecretHash: parts.SecretHash,
		UserID:     *userID,
	}
	if *days > 0 {
		expires := time.Now().UTC().AddDate(0, 0, *days)
		key.ExpiresAt = &expires
	}

	if err := store.CreateAPIKey(ctx, key); err != nil {
		log.Fatalf("store key: %v", err)
	}

	fmt.Println("API key created. Store it now; it will not be shown again.")
	fmt.Printf("  id:      %s\n", key.ID)
	fmt.Printf("  user:    %s\n", key.UserID)
	if key.ExpiresAt != nil {
		fmt.Printf("  expires: %s\n", key.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Printf("  key:     %s\n", parts.FullKey)
}
