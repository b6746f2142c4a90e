// Command seed generates a small demo dataset for the integrity API: tracked
// links owned by a handful of campaign members, plus their user ids.
//
// Usage:
//
//	go run ./cmd/seed [-config path] [-out data/seed.json] [-tokens]
//
// The dataset is always written to -out, which cmd/server loads on startup.
// When storage.driver is sqlite or postgres the links and trust scores are
// also written straight into that database. With -tokens, a development JWT
// is printed for every seeded user and for one admin.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"mobilize/integrity-api/internal/auth"
	"mobilize/integrity-api/internal/config"
	"mobilize/integrity-api/internal/domain"
	"mobilize/integrity-api/internal/ledger"
	"mobilize/integrity-api/internal/store"
)

// seedData mirrors the format cmd/server reads.
type seedData struct {
	Links []domain.TrackedLink `json:"links"`
	Users []string             `json:"users"`
}

// member is a campaign volunteer who shares smart links.
type member struct {
	id        string
	campaigns []string
}

var members = []member{
	{id: "usr_ana", campaigns: []string{"clean-river", "school-meals"}},
	{id: "usr_bruno", campaigns: []string{"clean-river"}},
	{id: "usr_carla", campaigns: []string{"bike-lanes", "school-meals", "library-hours"}},
	{id: "usr_diego", campaigns: []string{"bike-lanes"}},
	{id: "usr_elena", campaigns: []string{"library-hours"}},
	{id: "usr_farid", campaigns: []string{"clean-river", "bike-lanes"}},
}

const adminID = "usr_admin"

func main() {
	configFile := flag.String("config", "", "path to YAML config file")
	out := flag.String("out", "data/seed.json", "where to write the dataset")
	tokens := flag.Bool("tokens", false, "print development JWTs for seeded users")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	rng := rand.New(rand.NewSource(42)) // deterministic seed for reproducibility
	seed := generate(rng, time.Now().UTC().Add(-30*24*time.Hour))

	if err := writeFile(*out, seed); err != nil {
		fmt.Fprintf(os.Stderr, "write error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Generated %d links for %d users → %s\n", len(seed.Links), len(seed.Users), *out)

	if cfg.Storage.Driver == "sqlite" || cfg.Storage.Driver == "postgres" {
		if err := seedDatabase(context.Background(), cfg.Storage, seed); err != nil {
			fmt.Fprintf(os.Stderr, "database error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Seeded %s database %s\n", cfg.Storage.Driver, cfg.Storage.DSN)
	}

	if *tokens {
		if err := printTokens(cfg.Auth, seed.Users); err != nil {
			fmt.Fprintf(os.Stderr, "token error: %v\n", err)
			os.Exit(1)
		}
	}
}

// generate builds one link per (member, campaign). Roughly one link in eight
// is retired so the inactive path can be exercised.
func generate(rng *rand.Rand, base time.Time) seedData {
	var seed seedData
	for _, m := range members {
		seed.Users = append(seed.Users, m.id)
		for _, c := range m.campaigns {
			id := fmt.Sprintf("lnk_%s_%04x", c, rng.Intn(0x10000))
			seed.Links = append(seed.Links, domain.TrackedLink{
				ID:             id,
				OwnerUserID:    m.id,
				DestinationURL: fmt.Sprintf("https://mobilize.example.org/campaigns/%s?ref=%s", c, m.id),
				Active:         rng.Intn(8) != 0,
				CreatedAt:      base.Add(time.Duration(rng.Intn(30*24)) * time.Hour),
			})
		}
	}
	return seed
}

func writeFile(path string, seed seedData) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(seed)
}

func seedDatabase(ctx context.Context, cfg config.StorageConfig, seed seedData) error {
	db, err := store.OpenSQL(cfg.Driver, cfg.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	for i := range seed.Links {
		if err := db.SaveLink(ctx, &seed.Links[i]); err != nil {
			return fmt.Errorf("save link %s: %w", seed.Links[i].ID, err)
		}
	}
	l := ledger.New(db)
	for _, u := range seed.Users {
		if _, err := l.Register(ctx, u); err != nil {
			return fmt.Errorf("register %s: %w", u, err)
		}
	}
	return nil
}

func printTokens(cfg config.AuthConfig, users []string) error {
	iss := auth.NewIssuer(cfg.JWTSecret, cfg.Issuer)
	principals := []domain.Principal{{ID: adminID, Role: domain.RoleAdmin}}
	for _, u := range users {
		principals = append(principals, domain.Principal{ID: u, Role: domain.RoleUser})
	}
	for _, p := range principals {
		tok, err := iss.Mint(p, 7*24*time.Hour)
		if err != nil {
			return err
		}
		fmt.Printf("%-10s %-6s %s\n", p.ID, p.Role, tok)
	}
	return nil
}
