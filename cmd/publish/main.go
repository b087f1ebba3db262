package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/Mattis142/feed-generator/internal/bluesky"
	"github.com/Mattis142/feed-generator/internal/config"
)

// publish registers (or removes) the feed generator record so the feed shows
// up in clients. Credentials come from BSKY_HANDLE / BSKY_APP_PASSWORD.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		displayName = flag.String("name", "For You", "feed display name")
		description = flag.String("description", "A personalized feed built from your likes, follows, and taste twins.", "feed description")
		unpublish   = flag.Bool("unpublish", false, "delete the feed generator record instead")
		pds         = flag.String("pds", "", "PDS endpoint (defaults to bsky.social)")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	handle := os.Getenv("BSKY_HANDLE")
	password := os.Getenv("BSKY_APP_PASSWORD")
	if handle == "" || password == "" {
		return fmt.Errorf("BSKY_HANDLE and BSKY_APP_PASSWORD are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := bluesky.NewClient(*pds)
	if err := client.Login(ctx, handle, password); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	if *unpublish {
		if err := client.UnpublishFeedGenerator(ctx, cfg.FeedName); err != nil {
			return fmt.Errorf("unpublish feed: %w", err)
		}
		fmt.Printf("unpublished feed %s\n", cfg.FeedName)
		return nil
	}

	record := bluesky.FeedGeneratorRecord{
		DID:         cfg.ServiceDID(),
		DisplayName: *displayName,
		Description: *description,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	if err := client.PublishFeedGenerator(ctx, cfg.FeedName, record); err != nil {
		return fmt.Errorf("publish feed: %w", err)
	}

	fmt.Printf("published feed at://%s/app.bsky.feed.generator/%s\n", client.DID(), cfg.FeedName)
	return nil
}
