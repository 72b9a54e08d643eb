package redisstore_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"whoisrdap/pkg/redisstore"
	"whoisrdap/pkg/store"
	"whoisrdap/pkg/store/storetest"
)

// Runs only against a live server, e.g. WHOISRDAP_TEST_REDIS=redis://localhost:6379/15
func TestConformance(t *testing.T) {
	url := os.Getenv("WHOISRDAP_TEST_REDIS")
	if url == "" {
		t.Skip("WHOISRDAP_TEST_REDIS not set")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("bad WHOISRDAP_TEST_REDIS: %v", err)
	}

	storetest.Run(t, func(t *testing.T) store.Store {
		ctx := context.Background()
		prefix := "whoisrdap-test:" + uuid.NewString() + ":"

		s, err := redisstore.New(ctx, redis.NewClient(opt), prefix)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		t.Cleanup(func() {
			c := redis.NewClient(opt)
			defer c.Close()
			iter := c.Scan(ctx, 0, prefix+"*", 100).Iterator()
			for iter.Next(ctx) {
				c.Del(ctx, iter.Val())
			}
		})
		return s
	})
}
