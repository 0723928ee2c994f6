package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink publishes events on a per-user channel for the interaction
// layer (bot, web UI) to deliver.
type RedisSink struct {
	rdb *redis.Client
}

func NewRedisSink(rdb *redis.Client) *RedisSink {
	return &RedisSink{rdb: rdb}
}

func channel(userID int64) string {
	return fmt.Sprintf("slotwatch:events:%d", userID)
}

func (s *RedisSink) Notify(ctx context.Context, userID int64, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[notify] marshal event: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.rdb.Publish(ctx, channel(userID), payload).Err(); err != nil {
		log.Printf("[notify] publish user=%d: %v", userID, err)
	}
}
