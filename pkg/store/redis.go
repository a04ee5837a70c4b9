package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Redis implements Store on a redis backend: one hash per document, one
// list per report sequence (RPUSH gives the atomic append), and a set
// of armed identities backing the buzzer query.
type Redis struct {
	rdb *redis.Client
}

const buzzingSet = "tagtrace:buzzing"

// NewRedis connects a Store to the redis instance at addr.
func NewRedis(addr string) *Redis {
	return &Redis{rdb: redis.NewClient(&redis.Options{Addr: addr})}
}

// Ping verifies connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func docKey(eid string) string     { return "tagtrace:device:" + eid }
func reportsKey(eid string) string { return "tagtrace:device:" + eid + ":reports" }

func (r *Redis) Get(ctx context.Context, eid string) (DeviceDoc, error) {
	m, err := r.rdb.HGetAll(ctx, docKey(eid)).Result()
	if err != nil {
		return DeviceDoc{}, fmt.Errorf("store: redis get %s: %w", eid, err)
	}
	if len(m) == 0 {
		return DeviceDoc{}, ErrNotFound
	}
	return docFromHash(eid, m), nil
}

func (r *Redis) PutRegistration(ctx context.Context, eid, publicKey string) error {
	err := r.rdb.HSet(ctx, docKey(eid),
		"publicKey", publicKey,
		"registered", "1",
	).Err()
	if err != nil {
		return fmt.Errorf("store: redis register %s: %w", eid, err)
	}
	return nil
}

func (r *Redis) AppendReport(ctx context.Context, eid, envelope string) error {
	if err := r.rdb.RPush(ctx, reportsKey(eid), envelope).Err(); err != nil {
		return fmt.Errorf("store: redis append report %s: %w", eid, err)
	}
	return nil
}

func (r *Redis) Reports(ctx context.Context, eid string) ([]string, error) {
	out, err := r.rdb.LRange(ctx, reportsKey(eid), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("store: redis reports %s: %w", eid, err)
	}
	return out, nil
}

func (r *Redis) SetBuzzer(ctx context.Context, eid string, durationMS int, format string) error {
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, docKey(eid),
		"buzzerFlag", "1",
		"buzzerDuration", strconv.Itoa(durationMS),
		"commandFormat", format,
		"buzzerRequestedAt", strconv.FormatInt(time.Now().Unix(), 10),
	)
	pipe.SAdd(ctx, buzzingSet, eid)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: redis set buzzer %s: %w", eid, err)
	}
	return nil
}

func (r *Redis) ClearBuzzer(ctx context.Context, eid string, processedAt time.Time) error {
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, docKey(eid),
		"buzzerFlag", "0",
		"buzzerProcessedAt", strconv.FormatInt(processedAt.Unix(), 10),
	)
	pipe.SRem(ctx, buzzingSet, eid)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: redis clear buzzer %s: %w", eid, err)
	}
	return nil
}

func (r *Redis) QueryBuzzing(ctx context.Context) ([]DeviceDoc, error) {
	eids, err := r.rdb.SMembers(ctx, buzzingSet).Result()
	if err != nil {
		return nil, fmt.Errorf("store: redis query buzzing: %w", err)
	}
	var out []DeviceDoc
	for _, eid := range eids {
		doc, err := r.Get(ctx, eid)
		if err != nil {
			// A member whose document vanished is dropped from the
			// result, not fatal to the query.
			continue
		}
		out = append(out, doc)
	}
	return out, nil
}

func docFromHash(eid string, m map[string]string) DeviceDoc {
	atoi := func(s string) int {
		n, _ := strconv.Atoi(s)
		return n
	}
	return DeviceDoc{
		EID:               eid,
		PublicKey:         m["publicKey"],
		Registered:        m["registered"] == "1",
		BuzzerFlag:        m["buzzerFlag"] == "1",
		BuzzerDuration:    atoi(m["buzzerDuration"]),
		CommandFormat:     m["commandFormat"],
		BuzzerRequestedAt: int64(atoi(m["buzzerRequestedAt"])),
		BuzzerProcessedAt: int64(atoi(m["buzzerProcessedAt"])),
	}
}
