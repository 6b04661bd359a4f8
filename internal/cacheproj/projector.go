// Package cacheproj projects flushed batches into Redis for the
// realtime dashboard: per-minute domain counters, active users, a
// recent-event ring and the node health hash. Every write is best
// effort; a Redis outage never blocks or fails a flush.
package cacheproj

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/proxyaudit/proxyaudit/internal/model"
)

const (
	domainBucketTTL   = 900 * time.Second
	recentEventsTTL   = 900 * time.Second
	activeUsersTTL    = 7200 * time.Second
	healthTTL         = 300 * time.Second
	activeUsersWindow = 3600
	recentEventsMax   = 999

	// Matches Python datetime.isoformat for dashboard compatibility.
	isoLayout = "2006-01-02T15:04:05.999999"
)

// CountryFunc resolves a source address to an ISO country code, or ""
// when unknown. Wired to the GeoIP resolver when enabled.
type CountryFunc func(addr string) string

// Projector writes audit projections for one node.
type Projector struct {
	client    redis.UniversalClient
	nodeID    string
	countryFn CountryFunc
}

// New creates a Projector over client for nodeID. countryFn may be nil.
func New(client redis.UniversalClient, nodeID string, countryFn CountryFunc) *Projector {
	return &Projector{client: client, nodeID: nodeID, countryFn: countryFn}
}

// NewClient builds a go-redis client from a redis:// URL.
func NewClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (p *Projector) minuteBucketKey(at time.Time) string {
	return fmt.Sprintf("audit:domains:%s:%s", p.nodeID, at.UTC().Format("200601021504"))
}

func (p *Projector) activeUsersKey() string {
	return "audit:active_users:" + p.nodeID
}

func (p *Projector) recentEventsKey() string {
	return "audit:recent_events:" + p.nodeID
}

func (p *Projector) healthKey() string {
	return "audit:health:" + p.nodeID
}

// UpdateFromEvents projects one flushed batch in a single pipeline.
func (p *Projector) UpdateFromEvents(ctx context.Context, events []*model.ParsedEvent) error {
	if p == nil || p.client == nil || len(events) == 0 {
		return nil
	}

	activeKey := p.activeUsersKey()
	recentKey := p.recentEventsKey()
	now := time.Now().UTC().Unix()

	pipe := p.client.Pipeline()
	for _, ev := range events {
		if ev == nil {
			continue
		}
		compact := map[string]string{
			"event_time": ev.EventTime.UTC().Format(isoLayout),
			"event_type": ev.EventType,
			"raw":        ev.RawLine,
		}

		if a := ev.Access; a != nil {
			compact["email"] = a.UserEmail
			compact["dest_host"] = a.DestHost
			compact["dest_raw"] = a.DestRaw
			compact["status"] = a.Status
			compact["confidence"] = a.Confidence
			if p.countryFn != nil {
				if country := p.countryFn(a.Src); country != "" {
					compact["src_country"] = country
				}
			}

			if a.DestHost != "" {
				bucket := p.minuteBucketKey(ev.EventTime)
				pipe.ZIncrBy(ctx, bucket, 1, a.DestHost)
				pipe.Expire(ctx, bucket, domainBucketTTL)
			}
			if a.UserEmail != "" && a.UserEmail != "unknown" {
				pipe.ZAdd(ctx, activeKey, redis.Z{
					Score:  float64(ev.EventTime.UTC().Unix()),
					Member: a.UserEmail,
				})
			}
		}

		if d := ev.DNS; d != nil {
			compact["dns_server"] = d.DNSServer
			compact["domain"] = d.Domain
			compact["dns_status"] = d.DNSStatus
		}

		payload, err := json.Marshal(compact)
		if err != nil {
			continue
		}
		pipe.LPush(ctx, recentKey, payload)
	}

	pipe.LTrim(ctx, recentKey, 0, recentEventsMax)
	pipe.Expire(ctx, recentKey, recentEventsTTL)
	pipe.ZRemRangeByScore(ctx, activeKey, "0", strconv.FormatInt(now-activeUsersWindow, 10))
	pipe.Expire(ctx, activeKey, activeUsersTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache projection: %w", err)
	}
	return nil
}

// PublishHealth writes the node heartbeat hash. time.Time values render
// as ISO-8601, nil as the empty string.
func (p *Projector) PublishHealth(ctx context.Context, payload map[string]any) error {
	if p == nil || p.client == nil {
		return nil
	}

	normalized := make(map[string]string, len(payload))
	for k, v := range payload {
		switch t := v.(type) {
		case nil:
			normalized[k] = ""
		case time.Time:
			normalized[k] = t.UTC().Format(isoLayout)
		case *time.Time:
			if t == nil {
				normalized[k] = ""
			} else {
				normalized[k] = t.UTC().Format(isoLayout)
			}
		default:
			normalized[k] = fmt.Sprint(v)
		}
	}

	key := p.healthKey()
	pipe := p.client.Pipeline()
	pipe.HSet(ctx, key, normalized)
	pipe.Expire(ctx, key, healthTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish health: %w", err)
	}
	return nil
}

// GetHealth reads the node heartbeat hash, nil when absent or expired.
func (p *Projector) GetHealth(ctx context.Context) (map[string]string, error) {
	if p == nil || p.client == nil {
		return nil, nil
	}
	data, err := p.client.HGetAll(ctx, p.healthKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("get health: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

// DomainHits is one aggregated dest_host counter.
type DomainHits struct {
	Domain string `json:"domain"`
	Hits   int64  `json:"hits"`
}

// TopDomains merges the last `minutes` per-minute buckets with
// ZUNIONSTORE into a short-lived temp key and returns the top `limit`
// destinations by hits.
func (p *Projector) TopDomains(ctx context.Context, minutes, limit int) ([]DomainHits, error) {
	if p == nil || p.client == nil {
		return nil, nil
	}
	if minutes <= 0 {
		minutes = 5
	}
	if limit <= 0 {
		limit = 20
	}

	now := time.Now().UTC().Truncate(time.Minute)
	var existing []string
	for i := 0; i < minutes; i++ {
		key := p.minuteBucketKey(now.Add(-time.Duration(i) * time.Minute))
		n, err := p.client.Exists(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("top domains exists: %w", err)
		}
		if n > 0 {
			existing = append(existing, key)
		}
	}
	if len(existing) == 0 {
		return nil, nil
	}

	tempKey := fmt.Sprintf("audit:tmp:domains:%s:%s", p.nodeID, uuid.NewString())
	pipe := p.client.Pipeline()
	pipe.ZUnionStore(ctx, tempKey, &redis.ZStore{Keys: existing})
	pipe.Expire(ctx, tempKey, 10*time.Second)
	rangeCmd := pipe.ZRevRangeWithScores(ctx, tempKey, 0, int64(limit-1))
	pipe.Del(ctx, tempKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("top domains: %w", err)
	}

	rows, err := rangeCmd.Result()
	if err != nil {
		return nil, fmt.Errorf("top domains range: %w", err)
	}
	out := make([]DomainHits, 0, len(rows))
	for _, z := range rows {
		out = append(out, DomainHits{
			Domain: fmt.Sprint(z.Member),
			Hits:   int64(z.Score),
		})
	}
	return out, nil
}

// ActiveUser is one recently seen user email.
type ActiveUser struct {
	UserEmail    string `json:"user_email"`
	LastSeenUnix int64  `json:"last_seen_unix"`
}

// ActiveUsers returns up to limit users seen within the last `seconds`,
// most recent first.
func (p *Projector) ActiveUsers(ctx context.Context, seconds, limit int) ([]ActiveUser, error) {
	if p == nil || p.client == nil {
		return nil, nil
	}
	if seconds <= 0 {
		seconds = 300
	}
	if limit <= 0 {
		limit = 50
	}

	now := time.Now().UTC().Unix()
	min := now - int64(seconds)
	if min < 0 {
		min = 0
	}

	rows, err := p.client.ZRevRangeByScoreWithScores(ctx, p.activeUsersKey(), &redis.ZRangeBy{
		Min:    strconv.FormatInt(min, 10),
		Max:    strconv.FormatInt(now, 10),
		Offset: 0,
		Count:  int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("active users: %w", err)
	}

	out := make([]ActiveUser, 0, len(rows))
	for _, z := range rows {
		out = append(out, ActiveUser{
			UserEmail:    fmt.Sprint(z.Member),
			LastSeenUnix: int64(z.Score),
		})
	}
	return out, nil
}
