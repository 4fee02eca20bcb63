package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/charlesng35/coedit/pkg/logger"
	"github.com/charlesng35/coedit/pkg/metrics"
)

const (
	redisKeyPrefix     = "presence:"
	redisMemberPrefix  = "user:"
	redisUpdatesSuffix = ":updates"
	touchRetries       = 3
)

// RedisStore shares presence between gateway instances. Each room is a hash
// presence:<document> with one user:<id> field per member, expired as a whole after
// RoomTTL without activity. Changes are published on presence:<document>:updates.
type RedisStore struct {
	client  *redis.Client
	opts    Options
	timeNow func() time.Time
	log     *zap.Logger
}

// NewRedisStore builds a Store on top of an existing go-redis client.
func NewRedisStore(client *redis.Client, opts Options) *RedisStore {
	opts = opts.withDefaults()
	return &RedisStore{
		client:  client,
		opts:    opts,
		timeNow: opts.Clock,
		log:     logger.WithModule("presence"),
	}
}

func roomKey(documentID string) string {
	return redisKeyPrefix + documentID
}

func memberField(userID string) string {
	return redisMemberPrefix + userID
}

func updatesChannel(documentID string) string {
	return redisKeyPrefix + documentID + redisUpdatesSuffix
}

// AddMember writes the member into the room hash, refreshes the room TTL and publishes a joined change.
func (s *RedisStore) AddMember(ctx context.Context, documentID string, member Member) error {
	if err := validateKeys(documentID, member.UserID); err != nil {
		return err
	}
	member = stamp(member, s.timeNow())

	payload, err := json.Marshal(member)
	if err != nil {
		return fmt.Errorf("presence: encode member: %w", err)
	}
	change, err := s.encodeChange(Change{Type: ChangeJoined, DocumentID: documentID, UserID: member.UserID, Member: &member})
	if err != nil {
		return err
	}

	key := roomKey(documentID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, memberField(member.UserID), payload)
		pipe.Expire(ctx, key, s.opts.RoomTTL)
		pipe.Publish(ctx, updatesChannel(documentID), change)
		return nil
	})
	if err != nil {
		return s.fail("add_member", err)
	}
	return nil
}

// RemoveMember deletes the member field and publishes a left change.
func (s *RedisStore) RemoveMember(ctx context.Context, documentID, userID string) error {
	if err := validateKeys(documentID, userID); err != nil {
		return err
	}

	key := roomKey(documentID)
	field := memberField(userID)

	var (
		existing *redis.StringCmd
		deleted  *redis.IntCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		existing = pipe.HGet(ctx, key, field)
		deleted = pipe.HDel(ctx, key, field)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return s.fail("remove_member", err)
	}
	if deleted.Val() == 0 {
		return nil
	}

	change := Change{Type: ChangeLeft, DocumentID: documentID, UserID: userID}
	if member, decodeErr := decodeMember(existing.Val()); decodeErr == nil {
		change.Member = &member
	}
	payload, err := s.encodeChange(change)
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, updatesChannel(documentID), payload).Err(); err != nil {
		return s.fail("publish", err)
	}
	return nil
}

// ListMembers returns live members, deleting stale fields from the hash.
func (s *RedisStore) ListMembers(ctx context.Context, documentID string) ([]Member, error) {
	if strings.TrimSpace(documentID) == "" {
		return nil, errDocumentRequired
	}

	key := roomKey(documentID)
	raw, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, s.fail("list_members", err)
	}

	now := s.timeNow()
	members := make([]Member, 0, len(raw))
	stale := make([]string, 0)
	for field, value := range raw {
		member, err := decodeMember(value)
		if err != nil {
			s.log.Warn("dropping undecodable presence record",
				zap.String("document_id", documentID),
				zap.String("field", field),
				zap.Error(err),
			)
			stale = append(stale, field)
			continue
		}
		if isStale(member, now, s.opts.StaleAfter) {
			stale = append(stale, field)
			continue
		}
		members = append(members, member)
	}

	if len(stale) > 0 {
		if err := s.client.HDel(ctx, key, stale...).Err(); err != nil {
			s.log.Warn("purge stale presence failed", zap.String("document_id", documentID), zap.Error(err))
		} else {
			metrics.PresencePurged.Add(float64(len(stale)))
		}
	}

	sortMembers(members)
	return members, nil
}

// Touch refreshes LastSeen inside a WATCH transaction so a concurrent removal is
// never undone by a heartbeat that read the record first.
func (s *RedisStore) Touch(ctx context.Context, documentID, userID string) (bool, error) {
	if err := validateKeys(documentID, userID); err != nil {
		return false, err
	}

	key := roomKey(documentID)
	field := memberField(userID)

	var found bool
	update := func(tx *redis.Tx) error {
		found = false
		raw, err := tx.HGet(ctx, key, field).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		member, err := decodeMember(raw)
		if err != nil {
			return err
		}
		member.LastSeen = s.timeNow()
		payload, err := json.Marshal(member)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, field, payload)
			pipe.Expire(ctx, key, s.opts.RoomTTL)
			return nil
		})
		found = err == nil
		return err
	}

	var err error
	for attempt := 0; attempt < touchRetries; attempt++ {
		err = s.client.Watch(ctx, update, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return false, s.fail("touch", err)
	}
	return found, nil
}

// Subscribe listens for changes on one room, or on every room when documentID is AllDocuments.
// The returned subscription is confirmed before Subscribe returns.
func (s *RedisStore) Subscribe(ctx context.Context, documentID string, handler ChangeHandler) (Subscription, error) {
	if documentID == "" {
		return nil, errDocumentRequired
	}
	if handler == nil {
		return nil, errHandlerRequired
	}

	var pubsub *redis.PubSub
	if documentID == AllDocuments {
		pubsub = s.client.PSubscribe(ctx, redisKeyPrefix+"*"+redisUpdatesSuffix)
	} else {
		pubsub = s.client.Subscribe(ctx, updatesChannel(documentID))
	}
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, s.fail("subscribe", err)
	}

	sub := &redisSubscription{pubsub: pubsub, done: make(chan struct{})}
	go sub.run(s.log, handler)
	return sub, nil
}

// Sweep scans every room and purges stale members.
func (s *RedisStore) Sweep(ctx context.Context) (int, error) {
	purged := 0
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasSuffix(key, redisUpdatesSuffix) {
			continue
		}
		documentID := strings.TrimPrefix(key, redisKeyPrefix)

		before, err := s.client.HLen(ctx, key).Result()
		if err != nil {
			return purged, s.fail("sweep", err)
		}
		members, err := s.ListMembers(ctx, documentID)
		if err != nil {
			return purged, err
		}
		purged += int(before) - len(members)
	}
	if err := iter.Err(); err != nil {
		return purged, s.fail("sweep", err)
	}
	return purged, nil
}

// Ping reports whether the backing Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) encodeChange(change Change) ([]byte, error) {
	change.Origin = s.opts.Origin
	payload, err := json.Marshal(change)
	if err != nil {
		return nil, fmt.Errorf("presence: encode change: %w", err)
	}
	return payload, nil
}

func (s *RedisStore) fail(operation string, err error) error {
	metrics.PresenceErrors.WithLabelValues(operation).Inc()
	return fmt.Errorf("presence: %s: %w", strings.ReplaceAll(operation, "_", " "), err)
}

func decodeMember(raw string) (Member, error) {
	var member Member
	if err := json.Unmarshal([]byte(raw), &member); err != nil {
		return Member{}, err
	}
	return member, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	once   sync.Once
	done   chan struct{}
}

func (r *redisSubscription) run(log *zap.Logger, handler ChangeHandler) {
	defer close(r.done)
	for msg := range r.pubsub.Channel() {
		var change Change
		if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
			log.Warn("ignoring malformed presence change", zap.String("channel", msg.Channel), zap.Error(err))
			continue
		}
		handler(change)
	}
}

func (r *redisSubscription) Close() error {
	var err error
	r.once.Do(func() {
		err = r.pubsub.Close()
		<-r.done
	})
	return err
}
