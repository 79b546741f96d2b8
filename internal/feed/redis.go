package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pliu/groupsync/internal/apperr"
	"github.com/pliu/groupsync/internal/metrics"
	"github.com/pliu/groupsync/internal/models"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBroker shares the feed between server replicas over Redis pub/sub.
type RedisBroker struct {
	cli *redis.Client
	log *zap.Logger
}

func NewRedisBroker(url string, log *zap.Logger) (*RedisBroker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	return &RedisBroker{cli: redis.NewClient(opt), log: log}, nil
}

// Ping checks connectivity at startup.
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.cli.Ping(ctx).Err()
}

func ChannelName(groupID string) string {
	return "groupsync:group:" + groupID
}

func (b *RedisBroker) Publish(ctx context.Context, ev models.ChangeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.cli.Publish(ctx, ChannelName(ev.GroupID), payload).Err(); err != nil {
		return apperr.Remote("redis publish", err)
	}
	metrics.FeedEvents.WithLabelValues("published").Inc()
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, groupID string) (Subscription, error) {
	if groupID == "" {
		return nil, apperr.Validation("group id required")
	}
	ps := b.cli.Subscribe(ctx, ChannelName(groupID))
	// wait for the subscription to be confirmed so no publish is missed
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, apperr.Remote("redis subscribe", err)
	}
	s := &redisSub{
		ps:      ps,
		groupID: groupID,
		events:  make(chan models.ChangeEvent, DefaultBuffer),
		log:     b.log,
	}
	go s.pump(ctx)
	return s, nil
}

func (b *RedisBroker) Close() error {
	return b.cli.Close()
}

type redisSub struct {
	ps      *redis.PubSub
	groupID string
	events  chan models.ChangeEvent
	log     *zap.Logger

	once   sync.Once
	mu     sync.Mutex
	err    error
	closed bool
}

func (s *redisSub) pump(ctx context.Context) {
	defer close(s.events)
	ch := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return
		case msg, ok := <-ch:
			if !ok {
				s.mu.Lock()
				if !s.closed {
					s.err = apperr.Remote("redis feed", fmt.Errorf("subscription for group %s ended", s.groupID))
				}
				s.mu.Unlock()
				return
			}
			var ev models.ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				s.log.Warn("feed_bad_payload", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			select {
			case s.events <- ev:
				metrics.FeedEvents.WithLabelValues("delivered").Inc()
			default:
				metrics.FeedEvents.WithLabelValues("dropped").Inc()
			}
		}
	}
}

func (s *redisSub) Events() <-chan models.ChangeEvent { return s.events }

func (s *redisSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		err = s.ps.Close()
	})
	return err
}
