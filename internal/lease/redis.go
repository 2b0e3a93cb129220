package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the key only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis grants the lease with SET NX PX. The TTL bounds how long a crashed
// holder blocks others.
type Redis struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
	log    *zap.Logger
}

func NewRedis(client redis.UniversalClient, key string, ttl time.Duration) *Redis {
	return &Redis{client: client, key: key, ttl: ttl, log: zap.NewNop()}
}

func (r *Redis) WithLogger(log *zap.Logger) *Redis {
	r.log = log
	return r
}

func (r *Redis) TryAcquire(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.key, token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, r.client, []string{r.key}, token).Err(); err != nil {
			r.log.Warn("lease: redis release failed", zap.String("key", r.key), zap.Error(err))
		}
	}
	return release, true, nil
}
