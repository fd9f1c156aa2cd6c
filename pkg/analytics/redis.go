package analytics

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/srand/slicer/pkg/utils"
)

// Hash holding the totals of all executions.
const RedisTotalKey = "slicer:analytics:total"

// Hash holding the totals of one execution.
func RedisExecutionKey(exID string) string {
	return "slicer:analytics:" + exID
}

type redisReporter struct {
	client redis.UniversalClient
}

// Reporter incrementing per-execution and cluster-wide hashes in Redis.
func NewRedisReporter(uri string) (Reporter, error) {
	options, err := redis.ParseURL(uri)
	if err != nil {
		return nil, utils.Wrap(utils.ErrInvalidConfig, "invalid redis uri: %v", err)
	}
	return NewRedisReporterWithClient(redis.NewClient(options)), nil
}

func NewRedisReporterWithClient(client redis.UniversalClient) Reporter {
	return &redisReporter{client: client}
}

func (r *redisReporter) Push(ctx context.Context, exID string, delta Delta) error {
	fields := delta.Fields()
	if len(fields) == 0 {
		return nil
	}

	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, field := range fields {
			pipe.HIncrBy(ctx, RedisExecutionKey(exID), field, delta[field])
			pipe.HIncrBy(ctx, RedisTotalKey, field, delta[field])
		}
		return nil
	})
	if err != nil {
		return utils.Wrap(err, "failed to push analytics to redis")
	}
	return nil
}

func (r *redisReporter) Close() error {
	return r.client.Close()
}
