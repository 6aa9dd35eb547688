package kvtest

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// ErrPipelineDropped is returned by FailPipelines for every pipeline and transaction.
var ErrPipelineDropped = errors.New("kvtest: pipeline dropped")

// FailPipelines is a hook that fails pipelines and transactions while letting single
// commands through. Attach it with AddHook to simulate a connection lost mid-write.
type FailPipelines struct{}

func (FailPipelines) DialHook(next redis.DialHook) redis.DialHook { return next }

func (FailPipelines) ProcessHook(next redis.ProcessHook) redis.ProcessHook { return next }

func (FailPipelines) ProcessPipelineHook(redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(context.Context, []redis.Cmder) error {
		return ErrPipelineDropped
	}
}

var _ redis.Hook = FailPipelines{}
