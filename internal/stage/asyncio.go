package stage

import (
	"github.com/udisondev/playhouse/internal/packet"
)

// AsyncIO runs pre off the stage worker (it may block on I/O or remote
// requests), then posts post back into the stage intake with pre's
// result. Stage state must only be touched inside post. Packets posted
// while pre runs are dispatched first; AsyncIO does not freeze the stage.
//
// If the stage closes before the continuation is dispatched, post is
// dropped.
func AsyncIO[T any](s *StageSender, pre func() (T, error), post func(result T, err error)) {
	rt := s.rt
	go func() {
		result, err := pre()
		rt.Post(packet.NewLocal(MsgAsyncBlock, rt.id, func() {
			post(result, err)
		}))
	}()
}

// AsyncPost is the result-free variant: run fn off the worker, then cont
// on it.
func AsyncPost(s *StageSender, fn func() error, cont func(err error)) {
	AsyncIO(s, func() (struct{}, error) {
		return struct{}{}, fn()
	}, func(_ struct{}, err error) {
		cont(err)
	})
}
