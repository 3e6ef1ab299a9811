package broker

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Merge forwards every message from streams into one channel. The result is
// closed once every input is closed or ctx is done. When keep is non-nil,
// messages it rejects are acked and dropped.
func Merge(ctx context.Context, keep func(*message.Message) bool, streams ...<-chan *message.Message) <-chan *message.Message {
	out := make(chan *message.Message)
	var wg sync.WaitGroup

	for _, stream := range streams {
		wg.Add(1)
		go func(in <-chan *message.Message) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-in:
					if !ok {
						return
					}
					if keep != nil && !keep(msg) {
						msg.Ack()
						continue
					}
					select {
					case out <- msg:
					case <-ctx.Done():
						msg.Nack()
						return
					}
				}
			}
		}(stream)
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// KeepMatching returns a Merge filter accepting messages whose
// MetadataRoutingKey matches one of patterns.
func KeepMatching(patterns []string) func(*message.Message) bool {
	return func(msg *message.Message) bool {
		return MatchAny(patterns, msg.Metadata.Get(MetadataRoutingKey))
	}
}
