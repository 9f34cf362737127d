package helpers

import (
	"math/rand"
	"time"
)

// RandomRequestID returns an id for correlating websocket requests and responses.
func RandomRequestID() int {
	min := 10000
	max := 9999999
	return min + rand.Intn(max-min)
}

// WithLatestFrom fires once both ch and ch2 have fired.
func WithLatestFrom(ch, ch2 <-chan struct{}) <-chan struct{} {
	resCh := make(chan struct{}, 1)

	go func() {
		first, second := ch, ch2
		for first != nil || second != nil {
			select {
			case <-first:
				first = nil
			case <-second:
				second = nil
			}
		}
		resCh <- struct{}{}
	}()

	return resCh
}

// TimeToEmptyChan adapts a timer channel to a signal channel.
func TimeToEmptyChan(in <-chan time.Time) <-chan struct{} {
	out := make(chan struct{}, 1)

	go func() {
		<-in
		out <- struct{}{}
	}()

	return out
}
