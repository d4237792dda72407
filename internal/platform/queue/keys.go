package queue

import "strings"

// Keys builds the Redis key space of one connection.
//
//	<prefix>waiting:<queue>  list, LPUSH by producers, BRPOP by consumers
//	<prefix>delayed          sorted set scored by release epoch
//	<prefix>failed           list of terminal envelopes
type Keys struct {
	Prefix string
}

const waitingSegment = "waiting:"

func (k Keys) Waiting(queue string) string { return k.Prefix + waitingSegment + queue }

func (k Keys) WaitingPrefix() string { return k.Prefix + waitingSegment }

func (k Keys) Delayed() string { return k.Prefix + "delayed" }

func (k Keys) Failed() string { return k.Prefix + "failed" }

// Outcomes is the pub/sub channel used by the broadcast sink.
func (k Keys) Outcomes() string { return k.Prefix + "outcomes" }

// QueueOf returns the queue name of a waiting-list key.
func (k Keys) QueueOf(key string) (string, bool) {
	return strings.CutPrefix(key, k.WaitingPrefix())
}
