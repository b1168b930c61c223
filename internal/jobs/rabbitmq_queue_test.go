package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayBucketRoundsUpToWholeSeconds(t *testing.T) {
	cases := map[time.Duration]time.Duration{
		0:                       time.Second,
		5 * time.Millisecond:    time.Second,
		time.Second:             time.Second,
		1001 * time.Millisecond: 2 * time.Second,
		2999 * time.Millisecond: 3 * time.Second,
		3 * time.Second:         3 * time.Second,
	}
	for in, want := range cases {
		assert.Equal(t, want, delayBucket(in), "delay %s", in)
	}
}

func TestDelayQueueDeclaration(t *testing.T) {
	ttl := delayBucket(2345 * time.Millisecond)
	assert.Equal(t, "piper.jobs.delay.3000", delayQueueName("piper.jobs", ttl))

	args := delayQueueArgs("piper.jobs", ttl)
	assert.Equal(t, int64(3000), args["x-message-ttl"])
	assert.Equal(t, "", args["x-dead-letter-exchange"])
	assert.Equal(t, "piper.jobs", args["x-dead-letter-routing-key"])
	assert.Equal(t, (3*time.Second + delayQueueIdle).Milliseconds(), args["x-expires"])
}
