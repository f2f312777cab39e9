package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPeerTimeoutPenaltyGrows(t *testing.T) {
	p := &peerConn{}
	now := time.Unix(1_000, 0)
	assert.False(t, p.penalizedAt(now))

	p.penalizeAt(now)
	assert.True(t, p.penalizedAt(now.Add(penaltyBase-time.Millisecond)))
	assert.False(t, p.penalizedAt(now.Add(penaltyBase)))

	// streak inside the window doubles the penalty up to the cap
	want := []time.Duration{2 * penaltyBase, 4 * penaltyBase, penaltyMax, penaltyMax}
	for i, d := range want {
		at := now.Add(time.Duration(i+1) * time.Second)
		p.penalizeAt(at)
		assert.True(t, p.penalizedAt(at.Add(d-time.Millisecond)), "streak %d", i+2)
		assert.False(t, p.penalizedAt(at.Add(d)), "streak %d", i+2)
	}
}

func TestPeerTimeoutPenaltyResetsAfterWindow(t *testing.T) {
	p := &peerConn{}
	now := time.Unix(1_000, 0)
	p.penalizeAt(now)
	p.penalizeAt(now.Add(time.Second))

	later := now.Add(time.Second + backoffWindow + time.Millisecond)
	p.penalizeAt(later)
	assert.False(t, p.penalizedAt(later.Add(penaltyBase)), "streak restarts at the base penalty")
}
