package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollector_Records(t *testing.T) {
	c := New()
	c.Send("sent")
	c.Send("sent")
	c.Send("failed")
	c.QueueLength(3)
	c.Mutation("edit", "ok")
	c.Connected(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.sends.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sends.WithLabelValues("failed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.queueLength))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.mutations.WithLabelValues("edit", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.connected))
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.Send("sent")
		c.QueueLength(1)
		c.Event("typing")
		c.Receipt("ok")
		c.Mutation("edit", "ok")
		c.Presence("typing")
		c.Connected(false)
	})
	assert.Nil(t, c.Registry())
}
