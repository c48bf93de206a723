package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordOfferWrite(t *testing.T) {
	var m *Recorder // nil recorder is usable

	before := testutil.ToFloat64(offerWrites.WithLabelValues("update", "noop"))
	m.RecordOfferWrite("update", true, nil)
	assert.Equal(t, before+1, testutil.ToFloat64(offerWrites.WithLabelValues("update", "noop")))

	before = testutil.ToFloat64(offerWrites.WithLabelValues("update", "error"))
	m.RecordOfferWrite("update", true, errors.New("boom"))
	assert.Equal(t, before+1, testutil.ToFloat64(offerWrites.WithLabelValues("update", "error")))
}

func TestRecordReconcile(t *testing.T) {
	m := NewRecorder()

	before := testutil.ToFloat64(reconcileFixed.WithLabelValues("lowest_price"))
	m.RecordReconcile("lowest_price", 10*time.Millisecond, 3, nil)
	m.RecordReconcile("lowest_price", 10*time.Millisecond, 0, nil)
	assert.Equal(t, before+3, testutil.ToFloat64(reconcileFixed.WithLabelValues("lowest_price")))
}

func TestRecordSubtreeCache(t *testing.T) {
	m := NewRecorder()

	hits := testutil.ToFloat64(subtreeCache.WithLabelValues("hit"))
	misses := testutil.ToFloat64(subtreeCache.WithLabelValues("miss"))
	m.RecordSubtreeCache(true, nil)
	m.RecordSubtreeCache(false, nil)
	m.RecordSubtreeCache(true, errors.New("down"))

	assert.Equal(t, hits+1, testutil.ToFloat64(subtreeCache.WithLabelValues("hit")))
	assert.Equal(t, misses+1, testutil.ToFloat64(subtreeCache.WithLabelValues("miss")))
}

func TestRecordBreakerState(t *testing.T) {
	m := NewRecorder()
	m.RecordBreakerState("subtree", 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(breakerState.WithLabelValues("subtree")))
	m.RecordBreakerState("subtree", 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(breakerState.WithLabelValues("subtree")))
}
