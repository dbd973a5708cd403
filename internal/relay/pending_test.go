package relay

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingTakeRemovesEntry(t *testing.T) {
	tbl := newPendingTable()
	pr := tbl.add("r1")
	require.NotNil(t, pr)
	assert.Equal(t, 1, tbl.len())

	got := tbl.take("r1")
	assert.Same(t, pr, got)
	assert.Equal(t, 0, tbl.len())

	assert.Nil(t, tbl.take("r1"))
	assert.Nil(t, tbl.take("never-added"))
}

func TestPendingSettleIsAtMostOnce(t *testing.T) {
	tbl := newPendingTable()
	pr := tbl.add("r1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pr.settle(rpcResult{payload: []byte(`{"n":1}`)})
		}(i)
	}
	wg.Wait()

	res := <-pr.done
	assert.NotNil(t, res.payload)

	select {
	case <-pr.done:
		t.Fatal("second result delivered")
	default:
	}
}
