package client

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskmesh-io/taskmesh/internal/netaddr"
	"github.com/taskmesh-io/taskmesh/internal/proto"
	"github.com/taskmesh-io/taskmesh/internal/transport"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	engine, err := transport.New(netaddr.Addr{Host: "127.0.0.1", Port: 0}, transport.Options{
		Timeout:     5 * time.Millisecond,
		MaxAttempts: 3,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { engine.Shutdown(true) })

	dispatcher := netaddr.Addr{Host: "127.0.0.1", Port: 7000}
	return New(engine, dispatcher, Options{}, zap.NewNop())
}

func TestGenerateTaskAssignsMonotonicIDs(t *testing.T) {
	c := newTestClient(t)
	c.generateTask()
	c.generateTask()
	c.generateTask()

	snap := c.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []int64{0, 1, 2}, []int64{snap[0].TaskID, snap[1].TaskID, snap[2].TaskID})
}

func TestNotifyTaskResolvesMatchingRecord(t *testing.T) {
	c := newTestClient(t)
	c.generateTask()

	id := c.Snapshot()[0].TaskID
	params, err := json.Marshal(proto.NotifyTaskParams{TaskID: id})
	require.NoError(t, err)

	_, ack := c.notifyTaskHandler(params)
	assert.True(t, ack)

	snap := c.Snapshot()
	require.Len(t, snap, 1)
	assert.True(t, snap[0].Resolved)
	assert.False(t, snap[0].DoneTm.IsZero())
}

// TestDuplicateNotifyTaskIsIdempotent: a second notify_task for an
// already-resolved record must not overwrite done_tm or otherwise change
// the record.
func TestDuplicateNotifyTaskIsIdempotent(t *testing.T) {
	c := newTestClient(t)
	c.generateTask()
	id := c.Snapshot()[0].TaskID
	params, _ := json.Marshal(proto.NotifyTaskParams{TaskID: id})

	c.notifyTaskHandler(params)
	firstDone := c.Snapshot()[0].DoneTm

	time.Sleep(time.Millisecond)
	_, ack := c.notifyTaskHandler(params)
	assert.True(t, ack)

	secondDone := c.Snapshot()[0].DoneTm
	assert.Equal(t, firstDone, secondDone, "a duplicate notify_task must not re-resolve an already-resolved record")
}

func TestNotifyTaskForUnknownIDIsAckedWithoutPanic(t *testing.T) {
	c := newTestClient(t)
	params, _ := json.Marshal(proto.NotifyTaskParams{TaskID: 999})

	_, ack := c.notifyTaskHandler(params)
	assert.True(t, ack, "an unknown task_id must still be acked so the dispatcher does not retry forever")
	assert.Empty(t, c.Snapshot())
}

func TestHandleMessageRoutesUnrecognisedMethod(t *testing.T) {
	c := newTestClient(t)
	_, ack := c.handleMessage(netaddr.Addr{Host: "127.0.0.1", Port: 1}, "bogus", []byte(`{}`), nil)
	assert.True(t, ack)
}

func TestSnapshotPreservesCreationOrder(t *testing.T) {
	c := newTestClient(t)
	for i := 0; i < 5; i++ {
		c.generateTask()
	}

	snap := c.Snapshot()
	require.Len(t, snap, 5)
	for i, rec := range snap {
		assert.Equal(t, int64(i), rec.TaskID)
	}
}
