package sse

import (
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"leadex/adapters/redis"
)

func setupTest(t *testing.T) (*goredis.Client, redismock.ClientMock, func()) {
	db, mock := redismock.NewClientMock()
	return db, mock, func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	}
}

func TestConnectionManager_Roundtrip(t *testing.T) {
	t.Run("event from stream reaches local subscriber", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, mock, cleanup := setupTest(t)
		defer cleanup()

		values, err := redis.EncodeValues(PublishRequest[string]{Channel: "auction-1", Message: "bid:new"})
		require.NoError(t, err)

		mock.ExpectXRead(&goredis.XReadArgs{
			Streams: []string{"auction-events", "$"},
			Count:   1,
			Block:   time.Second,
		}).SetVal([]goredis.XStream{{
			Stream:   "auction-events",
			Messages: []goredis.XMessage{{ID: "1-0", Values: values}},
		}})

		cm, err := NewConnectionManager[string](client, "auction-events")
		require.NoError(t, err)

		// 訂閱要在Start之前完成，事件才不會在分發時落空
		sub, err := cm.Subscribe("auction-1")
		require.NoError(t, err)

		cm.Start()

		select {
		case msg := <-sub:
			assert.Equal(t, "bid:new", msg)
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for event")
		}

		cm.Close()

		// 關閉後訂閱通道應被關閉
		select {
		case _, open := <-sub:
			assert.False(t, open)
		case <-time.After(100 * time.Millisecond):
			t.Fatal("subscriber channel was not closed")
		}
	})

	t.Run("publish writes to stream", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, mock, cleanup := setupTest(t)
		defer cleanup()
		mock.MatchExpectationsInOrder(false)

		values, err := redis.EncodeValues(PublishRequest[string]{Channel: "auction-1", Message: "auction:state"})
		require.NoError(t, err)

		mock.ExpectXRead(&goredis.XReadArgs{
			Streams: []string{"auction-events", "$"},
			Count:   1,
			Block:   time.Second,
		}).SetErr(goredis.Nil)
		mock.ExpectXAdd(&goredis.XAddArgs{
			Stream: "auction-events",
			Values: values,
		}).SetVal("1-0")

		cm, err := NewConnectionManager[string](client, "auction-events")
		require.NoError(t, err)

		cm.Start()
		require.NoError(t, cm.Publish("auction-1", "auction:state"))

		// 等待背景goroutine完成XADD
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if mock.ExpectationsWereMet() == nil {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}

		cm.Close()
	})

	t.Run("closed manager rejects operations", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, _, _ := setupTest(t)
		defer client.Close()

		cm, err := NewConnectionManager[string](client, "auction-events")
		require.NoError(t, err)

		cm.Close()

		_, err = cm.Subscribe("auction-1")
		assert.Error(t, err)
		assert.Error(t, cm.Publish("auction-1", "x"))

		// 重複關閉是無操作
		cm.Close()
	})

	t.Run("unsubscribe reclaims idle channel", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, _, _ := setupTest(t)
		defer client.Close()

		cm, err := NewConnectionManager[string](client, "auction-events")
		require.NoError(t, err)

		sub, err := cm.Subscribe("auction-1")
		require.NoError(t, err)

		cm.Unsubscribe("auction-1", sub)

		_, open := <-sub
		assert.False(t, open)

		cm.Close()
	})
}
