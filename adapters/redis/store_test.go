package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestStore_Load(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(mock redismock.ClientMock)
		session  string
		expected map[string]string
		wantErr  bool
	}{
		{
			name: "success",
			setup: func(mock redismock.ClientMock) {
				mock.ExpectHGetAll("session:jti-1").SetVal(map[string]string{
					"user_id": "u1",
					"wallet":  "0xabc",
				})
			},
			session: "jti-1",
			expected: map[string]string{
				"user_id": "u1",
				"wallet":  "0xabc",
			},
		},
		{
			name: "missing_session",
			setup: func(mock redismock.ClientMock) {
				mock.ExpectHGetAll("session:missing").SetVal(map[string]string{})
			},
			session:  "missing",
			expected: map[string]string{},
		},
		{
			name: "redis_error",
			setup: func(mock redismock.ClientMock) {
				mock.ExpectHGetAll("session:jti-1").
					SetErr(errors.New("redis connection error"))
			},
			session: "jti-1",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, mock, cleanup := setupTest(t)
			defer cleanup()

			tt.setup(mock)

			store := NewStore(client, WithStorePrefix("session:"))
			got, err := store.Load(context.Background(), tt.session)

			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestStore_Save(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(mock redismock.ClientMock)
		session string
		data    map[string]string
		wantErr bool
	}{
		{
			name: "success",
			setup: func(mock redismock.ClientMock) {
				mock.ExpectEvalSha(
					saveScript.Hash(),
					[]string{"session:jti-1"},
					[]interface{}{"user_id", "u1"},
				).SetVal(1)
			},
			session: "jti-1",
			data:    map[string]string{"user_id": "u1"},
		},
		{
			name: "nil_data",
			setup: func(mock redismock.ClientMock) {
				mock.ExpectEvalSha(
					saveScript.Hash(),
					[]string{"session:jti-1"},
					[]interface{}{},
				).SetVal(1)
			},
			session: "jti-1",
			data:    nil,
		},
		{
			name: "redis_error",
			setup: func(mock redismock.ClientMock) {
				mock.ExpectEvalSha(
					saveScript.Hash(),
					[]string{"session:jti-1"},
					[]interface{}{"user_id", "u1"},
				).SetErr(redis.ErrClosed)
			},
			session: "jti-1",
			data:    map[string]string{"user_id": "u1"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, mock, cleanup := setupTest(t)
			defer cleanup()

			tt.setup(mock)

			store := NewStore(client, WithStorePrefix("session:"))
			err := store.Save(context.Background(), tt.session, tt.data)

			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestStore_Delete(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		client, mock, cleanup := setupTest(t)
		defer cleanup()

		mock.ExpectDel("session:jti-1").SetVal(1)

		store := NewStore(client, WithStorePrefix("session:"))
		assert.NoError(t, store.Delete(context.Background(), "jti-1"))
	})

	t.Run("redis_error", func(t *testing.T) {
		client, mock, cleanup := setupTest(t)
		defer cleanup()

		mock.ExpectDel("session:jti-1").SetErr(redis.ErrClosed)

		store := NewStore(client, WithStorePrefix("session:"))
		assert.Error(t, store.Delete(context.Background(), "jti-1"))
	})
}
