package notify_test

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"leadex/notify"
)

// recorder 記錄執行順序與套用的期望狀態
type recorder struct {
	mu       sync.Mutex
	executed []bool
	pending  int
}

func (r *recorder) execute(desired bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executed = append(r.executed, desired)
}

func (r *recorder) emitPending() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending++
}

func (r *recorder) snapshot() ([]bool, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.executed...), r.pending
}

func TestCoordinatorHandle(t *testing.T) {
	t.Run("冷卻時間外立即執行", func(t *testing.T) {
		coordinator := notify.NewCoordinator(notify.WithCooldown(time.Hour))
		r := &recorder{}

		debounced := coordinator.Handle(uuid.New(), true, r.emitPending, r.execute)

		assert.False(t, debounced)
		executed, pending := r.snapshot()
		assert.Equal(t, []bool{true}, executed)
		assert.Zero(t, pending)
	})

	t.Run("冷卻時間內合併成一次延後執行", func(t *testing.T) {
		defer goleak.VerifyNone(t)

		coordinator := notify.NewCoordinator(notify.WithCooldown(50 * time.Millisecond))
		r := &recorder{}
		userID := uuid.New()

		require.False(t, coordinator.Handle(userID, true, r.emitPending, r.execute))
		// 冷卻時間內的連續切換只留下最後的期望狀態
		require.True(t, coordinator.Handle(userID, false, r.emitPending, r.execute))
		require.True(t, coordinator.Handle(userID, true, r.emitPending, r.execute))
		require.True(t, coordinator.Handle(userID, false, r.emitPending, r.execute))

		assert.Eventually(t, func() bool {
			executed, _ := r.snapshot()
			return len(executed) == 2
		}, time.Second, 10*time.Millisecond)

		executed, pending := r.snapshot()
		assert.Equal(t, []bool{true, false}, executed)
		assert.Equal(t, 3, pending)
	})

	t.Run("延後執行使用最後一次請求的閉包", func(t *testing.T) {
		defer goleak.VerifyNone(t)

		coordinator := notify.NewCoordinator(notify.WithCooldown(50 * time.Millisecond))
		userID := uuid.New()

		// 每次請求的閉包綁定不同的目標資源
		var mu sync.Mutex
		applied := make(map[string][]bool)
		executeFor := func(lead string) func(bool) {
			return func(desired bool) {
				mu.Lock()
				defer mu.Unlock()
				applied[lead] = append(applied[lead], desired)
			}
		}

		require.False(t, coordinator.Handle(userID, true, nil, executeFor("lead-a")))
		require.True(t, coordinator.Handle(userID, false, nil, executeFor("lead-b")))
		require.True(t, coordinator.Handle(userID, true, nil, executeFor("lead-c")))

		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(applied["lead-c"]) == 1
		}, time.Second, 10*time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		// 最新的期望狀態套用在最新的資源上，不會落到較早的閉包
		assert.Equal(t, []bool{true}, applied["lead-a"])
		assert.Empty(t, applied["lead-b"])
		assert.Equal(t, []bool{true}, applied["lead-c"])
	})

	t.Run("不同使用者互不影響", func(t *testing.T) {
		coordinator := notify.NewCoordinator(notify.WithCooldown(time.Hour))
		r := &recorder{}

		assert.False(t, coordinator.Handle(uuid.New(), true, r.emitPending, r.execute))
		assert.False(t, coordinator.Handle(uuid.New(), false, r.emitPending, r.execute))

		executed, _ := r.snapshot()
		assert.Equal(t, []bool{true, false}, executed)
	})

	t.Run("冷卻結束後的下一次切換立即執行", func(t *testing.T) {
		coordinator := notify.NewCoordinator(notify.WithCooldown(30 * time.Millisecond))
		r := &recorder{}
		userID := uuid.New()

		require.False(t, coordinator.Handle(userID, true, r.emitPending, r.execute))
		time.Sleep(50 * time.Millisecond)
		assert.False(t, coordinator.Handle(userID, false, r.emitPending, r.execute))
	})

	t.Run("emitPending可以為nil", func(t *testing.T) {
		defer goleak.VerifyNone(t)

		coordinator := notify.NewCoordinator(notify.WithCooldown(20 * time.Millisecond))
		r := &recorder{}
		userID := uuid.New()

		require.False(t, coordinator.Handle(userID, true, nil, r.execute))
		require.True(t, coordinator.Handle(userID, false, nil, r.execute))

		assert.Eventually(t, func() bool {
			executed, _ := r.snapshot()
			return len(executed) == 2
		}, time.Second, 10*time.Millisecond)
	})
}

func TestCoordinatorCancelAll(t *testing.T) {
	defer goleak.VerifyNone(t)

	coordinator := notify.NewCoordinator(notify.WithCooldown(50 * time.Millisecond))
	r := &recorder{}
	userID := uuid.New()

	require.False(t, coordinator.Handle(userID, true, r.emitPending, r.execute))
	require.True(t, coordinator.Handle(userID, false, r.emitPending, r.execute))

	coordinator.CancelAll()
	time.Sleep(100 * time.Millisecond)

	// 排程中的延後執行已被丟棄
	executed, _ := r.snapshot()
	assert.Equal(t, []bool{true}, executed)
}
