package core

import (
	"context"
	"encoding/json"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tokmz/chatd/internal/model"
)

// fakeSession 只带投递所需字段的会话
func fakeSession(userID uint64) *Session {
	return &Session{
		claims: &model.UserClaims{ID: userID, Username: "u"},
		logger: zap.NewNop(),
		sendCh: make(chan []byte, 8),
		done:   make(chan struct{}),
	}
}

// TestRegistry_RegisterUnregister 登记与注销
func TestRegistry_RegisterUnregister(t *testing.T) {
	r := NewRegistry(nil)
	s := fakeSession(1)

	r.Register(s)
	assert.Same(t, s, r.Get(1))
	assert.Equal(t, 1, r.Count())

	r.Unregister(s)
	assert.Nil(t, r.Get(1))

	// 重复注销安全
	r.Unregister(s)
	assert.Equal(t, 0, r.Count())
}

// TestRegistry_ReplaceOnRelogin 重复登录顶替旧表项，旧会话注销不误删新表项
func TestRegistry_ReplaceOnRelogin(t *testing.T) {
	r := NewRegistry(nil)
	s1 := fakeSession(5)
	s2 := fakeSession(5)

	r.Register(s1)
	r.Register(s2)
	assert.Same(t, s2, r.Get(5))

	r.Unregister(s1)
	assert.Same(t, s2, r.Get(5))

	r.Unregister(s2)
	assert.Nil(t, r.Get(5))
}

// TestRegistry_WeakExpiry 表项不延长会话生命周期，回收后查不到
func TestRegistry_WeakExpiry(t *testing.T) {
	r := NewRegistry(nil)

	func() {
		r.Register(fakeSession(9))
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		return r.Get(9) == nil
	}, time.Second, 10*time.Millisecond)

	// 失效表项已被顺手清掉
	assert.Equal(t, 0, r.Count())
}

// TestRegistry_DeliverToUser 在线投递成功，离线丢弃
func TestRegistry_DeliverToUser(t *testing.T) {
	r := NewRegistry(nil)
	s := fakeSession(2)
	r.Register(s)

	ok := r.DeliverToUser(2, map[string]string{"type": "ping"})
	require.True(t, ok)

	var got map[string]string
	select {
	case data := <-s.sendCh:
		require.NoError(t, json.Unmarshal(data, &got))
	default:
		t.Fatal("nothing queued")
	}
	assert.Equal(t, "ping", got["type"])

	assert.False(t, r.DeliverToUser(404, "x"))
}

type staticMembers map[uint64][]uint64

func (m staticMembers) RoomMemberIDs(_ context.Context, roomID uint64) ([]uint64, error) {
	ids, ok := m[roomID]
	if !ok {
		return nil, assert.AnError
	}
	return ids, nil
}

// TestRegistry_DeliverToRoomMembers 取成员后扇出，查询失败原样上抛
func TestRegistry_DeliverToRoomMembers(t *testing.T) {
	r := NewRegistry(nil)
	s1 := fakeSession(1)
	s2 := fakeSession(2)
	r.Register(s1)
	r.Register(s2)

	members := staticMembers{77: {1, 2}}

	n, err := r.DeliverToRoomMembers(context.Background(), members, 77, 1, "hi")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, s2.sendCh, 1)

	_, err = r.DeliverToRoomMembers(context.Background(), members, 404, 1, "hi")
	assert.Error(t, err)
}

// TestRegistry_DeliverToRoom 按成员列表扇出，跳过发送者
func TestRegistry_DeliverToRoom(t *testing.T) {
	r := NewRegistry(nil)
	s1 := fakeSession(1)
	s2 := fakeSession(2)
	r.Register(s1)
	r.Register(s2)

	// 成员 3 不在线
	delivered := r.DeliverToRoom([]uint64{1, 2, 3}, 1, "hello")
	assert.Equal(t, 1, delivered)

	assert.Len(t, s2.sendCh, 1)
	assert.Len(t, s1.sendCh, 0)
}
