package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/chatd/internal/auth"
	"github.com/tokmz/chatd/internal/core"
	"github.com/tokmz/chatd/internal/db"
	"github.com/tokmz/chatd/internal/errors"
	"github.com/tokmz/chatd/internal/snowflake"
	"github.com/tokmz/chatd/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "handler_test.db")
	pool, err := db.NewPool(db.Config{Type: "sqlite", DSN: dsn, PoolSize: 4}, nil)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	ids, err := snowflake.New(1, 1735689600000)
	require.NoError(t, err)

	st := store.New(pool, ids, nil)
	require.NoError(t, st.AutoMigrate(context.Background()))
	return st
}

func newTestAPI(t *testing.T) (*API, *store.Store) {
	t.Helper()

	st := newTestStore(t)
	tokens, err := auth.NewTokenManager("test-secret", nil)
	require.NoError(t, err)
	return NewAPI(st, tokens, nil), st
}

// doJSON 直接调处理器，解出响应信封
func doJSON(t *testing.T, api *API, method, path, token string, body any, query url.Values) (int, envelope) {
	t.Helper()

	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}

	header := make(http.Header)
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	resp := api.HandleRequest(context.Background(), &core.Request{
		Method: method,
		Path:   path,
		Query:  query,
		Header: header,
		Body:   raw,
	})
	require.NotNil(t, resp)

	var env envelope
	require.NoError(t, json.Unmarshal(resp.Body, &env))
	return resp.Status, env
}

// dataAs 把信封里的 data 再解到目标结构
func dataAs(t *testing.T, env envelope, out any) {
	t.Helper()
	raw, err := json.Marshal(env.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, out))
}

// register 注册并登录，返回令牌与用户 ID 字符串
func registerAndLogin(t *testing.T, api *API, username string) (string, string) {
	t.Helper()

	status, env := doJSON(t, api, http.MethodPost, "/register", "",
		map[string]string{"username": username, "password": "pass123"}, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, errors.CodeSuccess, env.Code)

	status, env = doJSON(t, api, http.MethodPost, "/login", "",
		map[string]string{"username": username, "password": "pass123"}, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, errors.CodeSuccess, env.Code)

	var out struct {
		Token string `json:"token"`
		User  struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	dataAs(t, env, &out)
	require.NotEmpty(t, out.Token)
	require.NotEmpty(t, out.User.ID)
	return out.Token, out.User.ID
}

// TestRegisterAndLogin 注册登录全流程
func TestRegisterAndLogin(t *testing.T) {
	api, _ := newTestAPI(t)
	registerAndLogin(t, api, "alice")
}

// TestLogin_WrongPassword 密码错误
func TestLogin_WrongPassword(t *testing.T) {
	api, _ := newTestAPI(t)
	registerAndLogin(t, api, "bob")

	status, env := doJSON(t, api, http.MethodPost, "/login", "",
		map[string]string{"username": "bob", "password": "nope"}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, errors.CodeIncorrectPwd, env.Code)
}

// TestLogin_UnknownUser 未知用户与密码错误不可区分
func TestLogin_UnknownUser(t *testing.T) {
	api, _ := newTestAPI(t)

	status, env := doJSON(t, api, http.MethodPost, "/login", "",
		map[string]string{"username": "ghost", "password": "x"}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, errors.CodeIncorrectPwd, env.Code)
}

// TestRegister_Duplicate 重名注册
func TestRegister_Duplicate(t *testing.T) {
	api, _ := newTestAPI(t)
	registerAndLogin(t, api, "carol")

	status, env := doJSON(t, api, http.MethodPost, "/register", "",
		map[string]string{"username": "carol", "password": "other"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, errors.CodeRegFailed, env.Code)
}

// TestLogout 登出接口（未配置 Redis 时吊销为空操作）
func TestLogout(t *testing.T) {
	api, _ := newTestAPI(t)
	token, _ := registerAndLogin(t, api, "dave")

	status, env := doJSON(t, api, http.MethodPost, "/logout", token, nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, errors.CodeSuccess, env.Code)

	status, _ = doJSON(t, api, http.MethodPost, "/logout", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

// TestRoutes_NotFound 未知路由
func TestRoutes_NotFound(t *testing.T) {
	api, _ := newTestAPI(t)

	status, _ := doJSON(t, api, http.MethodGet, "/nope", "", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

// TestRooms_RequireAuth 建房接口必须带有效令牌
func TestRooms_RequireAuth(t *testing.T) {
	api, _ := newTestAPI(t)

	status, env := doJSON(t, api, http.MethodPost, "/rooms/group", "",
		map[string]any{"name": "x"}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, errors.CodeLoginFailed, env.Code)

	status, _ = doJSON(t, api, http.MethodPost, "/rooms/group", "garbage-token",
		map[string]any{"name": "x"}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

// TestCreateGroupRoom 建群
func TestCreateGroupRoom(t *testing.T) {
	api, _ := newTestAPI(t)
	token, _ := registerAndLogin(t, api, "owner")
	_, memberID := registerAndLogin(t, api, "member")

	status, env := doJSON(t, api, http.MethodPost, "/rooms/group", token,
		map[string]any{"name": "team", "member_ids": []string{memberID}}, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, errors.CodeSuccess, env.Code)

	var out struct {
		RoomID string `json:"room_id"`
		Type   int    `json:"type"`
	}
	dataAs(t, env, &out)
	assert.NotEmpty(t, out.RoomID)
	assert.Equal(t, 1, out.Type)
}

// TestCreatePrivateRoom 私聊房间按用户对去重，对端必须存在
func TestCreatePrivateRoom(t *testing.T) {
	api, _ := newTestAPI(t)
	tokenA, _ := registerAndLogin(t, api, "pa")
	_, idB := registerAndLogin(t, api, "pb")

	status, env := doJSON(t, api, http.MethodPost, "/rooms/private", tokenA,
		map[string]string{"peer_id": idB}, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, errors.CodeSuccess, env.Code)

	var first struct {
		RoomID string `json:"room_id"`
	}
	dataAs(t, env, &first)

	// 再建一次拿到同一个房间
	_, env = doJSON(t, api, http.MethodPost, "/rooms/private", tokenA,
		map[string]string{"peer_id": idB}, nil)
	var second struct {
		RoomID string `json:"room_id"`
	}
	dataAs(t, env, &second)
	assert.Equal(t, first.RoomID, second.RoomID)

	// 对端不存在
	status, env = doJSON(t, api, http.MethodPost, "/rooms/private", tokenA,
		map[string]string{"peer_id": "999999"}, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, errors.CodeUserNotFound, env.Code)
}

// TestRecentMessages_MemberOnly 拉历史消息仅限房间成员
func TestRecentMessages_MemberOnly(t *testing.T) {
	api, st := newTestAPI(t)
	tokenA, _ := registerAndLogin(t, api, "ma")
	tokenC, _ := registerAndLogin(t, api, "mc")
	_, idB := registerAndLogin(t, api, "mb")

	_, env := doJSON(t, api, http.MethodPost, "/rooms/private", tokenA,
		map[string]string{"peer_id": idB}, nil)
	var room struct {
		RoomID string `json:"room_id"`
	}
	dataAs(t, env, &room)

	userA, err := st.FindUserByUsername(context.Background(), "ma")
	require.NoError(t, err)
	userB, err := st.FindUserByUsername(context.Background(), "mb")
	require.NoError(t, err)
	r, err := st.GetOrCreatePrivateRoom(context.Background(), userA.ID, userB.ID)
	require.NoError(t, err)
	_, err = st.SaveMessage(context.Background(), r.ID, userA.ID, "hello")
	require.NoError(t, err)

	query := url.Values{"room_id": {room.RoomID}}

	status, env := doJSON(t, api, http.MethodGet, "/messages", tokenA, nil, query)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, errors.CodeSuccess, env.Code)

	var msgs []struct {
		Content string `json:"content"`
	}
	dataAs(t, env, &msgs)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)

	// 非成员拒绝
	status, _ = doJSON(t, api, http.MethodGet, "/messages", tokenC, nil, query)
	assert.Equal(t, http.StatusUnauthorized, status)
}
