package errors

/*
	内置业务错误码
*/

const (
	CodeSuccess = 0

	// 通用错误
	CodeBadRequest = 1000

	// 用户相关
	CodeLoginFailed  = 1001
	CodeRegFailed    = 1002
	CodeUserNotFound = 1003
	CodeIncorrectPwd = 1004

	// 聊天房间相关
	CodeCreateRoomFailed = 2001

	// 服务端错误
	CodeServer = 5000
)

var (
	// ErrServer 服务器错误
	ErrServer = New(CodeServer, "server error", 500)
	// ErrBadRequest 客户端请求错误
	ErrBadRequest = New(CodeBadRequest, "bad request", 400)
	// ErrNotFound 资源不存在
	ErrNotFound = New(CodeBadRequest, "not found", 404)
	// ErrUserNotFound 用户不存在
	ErrUserNotFound = New(CodeUserNotFound, "user not found", 404)
	// ErrIncorrectPwd 密码错误
	ErrIncorrectPwd = New(CodeIncorrectPwd, "password incorrect", 401)
	// ErrRegFailed 注册失败
	ErrRegFailed = New(CodeRegFailed, "register failed", 400)
	// ErrCreateRoomFailed 创建房间失败
	ErrCreateRoomFailed = New(CodeCreateRoomFailed, "create room failed", 400)
	// ErrUnauthorized 未授权
	ErrUnauthorized = New(CodeLoginFailed, "unauthorized", 401)
)
