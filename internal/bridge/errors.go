package bridge

import (
	"errors"
	"fmt"

	"SutuBridge/internal/protocol"
	"SutuBridge/internal/transport"
)

// Code 错误分类码，UI 据此展示失败原因
type Code string

const (
	CodeConnectTimeout   Code = "E_CONNECT_TIMEOUT"
	CodeConnectRefused   Code = "E_CONNECT_REFUSED"
	CodeHandshakeTimeout Code = "E_HANDSHAKE_TIMEOUT"
	CodeVersionMismatch  Code = "E_VERSION_MISMATCH"
	CodeTransportWrite   Code = "E_TRANSPORT_WRITE"
	CodeTransportRead    Code = "E_TRANSPORT_READ"
	CodeCodecMissing     Code = "E_CODEC_DEP_MISSING" // 非致命，触发未压缩退化
	CodeCaptureFailed    Code = "E_CAPTURE_UNAVAILABLE"

	CodeHeartbeatTimeout Code = "E_HEARTBEAT_TIMEOUT"
	CodeProtoMismatch    Code = "E_PROTO_MISMATCH"
	CodeMessageTooLarge  Code = "E_MESSAGE_TOO_LARGE"
	CodeStopRequested    Code = "E_STOP_REQUESTED"
	CodeNotConnected     Code = "E_NOT_CONNECTED"
	CodePortInvalid      Code = "E_PORT_INVALID"
	CodeServerError      Code = "E_SERVER_ERROR"
)

// BridgeError 带分类码的桥接错误
type BridgeError struct {
	Code    Code
	Message string
	Err     error
}

func (e *BridgeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *BridgeError) Unwrap() error {
	return e.Err
}

// NewError 构造桥接错误
func NewError(code Code, message string) *BridgeError {
	return &BridgeError{Code: code, Message: message}
}

// WrapError 包装底层错误
func WrapError(code Code, message string, err error) *BridgeError {
	return &BridgeError{Code: code, Message: message, Err: err}
}

// Classify 将底层传输错误归入错误分类
func Classify(err error) *BridgeError {
	if err == nil {
		return nil
	}

	var berr *BridgeError
	if errors.As(err, &berr) {
		return berr
	}

	switch {
	case errors.Is(err, transport.ErrConnectTimeout):
		return WrapError(CodeConnectTimeout, "connect to Sutu timed out", err)
	case errors.Is(err, transport.ErrConnectRefused):
		return WrapError(CodeConnectRefused, "connect to Sutu refused", err)
	case errors.Is(err, transport.ErrHandshakeTimeout):
		return WrapError(CodeHandshakeTimeout, "no handshake reply from Sutu", err)
	case errors.Is(err, transport.ErrVersionMismatch):
		return WrapError(CodeVersionMismatch, "incompatible protocol version", err)
	case errors.Is(err, transport.ErrWrite), errors.Is(err, transport.ErrClosed):
		return WrapError(CodeTransportWrite, "socket write failed", err)
	case errors.Is(err, transport.ErrPeerClosed), errors.Is(err, transport.ErrRead):
		return WrapError(CodeTransportRead, "socket read failed", err)
	case errors.Is(err, transport.ErrProtocol):
		return WrapError(CodeProtoMismatch, "protocol violation", err)
	case errors.Is(err, protocol.ErrMessageTooLarge), errors.Is(err, protocol.ErrPacketTooLarge):
		return WrapError(CodeMessageTooLarge, "message exceeds size limit", err)
	default:
		return WrapError(CodeTransportRead, "transport failure", err)
	}
}

// CodeOf 提取错误分类码，非桥接错误返回空
func CodeOf(err error) Code {
	var berr *BridgeError
	if errors.As(err, &berr) {
		return berr.Code
	}
	return ""
}
