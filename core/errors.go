package core

import "fmt"

type ErrorCode string

const (
	DECODE_ERR_TRUNCATED ErrorCode = "DECODE_ERR_TRUNCATED"
	DECODE_ERR_WIRE_TYPE ErrorCode = "DECODE_ERR_WIRE_TYPE"
	DECODE_ERR_FIELD     ErrorCode = "DECODE_ERR_FIELD"
	DECODE_ERR_OVERFLOW  ErrorCode = "DECODE_ERR_OVERFLOW"
	DECODE_ERR_TRAILING  ErrorCode = "DECODE_ERR_TRAILING"

	BLOCK_ERR_BODY_HASH   ErrorCode = "BLOCK_ERR_BODY_HASH"
	BLOCK_ERR_BODY_SET    ErrorCode = "BLOCK_ERR_BODY_SET"
	BLOCK_ERR_NO_HEADER   ErrorCode = "BLOCK_ERR_NO_HEADER"
	BLOCK_ERR_HASH_LENGTH ErrorCode = "BLOCK_ERR_HASH_LENGTH"
)

type CodecError struct {
	Code ErrorCode
	Msg  string
}

func (e *CodecError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func cerr(code ErrorCode, msg string) error {
	return &CodecError{Code: code, Msg: msg}
}
