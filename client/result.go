package client

import (
	"context"
	"errors"
	"strings"

	"github.com/mk6i/open-oicq-client/transport"
)

// Status is the numeric outcome code of a request/response cycle.
type Status int

const (
	// StatusOK means the response was received and parsed.
	StatusOK Status = 0
	// StatusNoData means no response arrived within the timeout, or the
	// context ended first.
	StatusNoData Status = -1
	// StatusConnectionLost means the connection ended while waiting.
	StatusConnectionLost Status = -88
	// StatusNotConnected means there was no open connection to send on.
	StatusNotConnected Status = -89
	// StatusEncodeFailed means the request could not be built or framed.
	StatusEncodeFailed Status = -90
	// StatusEmptyResponse means the response body was empty.
	StatusEmptyResponse Status = -91
	// StatusParseFailed means the response body could not be parsed.
	StatusParseFailed Status = -92
	// StatusServerNotice means the server posted a notice; Message holds it.
	StatusServerNotice Status = -99
)

// Result is the discriminated outcome of Do. Response is only meaningful
// when Status is StatusOK; Err is nil exactly then.
type Result[T any] struct {
	Status   Status
	Message  string
	Response T
	Err      error
}

// OK reports whether the request succeeded.
func (r Result[T]) OK() bool {
	return r.Status == StatusOK
}

// CloseResult is returned by Client.Close.
type CloseResult struct {
	Status  Status
	Message string
	Conn    transport.ConnInfo
}

func success[T any](resp T) Result[T] {
	return Result[T]{Status: StatusOK, Message: "request succeeded", Response: resp}
}

// failure converts an error from any stage of a request into a Result.
func failure[T any](err error) Result[T] {
	r := Result[T]{Err: err}
	switch {
	case errors.Is(err, ErrServerNotice):
		r.Status = StatusServerNotice
		r.Message = noticeText(err)
	case errors.Is(err, ErrEmptyResponse):
		r.Status = StatusEmptyResponse
		r.Message = ErrEmptyResponse.Error()
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		r.Status = StatusNoData
		r.Message = ErrTimeout.Error()
	case errors.Is(err, context.Canceled):
		r.Status = StatusNoData
		r.Message = err.Error()
	case errors.Is(err, ErrConnectionClosed):
		r.Status = StatusConnectionLost
		r.Message = ErrConnectionClosed.Error()
	case errors.Is(err, ErrNotConnected):
		r.Status = StatusNotConnected
		r.Message = "not connected to server"
	case errors.Is(err, ErrParse):
		r.Status = StatusParseFailed
		r.Message = err.Error()
	default:
		r.Status = StatusEncodeFailed
		r.Message = err.Error()
	}
	return r
}

// noticeError carries the notice text under ErrServerNotice.
type noticeError struct {
	tips string
}

func (e noticeError) Error() string {
	return ErrServerNotice.Error() + ": " + e.tips
}

func (e noticeError) Is(target error) bool {
	return target == ErrServerNotice
}

func noticeText(err error) string {
	var ne noticeError
	if errors.As(err, &ne) {
		return ne.tips
	}
	return strings.TrimPrefix(err.Error(), ErrServerNotice.Error()+": ")
}
