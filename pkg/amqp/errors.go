package amqp

import "fmt"

// Reply codes sent in connection.close and channel.close.
const (
	ReplySuccess       = 200
	ContentTooLarge    = 311
	ConnectionForced   = 320
	AccessRefused      = 403
	NotFound           = 404
	PreconditionFailed = 406
	FrameError         = 501
	SyntaxError        = 502
	CommandInvalid     = 503
	ChannelError       = 504
	UnexpectedFrame    = 505
	NotImplemented     = 540
	InternalError      = 541
)

// Error is a protocol failure that maps to an AMQP reply code.
type Error struct {
	Code     uint16
	Text     string
	ClassID  uint16
	MethodID uint16
	Err      error
}

// NewError builds an Error for the method that triggered it.
func NewError(code uint16, text string, methodID uint32, err error) *Error {
	return &Error{Code: code, Text: text, ClassID: uint16(methodID >> 16), MethodID: uint16(methodID), Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("amqp: %d: %s: %s", e.Code, e.Text, e.Err.Error())
	}
	return fmt.Sprintf("amqp: %d: %s", e.Code, e.Text)
}

func (e *Error) Unwrap() error { return e.Err }

// CloseFields renders the error as connection.close / channel.close arguments.
func (e *Error) CloseFields() Fields {
	text := e.Text
	if len(text) > 255 {
		text = text[:255]
	}
	return Fields{
		"reply-code": e.Code,
		"reply-text": text,
		"class-id":   e.ClassID,
		"method-id":  e.MethodID,
	}
}
