package amqp

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrUnsupportedMechanism is returned for SASL mechanisms other than PLAIN
// and AMQPLAIN.
var ErrUnsupportedMechanism = errors.New("unsupported auth mechanism")

// ErrMalformedResponse is returned when a start-ok response cannot be split
// into a username and a password.
var ErrMalformedResponse = errors.New("malformed auth response")

// ParseAuthResponse extracts credentials from a connection.start-ok response.
//
// PLAIN responses are "authzid\x00username\x00password". AMQPLAIN responses
// are a bare field list holding LOGIN and PASSWORD as long strings.
func ParseAuthResponse(mechanism string, response []byte) (username, password string, err error) {
	switch mechanism {
	case "PLAIN":
		parts := bytes.SplitN(response, []byte{0}, 3)
		if len(parts) != 3 {
			return "", "", fmt.Errorf("%w: PLAIN needs 3 NUL separated parts, got %d", ErrMalformedResponse, len(parts))
		}
		return string(parts[1]), string(parts[2]), nil
	case "AMQPLAIN":
		values, _, err := Loads("soSsoS", response)
		if err != nil {
			return "", "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		creds := map[string]string{}
		for i := 0; i < len(values); i += 3 {
			creds[values[i].(string)] = values[i+2].(string)
		}
		user, ok := creds["LOGIN"]
		if !ok {
			return "", "", fmt.Errorf("%w: LOGIN missing", ErrMalformedResponse)
		}
		pass, ok := creds["PASSWORD"]
		if !ok {
			return "", "", fmt.Errorf("%w: PASSWORD missing", ErrMalformedResponse)
		}
		return user, pass, nil
	}
	return "", "", fmt.Errorf("%w: %q", ErrUnsupportedMechanism, mechanism)
}
