// Package command holds business commands that run on top of the client
// request/response cycle.
package command

import (
	"github.com/mk6i/open-oicq-client/client"
	"github.com/mk6i/open-oicq-client/state"
	"github.com/mk6i/open-oicq-client/wire"
)

// Raw sends Body unchanged under Command.
type Raw struct {
	Command string
	PackWay wire.PackWay
	Body    []byte
}

func (r Raw) BuildRequest(*state.Session) (client.Request, error) {
	return client.Request{
		Command: r.Command,
		PackWay: r.PackWay,
		Body:    r.Body,
	}, nil
}

// RawParser returns the response body as is.
type RawParser struct{}

func (RawParser) ParseResponse(body []byte) ([]byte, error) {
	return body, nil
}
