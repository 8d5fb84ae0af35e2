// Package mocks holds hand-written testify mocks for this module's public
// interfaces.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/zalando-incubator/perron-go"
)

// Requester mocks perron.Requester.
type Requester struct {
	mock.Mock
}

// Request mocks perron.Client.Request.
func (m *Requester) Request(ctx context.Context, params *perron.RequestParams) (*perron.Response, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*perron.Response), args.Error(1)
}
