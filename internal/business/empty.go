package business

import (
	"context"

	"github.com/wesleyorama2/mobu/internal/config"
)

// Empty does nothing but idle. It is useful for testing the supervision
// machinery without a hub.
type Empty struct {
	*Base
}

// NewEmpty creates an Empty business.
func NewEmpty(deps Deps) *Empty {
	name := config.BusinessEmpty
	return &Empty{
		Base: NewBase(name, deps.User.Username, deps.Options.IdleTime.D(), deps.logger(name), deps.Timing...),
	}
}

// Execute implements Business.
func (e *Empty) Execute(ctx context.Context) error {
	return ctx.Err()
}
