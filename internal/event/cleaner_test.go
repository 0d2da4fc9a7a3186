package event

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanerRunsInRegistrationOrder(t *testing.T) {
	c := NewCleaner()
	var order []string
	c.Add(CallableFunc(func(ctx context.Context) error {
		order = append(order, "supervisor")
		return nil
	}))
	c.Add(CallableFunc(func(ctx context.Context) error {
		order = append(order, "database")
		return errors.New("close failed")
	}))

	errs := c.Clean()
	assert.Equal(t, []string{"supervisor", "database"}, order)
	assert.Len(t, errs, 1)
}

func TestCleanerIgnoresLateAdds(t *testing.T) {
	c := NewCleaner()
	assert.Empty(t, c.Clean())

	called := false
	c.Add(CallableFunc(func(ctx context.Context) error {
		called = true
		return nil
	}))
	assert.Empty(t, c.Clean())
	assert.False(t, called)
}

func TestCleanerPassesDeadline(t *testing.T) {
	c := NewCleaner()
	c.Add(CallableFunc(func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		if !ok {
			return errors.New("no deadline")
		}
		return nil
	}))
	assert.Empty(t, c.Clean())
}
