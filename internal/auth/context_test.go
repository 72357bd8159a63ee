package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/2389/bodhi-gateway/internal/role"
)

func TestWithAuthAndFromContext(t *testing.T) {
	id := &Identity{Kind: KindSession, UserID: "u1", Role: role.Manager}
	ctx := WithAuth(context.Background(), id)

	assert.Same(t, id, FromContext(ctx))
	assert.Same(t, id, MustFromContext(ctx))
}

func TestFromContext_Missing(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))
	assert.Panics(t, func() { MustFromContext(context.Background()) })
}

func TestIsAuthenticated(t *testing.T) {
	var nilID *Identity
	assert.False(t, nilID.IsAuthenticated())
	assert.False(t, Anonymous().IsAuthenticated())
	assert.True(t, (&Identity{Kind: KindAPIToken}).IsAuthenticated())
}
