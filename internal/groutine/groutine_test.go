package groutine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoCarriesName(t *testing.T) {
	got := make(chan string, 1)
	Go(nil, "worker-42", func(ctx context.Context) {
		got <- Name(ctx)
	})
	select {
	case name := <-got:
		assert.Equal(t, "worker-42", name)
	case <-time.After(time.Second):
		t.Fatal("goroutine never ran")
	}
}

func TestGoInheritsParentContext(t *testing.T) {
	type parentKey struct{}
	parent := context.WithValue(context.Background(), parentKey{}, "inherited")

	got := make(chan context.Context, 1)
	Go(parent, "child", func(ctx context.Context) {
		got <- ctx
	})
	select {
	case ctx := <-got:
		require.Equal(t, "inherited", ctx.Value(parentKey{}))
		assert.Equal(t, "child", Name(ctx))
	case <-time.After(time.Second):
		t.Fatal("goroutine never ran")
	}
}

func TestNameOutsideGo(t *testing.T) {
	assert.Empty(t, Name(context.Background()))
	assert.Empty(t, Name(nil))
}
