package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raaf-gateway/internal/models"
)

type stubProvider struct {
	name   string
	models []models.Model
	err    error
}

func (s stubProvider) Name() string { return s.name }

func (s stubProvider) ListModels(context.Context) ([]models.Model, error) {
	return s.models, s.err
}

func stub(name string, ids ...string) stubProvider {
	p := stubProvider{name: name}
	for _, id := range ids {
		p.models = append(p.models, models.Model{ID: id, Provider: name, APIStyle: StyleChat})
	}
	return p
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterProvider(context.Background(), stub("openai", "gpt-4o", "gpt-4o-mini"), map[string]string{"mini": "gpt-4o-mini"}))

	model, p, err := r.LookupModel("mini")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", model.ID)
	assert.Equal(t, "openai", p.Name())

	_, _, err = r.LookupModel("missing")
	assert.ErrorIs(t, err, ErrUnknownModel)

	got, ok := r.Provider("openai")
	assert.True(t, ok)
	assert.Equal(t, "openai", got.Name())

	ids := []string{}
	for _, m := range r.Models() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"gpt-4o", "gpt-4o-mini"}, ids)
}

func TestRegistry_RejectsConflicts(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	require.NoError(t, r.RegisterProvider(ctx, stub("a", "m1"), nil))

	err := r.RegisterProvider(ctx, stub("b", "m1"), nil)
	assert.ErrorIs(t, err, ErrDuplicateModel)

	err = r.RegisterProvider(ctx, stub("a", "m2"), nil)
	assert.ErrorContains(t, err, "already registered")

	err = r.RegisterProvider(ctx, stub("c", "m3"), map[string]string{"m1": "m3"})
	assert.ErrorContains(t, err, "conflicts")

	err = r.RegisterProvider(ctx, stub("d", "m4"), map[string]string{"alias": "nope"})
	assert.ErrorContains(t, err, "unknown model")

	_, _, err = r.LookupModel("m4")
	assert.ErrorIs(t, err, ErrUnknownModel, "failed registration leaves no partial state")

	err = r.RegisterProvider(ctx, stubProvider{name: "e", err: errors.New("boom")}, nil)
	assert.ErrorContains(t, err, "boom")

	assert.Error(t, r.RegisterProvider(ctx, nil, nil))
}
