//go:build integration

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"festibox/shop/internal/testhelpers"
)

func TestPostgresMessageLog(t *testing.T) {
	sender := &recordingSender{}
	svc := newTestService(t, sender, "owner@festibox.cl")
	svc.db = testhelpers.Postgres(t, schema)
	h := svc.routes("FestiBox", "")

	rec := postContact(t, h, contactRequest{Name: "Ana", Email: "ana@example.cl", Message: "hola"}, "")
	require.Equal(t, 202, rec.Code, rec.Body.String())

	page, err := svc.listMessages(t.Context(), messageFilter{Delivery: deliverySent}, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	m := page.Items[0]
	assert.Equal(t, "re_contact", m.ProviderID)
	require.NotNil(t, m.DeliveredAt)

	got, err := svc.getMessage(t.Context(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, "hola", got.Message)
}
