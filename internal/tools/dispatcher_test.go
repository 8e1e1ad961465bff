package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voice-copilot-go/internal/logger"
	"voice-copilot-go/internal/types"
)

func TestAliasesRouteToOneHandler(t *testing.T) {
	d := NewDispatcher(logger.Discard(), nil)
	var seen []string
	d.Register(SendWhatsApp, func(_ context.Context, args Args, _ types.ToolContext) (Result, error) {
		seen = append(seen, args.String("message"))
		return Result{Success: true}, nil
	})

	for _, name := range []string{"send_whatsapp", "function_tool_wa", "send_whatsapp_message"} {
		res := d.Execute(context.Background(), name, Args{"message": name}, types.ToolContext{})
		assert.True(t, res.Success, name)
	}
	assert.Equal(t, []string{"send_whatsapp", "function_tool_wa", "send_whatsapp_message"}, seen)
	assert.Equal(t, []string{SendWhatsApp}, d.Tools())
}

func TestUnknownTool(t *testing.T) {
	d := NewDispatcher(logger.Discard(), nil)
	res := d.Execute(context.Background(), "make_coffee", nil, types.ToolContext{})
	assert.Equal(t, Result{Success: false, Error: "unknown tool: make_coffee"}, res)
	assert.True(t, IsUnknown(res))

	assert.False(t, IsUnknown(Result{Success: false, Error: "db down"}))
	assert.False(t, IsUnknown(Result{Success: true}))
}

func TestHandlerErrorBecomesFailedResult(t *testing.T) {
	d := NewDispatcher(logger.Discard(), nil)
	d.Register(LookupOrder, func(context.Context, Args, types.ToolContext) (Result, error) {
		return Result{}, errors.New("db down")
	})
	res := d.Execute(context.Background(), "consultar_pedido", nil, types.ToolContext{})
	assert.False(t, res.Success)
	assert.Equal(t, "db down", res.Error)
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	d := NewDispatcher(logger.Discard(), nil)
	d.Register(GetCOA, func(context.Context, Args, types.ToolContext) (Result, error) {
		panic("boom")
	})
	var res Result
	require.NotPanics(t, func() {
		res = d.Execute(context.Background(), GetCOA, nil, types.ToolContext{})
	})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "boom")
}

func TestHandlerReceivesContext(t *testing.T) {
	d := NewDispatcher(logger.Discard(), nil)
	var got types.ToolContext
	d.Register(GetClientInfo, func(_ context.Context, _ Args, tc types.ToolContext) (Result, error) {
		got = tc
		return Result{Success: true}, nil
	})
	tc := types.ToolContext{CallID: "c", ClientID: "cl", CustomerPhone: "+5215512345678"}
	d.Execute(context.Background(), "info_cliente", nil, tc)
	assert.Equal(t, tc, got)
}

func TestCanonical(t *testing.T) {
	assert.Equal(t, GetCOA, Canonical("cannabinoides-webhook"))
	assert.Equal(t, EscalateToHuman, Canonical("escalar_humano"))
	assert.Equal(t, "other", Canonical("other"))
}
