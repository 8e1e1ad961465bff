package commerce

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voice-copilot-go/internal/catalog"
	"voice-copilot-go/internal/logger"
	"voice-copilot-go/internal/messaging"
	"voice-copilot-go/internal/store"
	"voice-copilot-go/internal/tools"
	"voice-copilot-go/internal/types"
)

type fakeMessenger struct {
	mu   sync.Mutex
	sent []messaging.Message
	err  error
}

func (f *fakeMessenger) Send(_ context.Context, m messaging.Message) (messaging.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return messaging.Receipt{}, f.err
	}
	f.sent = append(f.sent, m)
	return messaging.Receipt{ID: "wamid-1"}, nil
}

func (f *fakeMessenger) messages() []messaging.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]messaging.Message(nil), f.sent...)
}

type fixture struct {
	store *store.Memory
	msg   *fakeMessenger
	svc   *Service
	tools *tools.Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	cat := catalog.New([]types.Product{
		{ID: "p1", Title: "Gomitas Sour Extreme", Handle: "gomitas-sour", ProductType: "Comestibles", Price: 350, Stock: 4, Active: true},
		{ID: "p2", Title: "Tintura CBD 1000", Handle: "tintura-cbd", ProductType: "Tinturas", Price: 899.5, Stock: 0, Active: true},
	}, []types.Certificate{
		{ID: "coa-1", PublicToken: "tok123", BatchID: "EUM-24-001", ProductName: "Gomitas Sour", LabName: "KCA", THCTotal: "0.2", CBDTotal: "12.5", PDFURL: "https://x/coa.pdf", AnalysisDate: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)},
	}, nil)
	msg := &fakeMessenger{}
	svc := New(st, cat, msg, Config{StoreURL: "https://extractoseum.com/", COAViewerURL: "https://coa.extractoseum.com/coa"}, logger.Discard())
	svc.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	d := tools.NewDispatcher(logger.Discard(), nil)
	svc.Register(d)

	st.AddClient(types.Client{ID: "cl-1", Name: "Ana López", Email: "ana@example.com", Phone: "+5215512345678"})
	st.AddOrder(types.Order{ID: "o1", OrderNumber: "EUM-1001", ClientID: "cl-1", FinancialStatus: "paid", FulfillmentStatus: "fulfilled", Total: 500, TrackingNumber: "TRK9", CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)})
	st.AddOrder(types.Order{ID: "o2", OrderNumber: "EUM-1002", ClientID: "cl-1", FinancialStatus: "paid", FulfillmentStatus: "unfulfilled", Total: 250.4, CreatedAt: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)})
	st.AddConversation(types.Conversation{ID: "conv-1", ClientID: "cl-1", Channel: "whatsapp"})

	return &fixture{store: st, msg: msg, svc: svc, tools: d}
}

var caller = types.ToolContext{CallID: "call-1", ConversationID: "conv-1", ClientID: "cl-1", CustomerPhone: "+5215512345678"}

func (f *fixture) run(name string, args tools.Args, tc types.ToolContext) tools.Result {
	return f.tools.Execute(context.Background(), name, args, tc)
}

func TestSendWhatsAppMirrorsMessage(t *testing.T) {
	f := newFixture(t)
	res := f.run("function_tool_wa", tools.Args{"message": "Aquí está el link", "media_url": "https://img/1.png"}, caller)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, map[string]any{"messageId": "wamid-1"}, res.Data)

	sent := f.msg.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "https://img/1.png", sent[0].MediaURL)

	msgs := f.store.Messages("conv-1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "image", msgs[0].MessageType)
	assert.Equal(t, "outbound", msgs[0].Direction)
	assert.Equal(t, "sent", msgs[0].Status)
}

func TestSendWhatsAppFailures(t *testing.T) {
	f := newFixture(t)
	res := f.run(tools.SendWhatsApp, tools.Args{"message": "hola"}, types.ToolContext{CallID: "c"})
	assert.False(t, res.Success)
	assert.Equal(t, errNoPhone.Error(), res.Error)

	f.msg.err = errors.New("gateway down")
	res = f.run(tools.SendWhatsApp, tools.Args{"message": "hola"}, caller)
	assert.False(t, res.Success)
	assert.Equal(t, "gateway down", res.Error)
	assert.Empty(t, f.store.Messages("conv-1"))
}

func TestSearchProducts(t *testing.T) {
	f := newFixture(t)
	res := f.run("buscar_productos", tools.Args{"query": "gomitas"}, caller)
	require.True(t, res.Success)
	assert.Equal(t, "Encontré 1 producto(s): Gomitas Sour Extreme a $350 MXN", res.Message)
	data := res.Data.(map[string]any)
	views := data["products"].([]productView)
	assert.Equal(t, "https://extractoseum.com/products/gomitas-sour", views[0].URL)

	res = f.run(tools.SearchProducts, tools.Args{"query": "tintura"}, caller)
	require.True(t, res.Success)
	assert.Contains(t, res.Message, "$899.5 MXN (agotado)")

	res = f.run(tools.SearchProducts, tools.Args{"query": "vapes"}, caller)
	assert.False(t, res.Success)
	assert.True(t, strings.HasPrefix(res.Message, `No encontré productos con "vapes". Tenemos productos en categorías como: `))
	assert.True(t, strings.HasSuffix(res.Message, "¿Quieres que busque algo más específico?"))
}

func TestGetCOASendsWhenAsked(t *testing.T) {
	f := newFixture(t)
	res := f.run("cannabinoides-webhook", tools.Args{"batch_number": "24-001", "send_whatsapp": true}, caller)
	require.True(t, res.Success)
	assert.Contains(t, res.Message, "Ya te lo envié por WhatsApp")

	sent := f.msg.messages()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Body, "https://coa.extractoseum.com/coa/tok123")
	assert.Len(t, f.store.Messages("conv-1"), 1)

	res = f.run(tools.GetCOA, tools.Args{"product_name": "gomitas"}, caller)
	require.True(t, res.Success)
	assert.Contains(t, res.Message, "¿Te lo envío por WhatsApp?")
	assert.Equal(t, "https://coa.extractoseum.com/coa/tok123", res.Data.(map[string]any)["viewer_url"])

	res = f.run(tools.GetCOA, tools.Args{"batch_number": "nope"}, caller)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "No encontré el COA")
}

func TestLookupOrder(t *testing.T) {
	f := newFixture(t)

	res := f.run("consultar_pedido", tools.Args{"order_number": "1001"}, caller)
	require.True(t, res.Success)
	assert.Equal(t, "Tu pedido número EUM-1001 está enviado. El total fue de 500 pesos. El número de rastreo es TRK9.", res.Message)

	// latest order of the caller found by phone
	res = f.run(tools.LookupOrder, nil, types.ToolContext{CustomerPhone: "55 1234 5678"})
	require.True(t, res.Success)
	assert.Equal(t, "Tu pedido número EUM-1002 está pagado y en preparación. El total fue de 250.4 pesos.", res.Message)

	res = f.run(tools.LookupOrder, nil, types.ToolContext{})
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "No encontré el pedido")
}

func TestCreateCoupon(t *testing.T) {
	f := newFixture(t)

	for _, pct := range []any{4.0, 31.0, "abc", nil} {
		res := f.run("crear_cupon", tools.Args{"discount_percent": pct}, caller)
		assert.False(t, res.Success)
		assert.Equal(t, "El descuento debe ser entre 5% y 30%", res.Error)
	}

	res := f.run(tools.CreateCoupon, tools.Args{"discount_percent": "15", "reason": "retraso"}, caller)
	require.True(t, res.Success)
	coupons := f.store.Coupons()
	require.Len(t, coupons, 1)
	assert.True(t, strings.HasPrefix(coupons[0].Code, "ARA15-"))
	assert.Equal(t, 30*24*time.Hour, coupons[0].ExpiresAt.Sub(coupons[0].CreatedAt))
	assert.Contains(t, res.Message, "Te lo acabo de enviar por WhatsApp.")
	require.Len(t, f.msg.messages(), 1)
	assert.Contains(t, f.msg.messages()[0].Body, "en extractoseum.com")

	res = f.run(tools.CreateCoupon, tools.Args{"discount_percent": 10.0}, types.ToolContext{})
	require.True(t, res.Success)
	assert.NotContains(t, res.Message, "WhatsApp")
}

func TestEscalateToHuman(t *testing.T) {
	f := newFixture(t)
	res := f.run("escalar_humano", tools.Args{"reason": "quiere reembolso", "wants_callback": true}, caller)
	require.True(t, res.Success)
	assert.Equal(t, map[string]any{"callback_scheduled": true, "reason": "quiere reembolso"}, res.Data)

	esc := f.store.Escalations()
	require.Len(t, esc, 1)
	assert.True(t, esc[0].WantsCallback)
	assert.NotEmpty(t, esc[0].ID)

	conv, err := f.store.GetConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Contains(t, conv.Tags, "Callback Pendiente")
	assert.Equal(t, "quiere reembolso", conv.Facts["escalation_reason"])

	msgs := f.store.Messages("conv-1")
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Internal)
	assert.Contains(t, msgs[0].Content, "Callback solicitado: Sí")

	res = f.run(tools.EscalateToHuman, tools.Args{"reason": "x"}, types.ToolContext{})
	require.True(t, res.Success)
	assert.Equal(t, true, res.Data.(map[string]any)["escalated"])
}

func TestEscalationAlertsSupervisor(t *testing.T) {
	f := newFixture(t)
	f.svc.cfg.EscalationPhone = "+5215500000000"

	res := f.run(tools.EscalateToHuman, tools.Args{"reason": "cobro doble"}, caller)
	require.True(t, res.Success)

	sent := f.msg.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "+5215500000000", sent[0].To)
	assert.Contains(t, sent[0].Body, "cobro doble")
	assert.Contains(t, sent[0].Body, "call-1")

	f.msg.err = errors.New("gateway down")
	res = f.run(tools.EscalateToHuman, tools.Args{"reason": "otra vez"}, caller)
	assert.True(t, res.Success)
}

func TestGetClientInfo(t *testing.T) {
	f := newFixture(t)
	res := f.run("info_cliente", nil, types.ToolContext{CustomerPhone: "+52 1 55 1234 5678"})
	require.True(t, res.Success)
	assert.Equal(t, "El cliente es Ana López. Tiene 2 pedidos con nosotros por un total de 750 pesos.", res.Message)

	res = f.run(tools.GetClientInfo, nil, types.ToolContext{ClientID: "missing"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "Puede ser cliente nuevo")
}

func TestResolveToolContext(t *testing.T) {
	f := newFixture(t)
	tc := f.svc.ResolveToolContext(context.Background(), types.ToolContext{CallID: "c", CustomerPhone: "5512345678"})
	assert.Equal(t, "cl-1", tc.ClientID)
	assert.Equal(t, "conv-1", tc.ConversationID)

	tc = f.svc.ResolveToolContext(context.Background(), types.ToolContext{CustomerPhone: "+15550000000"})
	assert.Empty(t, tc.ClientID)

	given := types.ToolContext{ClientID: "other", CustomerPhone: "5512345678"}
	assert.Equal(t, given, f.svc.ResolveToolContext(context.Background(), given))
}

func TestProfileAggregates(t *testing.T) {
	f := newFixture(t)
	c, err := f.svc.Profile(context.Background(), "cl-1")
	require.NoError(t, err)
	assert.Equal(t, 2, c.TotalOrders)
	assert.Equal(t, 750.0, c.LTV)
	require.NotNil(t, c.LastOrder)
	assert.Equal(t, "EUM-1002", c.LastOrder.OrderNumber)
	require.Len(t, c.PendingOrders, 1)
	assert.Equal(t, "EUM-1002", c.PendingOrders[0].OrderNumber)
}
