package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voice-copilot-go/internal/catalog"
	"voice-copilot-go/internal/commerce"
	"voice-copilot-go/internal/copilot"
	"voice-copilot-go/internal/eventlog"
	"voice-copilot-go/internal/logger"
	"voice-copilot-go/internal/messaging"
	"voice-copilot-go/internal/store"
	"voice-copilot-go/internal/tools"
	"voice-copilot-go/internal/types"
	"voice-copilot-go/internal/vapi"
)

type fakeMessenger struct {
	mu   sync.Mutex
	sent []messaging.Message
}

func (f *fakeMessenger) Send(_ context.Context, m messaging.Message) (messaging.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	return messaging.Receipt{ID: "wamid-1"}, nil
}

func (f *fakeMessenger) messages() []messaging.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]messaging.Message(nil), f.sent...)
}

type fakeLLM struct{ reply string }

func (f fakeLLM) Analyze(context.Context, string, string) (string, error) { return f.reply, nil }

type panickyTools struct{}

func (panickyTools) Execute(context.Context, string, tools.Args, types.ToolContext) tools.Result {
	panic("boom")
}

type harness struct {
	d       *Dispatcher
	store   *store.Memory
	msg     *fakeMessenger
	tools   *tools.Dispatcher
	copilot *copilot.Copilot
}

func newHarness(t *testing.T, verdict string) *harness {
	t.Helper()
	log := logger.Discard()
	st := store.NewMemory()
	st.AddClient(types.Client{ID: "cl-1", Name: "Ana López", Phone: "+5215512345678"})
	st.AddConversation(types.Conversation{ID: "conv-1", ClientID: "cl-1", Channel: "whatsapp"})

	cat := catalog.New([]types.Product{
		{ID: "p1", Title: "Gomitas Sour Extreme", Handle: "gomitas-sour", ProductType: "Comestibles", Price: 350, Stock: 4, Active: true},
	}, nil, nil)
	msg := &fakeMessenger{}
	svc := commerce.New(st, cat, msg, commerce.Config{StoreURL: "https://extractoseum.com"}, log)
	td := tools.NewDispatcher(log, nil)
	svc.Register(td)

	events := eventlog.New(st, eventlog.Config{BufferSize: 1}, log, nil)
	cp := copilot.New(copilot.Config{Enabled: true, FrustrationThreshold: -0.5, AnalysisTimeout: 2 * time.Second},
		copilot.Deps{LLM: fakeLLM{reply: verdict}, Tools: td, Events: events}, log)

	d := New(Config{AssistantID: "asst-1", TeardownTimeout: 2 * time.Second}, Deps{
		Store:    st,
		Events:   events,
		Tools:    td,
		Commerce: svc,
		Copilot:  cp,
	}, log)
	return &harness{d: d, store: st, msg: msg, tools: td, copilot: cp}
}

func (h *harness) post(t *testing.T, body string) any {
	t.Helper()
	msg, err := types.DecodeEnvelope([]byte(body))
	require.NoError(t, err)
	return h.d.Handle(context.Background(), msg)
}

func (h *harness) waitCopilot(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, h.copilot.Wait(ctx))
}

const neutral = `{"sentiment":0.3,"missedActions":[],"summary":"ok"}`

const callJSON = `"call":{"id":"call-1","customer":{"number":"+5215512345678","name":"Ana"},
	"metadata":{"conversationId":"conv-1","clientId":"cl-1"},"startedAt":"2025-06-01T10:00:00Z"}`

func TestToolCallsKeepOrderAndCount(t *testing.T) {
	h := newHarness(t, neutral)
	resp := h.post(t, `{"message":{"type":"tool-calls",`+callJSON+`,"toolWithToolCallList":[
		{"id":"tc-1","function":{"name":"buscar_productos","arguments":"{\"query\":\"gomitas\"}"}},
		{"id":"tc-2","function":{"name":"consultar_pedido","arguments":"{not json"}},
		{"toolCall":{"id":"tc-3","function":{"name":"no_such_tool","arguments":{}}}}
	]}}`)

	out, ok := resp.(types.ToolCallsResponse)
	require.True(t, ok)
	require.Len(t, out.Results, 3)
	assert.Equal(t, []string{"tc-1", "tc-2", "tc-3"}, []string{out.Results[0].ToolCallID, out.Results[1].ToolCallID, out.Results[2].ToolCallID})

	assert.Empty(t, out.Results[0].Error)
	var first tools.Result
	require.NoError(t, json.Unmarshal([]byte(out.Results[0].Result), &first))
	assert.True(t, first.Success)

	assert.Empty(t, out.Results[1].Result)
	assert.NotEmpty(t, out.Results[1].Error)

	assert.Contains(t, out.Results[2].Result, `"error":"unknown tool: no_such_tool"`)
	assert.Contains(t, out.Results[2].Result, `"success":false`)

	for _, r := range out.Results {
		assert.NotContains(t, r.Result, "\n")
		assert.NotContains(t, r.Error, "\n")
	}

	logs := h.store.ToolLogs()
	require.Len(t, logs, 3)
	assert.Equal(t, []bool{true, false, false}, []bool{logs[0].Success, logs[1].Success, logs[2].Success})
	assert.Equal(t, "buscar_productos", logs[0].ToolName)
	assert.Equal(t, "gomitas", logs[0].Arguments["query"])
	assert.Equal(t, "cl-1", logs[0].ClientID)
	assert.NotEmpty(t, logs[0].ArgumentsRaw)
	require.NotNil(t, logs[0].CallSecondsElapsed)

	snap, ok := h.copilot.Session("call-1")
	require.True(t, ok)
	assert.Equal(t, []string{"search_products"}, snap.ToolsCalled)
}

func TestToolResultsStaySingleLine(t *testing.T) {
	h := newHarness(t, neutral)
	h.tools.Register("nota_multilinea", func(context.Context, tools.Args, types.ToolContext) (tools.Result, error) {
		return tools.Result{
			Success: false,
			Message: "línea uno\nlínea dos\r\n",
			Data:    map[string]any{"detalle": "a\r\nb"},
		}, nil
	})
	h.tools.Register("falla_multilinea", func(context.Context, tools.Args, types.ToolContext) (tools.Result, error) {
		return tools.Result{}, errors.New("store down\r\nretry later")
	})

	resp := h.post(t, `{"message":{"type":"tool-calls",`+callJSON+`,"toolCallList":[
		{"id":"tc-1","name":"nota_multilinea","parameters":{}},
		{"id":"tc-2","name":"falla_multilinea","parameters":{}},
		{"id":"tc-3","function":{"name":"buscar_productos","arguments":"{\n\"query\":"}}
	]}}`)

	out := resp.(types.ToolCallsResponse)
	require.Len(t, out.Results, 3)
	for _, r := range out.Results {
		assert.NotContains(t, r.Result, "\n", r.ToolCallID)
		assert.NotContains(t, r.Result, "\r", r.ToolCallID)
		assert.NotContains(t, r.Error, "\n", r.ToolCallID)
		assert.NotContains(t, r.Error, "\r", r.ToolCallID)
	}

	var first tools.Result
	require.NoError(t, json.Unmarshal([]byte(out.Results[0].Result), &first))
	assert.Equal(t, "línea uno\nlínea dos\r\n", first.Message)

	var second tools.Result
	require.NoError(t, json.Unmarshal([]byte(out.Results[1].Result), &second))
	assert.False(t, second.Success)
	assert.Equal(t, "store down\r\nretry later", second.Error)

	assert.Empty(t, out.Results[2].Result)
	assert.NotEmpty(t, out.Results[2].Error)

	logs := h.store.ToolLogs()
	require.Len(t, logs, 3)
	assert.Equal(t, []bool{false, false, false}, []bool{logs[0].Success, logs[1].Success, logs[2].Success})
	assert.Equal(t, "store down\r\nretry later", logs[1].ErrorMessage)
}

func TestToolCallsResolveCallerFromPhone(t *testing.T) {
	h := newHarness(t, neutral)
	resp := h.post(t, `{"message":{"type":"tool-calls","call":{"id":"call-2","customer":{"number":"5512345678"}},
		"toolCallList":[{"id":"tc-1","name":"info_cliente","parameters":{}}]}}`)

	out := resp.(types.ToolCallsResponse)
	require.Len(t, out.Results, 1)
	assert.Contains(t, out.Results[0].Result, "Ana López")

	logs := h.store.ToolLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, "cl-1", logs[0].ClientID)
	assert.Equal(t, "conv-1", logs[0].ConversationID)
}

func TestPanicIsContained(t *testing.T) {
	h := newHarness(t, neutral)
	h.d.tools = panickyTools{}

	resp := h.post(t, `{"message":{"type":"tool-calls",`+callJSON+`,"toolCallList":[{"id":"tc-1","name":"buscar_productos"}]}}`)
	out := resp.(types.ToolCallsResponse)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "tc-1", out.Results[0].ToolCallID)
	assert.Equal(t, "internal error", out.Results[0].Error)

	errs := h.store.EventsOfType(types.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, "call-1", errs[0].VapiCallID)
	assert.Contains(t, errs[0].EventData["error"], "boom")
}

func TestAssistantRequestInjectsContext(t *testing.T) {
	h := newHarness(t, neutral)
	resp := h.post(t, `{"message":{"type":"assistant-request","call":{"id":"call-in","customer":{"number":"+5215512345678"}}}}`)

	out, ok := resp.(types.AssistantResponse)
	require.True(t, ok)
	assert.Equal(t, "asst-1", out.AssistantID)
	require.NotNil(t, out.AssistantOverrides)
	assert.Contains(t, out.AssistantOverrides.FirstMessage, "Ana")
	require.NotNil(t, out.AssistantOverrides.Model)
	assert.Equal(t, "system", out.AssistantOverrides.Model.Messages[0].Role)
	assert.Equal(t, map[string]any{"conversationId": "conv-1", "clientId": "cl-1", "context": "inbound"}, out.AssistantOverrides.Metadata)

	call, err := h.store.GetCall(context.Background(), "call-in")
	require.NoError(t, err)
	assert.Equal(t, "inbound", call.Direction)
	assert.Equal(t, "in-progress", call.Status)
	assert.Equal(t, "conv-1", call.ConversationID)
	assert.NotNil(t, call.StartedAt)
}

func TestAssistantRequestUnknownCaller(t *testing.T) {
	h := newHarness(t, neutral)
	resp := h.post(t, `{"message":{"type":"assistant-request","call":{"id":"call-x","customer":{"number":"+14155550000"}}}}`)

	out := resp.(types.AssistantResponse)
	assert.Equal(t, "asst-1", out.AssistantID)
	if out.AssistantOverrides != nil {
		assert.Equal(t, map[string]any{"context": "inbound"}, out.AssistantOverrides.Metadata)
	}
}

func TestStatusAndInterruptions(t *testing.T) {
	h := newHarness(t, neutral)
	ack := h.post(t, `{"message":{"type":"status-update","status":"in-progress",`+callJSON+`}}`)
	assert.Equal(t, types.Ack{Success: true}, ack)

	for i := 0; i < 3; i++ {
		h.post(t, `{"message":{"type":"user-interrupted","secondsFromStart":12.5,`+callJSON+`}}`)
	}
	h.post(t, `{"message":{"type":"hang","endedReason":"silence-timed-out",`+callJSON+`}}`)

	call, err := h.store.GetCall(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, "in-progress", call.Status)
	assert.Equal(t, 3, call.Interruptions)
	require.NotNil(t, call.StartedAt)

	assert.Len(t, h.store.EventsOfType(types.EventStatusUpdate), 1)
	assert.Len(t, h.store.EventsOfType(types.EventUserInterrupted), 3)
	hang := h.store.EventsOfType(types.EventHang)
	require.Len(t, hang, 1)
	assert.Equal(t, "silence-timed-out", hang[0].EventData["reason"])
}

func TestMessagesWithoutCallAreAcknowledged(t *testing.T) {
	h := newHarness(t, neutral)
	for _, typ := range []string{"status-update", "transcript", "user-interrupted", "hang", "end-of-call-report", "speech-update"} {
		assert.Equal(t, types.Ack{Success: true}, h.post(t, `{"message":{"type":"`+typ+`"}}`), typ)
	}
	assert.Empty(t, h.store.Events())
}

const whatsappMissed = "```json\n" + `{"sentiment":-0.2,"frustrationIndicators":[],
	"missedActions":[{"type":"send_whatsapp","priority":"critical","reason":"pidió el catálogo por WhatsApp",
	"params":{"message":"Aquí está nuestro catálogo: https://extractoseum.com/collections/all"}}],
	"shouldEscalate":false,"summary":"no se envió el WhatsApp"}` + "\n```"

func TestWhatsAppCompensationEndToEnd(t *testing.T) {
	h := newHarness(t, whatsappMissed)

	h.post(t, `{"message":{"type":"transcript","role":"assistant","transcriptType":"final","transcript":"Hola, soy Ara de Extractos EUM.",`+callJSON+`}}`)
	h.post(t, `{"message":{"type":"transcript","role":"user","transcriptType":"final",
		"transcript":"¿Me puedes mandar el catálogo por WhatsApp, por favor?",`+callJSON+`}}`)
	h.waitCopilot(t)

	sent := h.msg.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "+5215512345678", sent[0].To)
	assert.Contains(t, sent[0].Body, "catálogo")

	actions := h.store.EventsOfType(types.EventCopilotAction)
	require.Len(t, actions, 1)
	assert.Equal(t, true, actions[0].EventData["success"])
	assert.Equal(t, "conv-1", actions[0].ConversationID)
	assert.Len(t, h.store.EventsOfType(types.EventCopilotAnalysis), 1)
	assert.Len(t, h.store.EventsOfType(types.EventTranscript), 2)

	ack := h.post(t, `{"message":{"type":"end-of-call-report","endedReason":"customer-ended-call","durationSeconds":41.6,
		"summary":"Cliente pidió catálogo","transcript":"AI: Hola\nUser: catálogo","recordingUrl":"https://rec/1.wav",`+callJSON+`}}`)
	assert.Equal(t, types.Ack{Success: true}, ack)

	final, ok := h.store.Final("call-1")
	require.True(t, ok)
	assert.Equal(t, "customer-ended-call", final.EndedReason)
	assert.Equal(t, "AI: Hola\nUser: catálogo", final.Transcript)

	reports := h.store.EventsOfType(types.EventCopilotFinalReport)
	require.Len(t, reports, 1)
	assert.Equal(t, 1, reports[0].EventData["actionsExecuted"])
	assert.Equal(t, []string{"WhatsApp no enviado cuando se solicitó - revisar prompt del asistente"}, reports[0].EventData["recommendations"])

	var summary *types.ConversationMessage
	for _, m := range h.store.Messages("conv-1") {
		if m.MessageType == "call_summary" {
			summary = &m
		}
	}
	require.NotNil(t, summary)
	assert.True(t, strings.HasPrefix(summary.Content, "📞 **Llamada finalizada** (42s)"))
	assert.Contains(t, summary.Content, "[🎧 Escuchar Grabación](https://rec/1.wav)")

	_, tracked := h.copilot.Session("call-1")
	assert.False(t, tracked)

	// a duplicate report is harmless
	h.post(t, `{"message":{"type":"end-of-call-report","endedReason":"customer-ended-call",`+callJSON+`}}`)
	assert.Len(t, h.store.EventsOfType(types.EventCopilotFinalReport), 1)

	// transcripts delivered after the report are logged but not tracked
	h.post(t, `{"message":{"type":"transcript","role":"user","transcriptType":"final",
		"transcript":"Oye, ¿sigues ahí? Mándame también la lista de precios por WhatsApp.",`+callJSON+`}}`)
	h.waitCopilot(t)
	assert.Empty(t, h.copilot.ActiveCalls())
	assert.Len(t, h.msg.messages(), 1)
	assert.Len(t, h.store.EventsOfType(types.EventTranscript), 3)
}

func TestEndOfCallStoreFailureIsRecorded(t *testing.T) {
	h := newHarness(t, neutral)
	h.d.store = failingFinalize{h.store}

	ack := h.post(t, `{"message":{"type":"end-of-call-report","endedReason":"hangup",`+callJSON+`}}`)
	assert.Equal(t, types.Ack{Success: true}, ack)

	errs := h.store.EventsOfType(types.EventError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].EventData["error"], "finalize call")
	assert.Len(t, h.store.Messages("conv-1"), 1, "summary is still posted")
}

type failingFinalize struct{ *store.Memory }

func (failingFinalize) FinalizeCall(context.Context, types.CallFinal) error {
	return errors.New("db down")
}

func TestStartCall(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"call-out","status":"queued"}`))
	}))
	defer srv.Close()

	h := newHarness(t, neutral)
	h.d.vapi = vapi.New(vapi.Config{APIKey: "k", BaseURL: srv.URL, DefaultAssistantID: "asst-1", PhoneNumberID: "ph-mx"}, logger.Discard())

	call, err := h.d.StartCall(context.Background(), OutboundRequest{PhoneNumber: "5512345678", ConversationID: "conv-1"})
	require.NoError(t, err)
	assert.Equal(t, "call-out", call.ID)

	assert.Equal(t, "ph-mx", got["phoneNumberId"])
	assert.Equal(t, map[string]any{"number": "+525512345678", "name": "Ana López"}, got["customer"])
	assert.Equal(t, map[string]any{"conversationId": "conv-1", "clientId": "cl-1"}, got["metadata"])
	assert.Contains(t, got, "assistantOverrides")

	rec, err := h.store.GetCall(context.Background(), "call-out")
	require.NoError(t, err)
	assert.Equal(t, "outbound", rec.Direction)
	assert.Equal(t, "queued", rec.Status)
}

func TestStartCallValidation(t *testing.T) {
	h := newHarness(t, neutral)
	_, err := h.d.StartCall(context.Background(), OutboundRequest{PhoneNumber: "5512345678"})
	assert.ErrorIs(t, err, vapi.ErrNotConfigured)

	h.d.vapi = vapi.New(vapi.Config{APIKey: "k"}, logger.Discard())
	_, err = h.d.StartCall(context.Background(), OutboundRequest{PhoneNumber: " "})
	assert.ErrorIs(t, err, ErrNoPhoneNumber)
}
