// Package tools routes tool invocations from the voice agent to handlers.
// It holds no business logic: handlers are registered by the packages that
// own the behaviour.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"voice-copilot-go/internal/metrics"
	"voice-copilot-go/internal/types"
)

const (
	SendWhatsApp    = "send_whatsapp"
	SearchProducts  = "search_products"
	GetCOA          = "get_coa"
	LookupOrder     = "lookup_order"
	CreateCoupon    = "create_coupon"
	GetClientInfo   = "get_client_info"
	EscalateToHuman = "escalate_to_human"
)

// aliases maps every accepted tool name onto its canonical name. Legacy
// names configured in the telephony dashboard stay routable.
var aliases = map[string]string{
	"send_whatsapp":         SendWhatsApp,
	"function_tool_wa":      SendWhatsApp,
	"send_whatsapp_message": SendWhatsApp,

	"search_products":    SearchProducts,
	"buscar_productos":   SearchProducts,
	"search_products_db": SearchProducts,

	"get_coa":               GetCOA,
	"get_coa_and_send":      GetCOA,
	"cannabinoides-webhook": GetCOA,

	"lookup_order":           LookupOrder,
	"consultar_pedido":       LookupOrder,
	"search_order_by_number": LookupOrder,

	"create_coupon": CreateCoupon,
	"crear_cupon":   CreateCoupon,

	"get_client_info": GetClientInfo,
	"lookup_client":   GetClientInfo,
	"info_cliente":    GetClientInfo,

	"escalate_to_human": EscalateToHuman,
	"escalar_humano":    EscalateToHuman,
}

// Canonical resolves an alias. Unknown names are returned unchanged.
func Canonical(name string) string {
	if c, ok := aliases[name]; ok {
		return c
	}
	return name
}

// Result is what the agent receives for one tool invocation.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Fail builds an unsuccessful result carrying err's text.
func Fail(err error) Result {
	return Result{Success: false, Error: err.Error()}
}

// Handler executes one canonical tool. A returned error becomes a failed
// Result; handlers report expected misses (nothing found) as a Result with
// Success false and a Message the agent can speak.
type Handler func(ctx context.Context, args Args, tc types.ToolContext) (Result, error)

var ErrUnknownTool = errors.New("unknown tool")

// IsUnknown reports whether res answered a tool name with no handler.
func IsUnknown(res Result) bool {
	return !res.Success && strings.HasPrefix(res.Error, ErrUnknownTool.Error()+": ")
}

type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	log      *logrus.Entry
	metrics  *metrics.Metrics
}

func NewDispatcher(log *logrus.Entry, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		handlers: map[string]Handler{},
		log:      log.WithField("component", "tools"),
		metrics:  m,
	}
}

// Register binds h to a canonical tool name; every alias of that name routes
// to h. Registering twice replaces the earlier handler.
func (d *Dispatcher) Register(name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[Canonical(name)] = h
}

// Tools lists the canonical names that have a handler.
func (d *Dispatcher) Tools() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Execute runs the handler registered for name. It never returns an error
// and never panics: failures come back as Result{Success: false}.
func (d *Dispatcher) Execute(ctx context.Context, name string, args Args, tc types.ToolContext) (res Result) {
	canonical := Canonical(name)
	d.mu.RLock()
	h, ok := d.handlers[canonical]
	d.mu.RUnlock()
	if !ok {
		d.log.WithField("tool", name).Warn("unknown tool")
		d.metrics.RecordTool(name, false, 0)
		return Result{Success: false, Error: fmt.Sprintf("%s: %s", ErrUnknownTool, name)}
	}
	if args == nil {
		args = Args{}
	}

	start := time.Now()
	entry := d.log.WithFields(logrus.Fields{"tool": canonical, "call_id": tc.CallID})
	defer func() {
		if r := recover(); r != nil {
			entry.WithField("panic", r).Error("tool handler panicked")
			res = Result{Success: false, Error: fmt.Sprintf("tool %s panicked: %v", canonical, r)}
		}
		d.metrics.RecordTool(canonical, res.Success, time.Since(start))
	}()

	res, err := h(ctx, args, tc)
	if err != nil {
		entry.WithError(err).Warn("tool failed")
		return Fail(err)
	}
	entry.WithFields(logrus.Fields{"success": res.Success, "ms": time.Since(start).Milliseconds()}).Debug("tool done")
	return res
}
