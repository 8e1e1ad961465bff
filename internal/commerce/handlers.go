package commerce

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"voice-copilot-go/internal/messaging"
	"voice-copilot-go/internal/store"
	"voice-copilot-go/internal/tools"
	"voice-copilot-go/internal/types"
)

const (
	couponMinPercent = 5
	couponMaxPercent = 30
	couponValidity   = 30 * 24 * time.Hour
	escalationTag    = "Callback Pendiente"
)

var (
	errNoPhone         = errors.New("No se pudo identificar el teléfono del cliente")
	errEmptyMessage    = errors.New("El mensaje está vacío")
	errDiscountRange   = errors.New("El descuento debe ser entre 5% y 30%")
	errCouponNotStored = errors.New("Error creando el cupón")
)

func (s *Service) sendWhatsApp(ctx context.Context, args tools.Args, tc types.ToolContext) (tools.Result, error) {
	body := args.String("message")
	mediaURL := args.String("media_url")
	if tc.CustomerPhone == "" {
		return tools.Fail(errNoPhone), nil
	}
	if body == "" {
		return tools.Fail(errEmptyMessage), nil
	}

	receipt, err := s.msg.Send(ctx, messaging.Message{To: tc.CustomerPhone, Body: body, MediaURL: mediaURL})
	if err != nil {
		return tools.Result{}, err
	}
	s.mirror(ctx, tc.ConversationID, body, mediaURL, nil)

	return tools.Result{
		Success: true,
		Message: "Mensaje enviado por WhatsApp exitosamente",
		Data:    map[string]any{"messageId": receipt.ID},
	}, nil
}

type productView struct {
	Name             string `json:"name"`
	Type             string `json:"type"`
	Price            string `json:"price"`
	InStock          bool   `json:"in_stock"`
	StockQty         int    `json:"stock_qty"`
	URL              string `json:"url"`
	DescriptionShort string `json:"description_short"`
}

func (s *Service) searchProducts(_ context.Context, args tools.Args, _ types.ToolContext) (tools.Result, error) {
	query := args.String("query")
	res := s.catalog.Search(query, args.String("category"))

	if len(res.Products) == 0 {
		msg := fmt.Sprintf("No encontré productos con %q.", query)
		if len(res.Suggestions) > 0 {
			msg += " Tenemos productos en categorías como: " + strings.Join(res.Suggestions, ", ") + "."
		}
		msg += " ¿Quieres que busque algo más específico?"
		return tools.Result{Success: false, Message: msg}, nil
	}

	views := make([]productView, 0, len(res.Products))
	spoken := make([]string, 0, len(res.Products))
	for _, p := range res.Products {
		v := productView{
			Name:             p.Title,
			Type:             p.ProductType,
			Price:            "$" + number(p.Price) + " MXN",
			InStock:          p.Stock > 0,
			StockQty:         p.Stock,
			URL:              s.cfg.StoreURL + "/products/" + p.Handle,
			DescriptionShort: clip(p.Description, 100),
		}
		if v.Type == "" {
			v.Type = "General"
		}
		views = append(views, v)

		line := v.Name + " a " + v.Price
		if !v.InStock {
			line += " (agotado)"
		}
		spoken = append(spoken, line)
	}

	return tools.Result{
		Success: true,
		Message: fmt.Sprintf("Encontré %d producto(s): %s", len(views), strings.Join(spoken, ". ")),
		Data:    map[string]any{"products": views, "count": len(views)},
	}, nil
}

func (s *Service) getCOA(ctx context.Context, args tools.Args, tc types.ToolContext) (tools.Result, error) {
	coa, ok := s.catalog.Certificate(args.String("batch_number"), args.String("product_name"))
	if !ok {
		return tools.Result{
			Success: false,
			Message: "No encontré el COA con esos datos. ¿Tienes el número de lote? Usualmente viene en la etiqueta del producto, empieza con letras y números.",
		}, nil
	}

	name := coa.ProductName
	if name == "" {
		name = "Lote " + coa.BatchID
	}
	viewer := s.cfg.COAViewerURL + "/" + coa.PublicToken
	data := map[string]any{
		"product_name":      name,
		"batch_id":          coa.BatchID,
		"thc_total":         coa.THCTotal,
		"cbd_total":         coa.CBDTotal,
		"lab_name":          coa.LabName,
		"sent_via_whatsapp": false,
	}

	if args.Bool("send_whatsapp") && tc.CustomerPhone != "" && coa.PDFURL != "" {
		lab := coa.LabName
		if lab == "" {
			lab = "N/D"
		}
		body := fmt.Sprintf("📄 *COA - %s*\n\n🔬 Lote: %s\n🧪 THC Total: %s%%\n🌿 CBD Total: %s%%\n🏛️ Lab: %s\n\n📎 Ver COA completo:\n%s",
			name, coa.BatchID, coa.THCTotal, coa.CBDTotal, lab, viewer)
		if s.notify(ctx, tc, body, map[string]any{"coa_id": coa.ID}) {
			data["sent_via_whatsapp"] = true
			return tools.Result{
				Success: true,
				Message: fmt.Sprintf("Encontré el COA del %s. Tiene %s%% de THC y %s%% de CBD. Ya te lo envié por WhatsApp.", name, coa.THCTotal, coa.CBDTotal),
				Data:    data,
			}, nil
		}
	}

	lab := coa.LabName
	if lab == "" {
		lab = "certificado"
	}
	if !coa.AnalysisDate.IsZero() {
		data["analysis_date"] = coa.AnalysisDate.Format("2006-01-02")
	}
	data["viewer_url"] = viewer
	return tools.Result{
		Success: true,
		Message: fmt.Sprintf("Encontré el COA del %s. Tiene %s%% de THC y %s%% de CBD. Del laboratorio %s. ¿Te lo envío por WhatsApp?", name, coa.THCTotal, coa.CBDTotal, lab),
		Data:    data,
	}, nil
}

var orderStatusText = map[string]string{
	"pending":          "pendiente de pago",
	"paid":             "pagado y en preparación",
	"partially_paid":   "parcialmente pagado",
	"processing":       "en preparación",
	"shipped":          "enviado",
	"fulfilled":        "enviado",
	"in_transit":       "en camino",
	"out_for_delivery": "en reparto",
	"delivered":        "entregado",
	"cancelled":        "cancelado",
	"refunded":         "reembolsado",
}

// orderStatus collapses financial and fulfillment status into the single
// stage a caller cares about.
func orderStatus(o types.Order) string {
	switch o.FulfillmentStatus {
	case "", "unfulfilled", "partial", "null":
		return o.FinancialStatus
	}
	return o.FulfillmentStatus
}

func (s *Service) lookupOrder(ctx context.Context, args tools.Args, tc types.ToolContext) (tools.Result, error) {
	order, err := s.findOrder(ctx, args.String("order_number"), tc)
	if errors.Is(err, store.ErrNotFound) {
		return tools.Result{
			Success: false,
			Message: "No encontré el pedido. ¿Tienes el número de orden? Lo encuentras en el correo de confirmación.",
		}, nil
	}
	if err != nil {
		return tools.Result{}, err
	}

	status := orderStatus(*order)
	text, ok := orderStatusText[status]
	if !ok {
		text = status
	}
	msg := fmt.Sprintf("Tu pedido número %s está %s. El total fue de %s pesos.", order.OrderNumber, text, number(order.Total))
	if order.TrackingNumber != "" {
		msg += " El número de rastreo es " + order.TrackingNumber + "."
	}
	return tools.Result{
		Success: true,
		Message: msg,
		Data: map[string]any{
			"order_number":    order.OrderNumber,
			"status":          status,
			"status_text":     text,
			"total":           order.Total,
			"created_at":      order.CreatedAt,
			"tracking_number": order.TrackingNumber,
		},
	}, nil
}

// findOrder tries the order number, then the client's latest order, then the
// latest order of whoever owns the calling phone.
func (s *Service) findOrder(ctx context.Context, number string, tc types.ToolContext) (*types.Order, error) {
	if number != "" {
		return s.store.FindOrder(ctx, number)
	}
	clientID := tc.ClientID
	if clientID == "" && tc.CustomerPhone != "" {
		c, err := s.store.FindClientByPhone(ctx, tc.CustomerPhone)
		if err != nil {
			return nil, err
		}
		clientID = c.ID
	}
	if clientID == "" {
		return nil, store.ErrNotFound
	}
	orders, err := s.store.ClientOrders(ctx, clientID, 1)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, store.ErrNotFound
	}
	return &orders[0], nil
}

func (s *Service) createCoupon(ctx context.Context, args tools.Args, tc types.ToolContext) (tools.Result, error) {
	pct, ok := args.Float("discount_percent")
	if !ok || pct < couponMinPercent || pct > couponMaxPercent {
		return tools.Fail(errDiscountRange), nil
	}

	now := s.now().UTC()
	c := types.Coupon{
		Code:            fmt.Sprintf("ARA%s-%s", number(pct), strings.ToUpper(strconv.FormatInt(now.UnixMilli(), 36))),
		DiscountPercent: pct,
		Reason:          args.String("reason"),
		ClientID:        tc.ClientID,
		ConversationID:  tc.ConversationID,
		CreatedAt:       now,
		ExpiresAt:       now.Add(couponValidity),
	}
	if err := s.store.CreateCoupon(ctx, c); err != nil {
		s.log.WithError(err).Warn("create coupon failed")
		return tools.Fail(errCouponNotStored), nil
	}

	body := fmt.Sprintf("🎁 Te creé un cupón especial del %s%% de descuento:\n\n*%s*\n\nVálido por 30 días en %s",
		number(pct), c.Code, storeHost(s.cfg.StoreURL))
	sent := s.notify(ctx, tc, body, map[string]any{"coupon_code": c.Code})

	msg := fmt.Sprintf("Listo, te creé el cupón %s con %s%% de descuento.", c.Code, number(pct))
	if sent {
		msg += " Te lo acabo de enviar por WhatsApp."
	}
	msg += " Es válido por 30 días."
	return tools.Result{
		Success: true,
		Message: msg,
		Data:    map[string]any{"code": c.Code, "discount_percent": pct, "expires_at": c.ExpiresAt},
	}, nil
}

func (s *Service) escalateToHuman(ctx context.Context, args tools.Args, tc types.ToolContext) (tools.Result, error) {
	reason := args.String("reason")
	callback := args.Bool("wants_callback")

	err := s.store.CreateEscalation(ctx, types.Escalation{
		ID:             uuid.NewString(),
		VapiCallID:     tc.CallID,
		ConversationID: tc.ConversationID,
		ClientID:       tc.ClientID,
		CustomerPhone:  tc.CustomerPhone,
		Reason:         reason,
		WantsCallback:  callback,
		CreatedAt:      s.now().UTC(),
	})
	if err != nil {
		return tools.Result{}, fmt.Errorf("record escalation: %w", err)
	}

	if tc.ConversationID != "" {
		phone := tc.CustomerPhone
		if phone == "" {
			phone = "N/A"
		}
		answer := "No"
		if callback {
			answer = "Sí"
		}
		note := fmt.Sprintf("🚨 **Solicitud de Escalación (Llamada)**\n\nRazón: %s\nCallback solicitado: %s\nTeléfono: %s", reason, answer, phone)
		if err := s.store.AppendMessage(ctx, types.ConversationMessage{
			ConversationID: tc.ConversationID,
			Direction:      "inbound",
			Role:           "system",
			MessageType:    "internal_note",
			Content:        note,
			Status:         "delivered",
			Internal:       true,
		}); err != nil {
			s.log.WithError(err).Warn("escalation note failed")
		}
		if err := s.store.TagConversation(ctx, tc.ConversationID, escalationTag, map[string]any{"escalation_reason": reason}); err != nil {
			s.log.WithError(err).Warn("escalation tag failed")
		}
	}

	s.alertSupervisor(ctx, tc, reason, callback)

	if callback {
		return tools.Result{
			Success: true,
			Message: "Perfecto, registré tu solicitud. Un supervisor se comunicará contigo en el siguiente horario disponible.",
			Data:    map[string]any{"callback_scheduled": true, "reason": reason},
		}, nil
	}
	return tools.Result{
		Success: true,
		Message: "Entendido, tomé nota de tu solicitud. ¿Hay algo más en lo que pueda ayudarte mientras tanto?",
		Data:    map[string]any{"escalated": true, "reason": reason},
	}, nil
}

func (s *Service) alertSupervisor(ctx context.Context, tc types.ToolContext, reason string, callback bool) {
	if s.cfg.EscalationPhone == "" {
		return
	}
	phone := tc.CustomerPhone
	if phone == "" {
		phone = "N/A"
	}
	body := fmt.Sprintf("🚨 Escalación desde llamada %s\nRazón: %s\nCallback: %t\nTeléfono: %s", tc.CallID, reason, callback, phone)
	if _, err := s.msg.Send(ctx, messaging.Message{To: s.cfg.EscalationPhone, Body: body}); err != nil {
		s.log.WithError(err).Warn("supervisor alert failed")
	}
}

func (s *Service) getClientInfo(ctx context.Context, _ tools.Args, tc types.ToolContext) (tools.Result, error) {
	var (
		client *types.Client
		err    error
	)
	switch {
	case tc.ClientID != "":
		client, err = s.Profile(ctx, tc.ClientID)
	case tc.CustomerPhone != "":
		client, err = s.FindCaller(ctx, tc.CustomerPhone)
	default:
		err = store.ErrNotFound
	}
	if errors.Is(err, store.ErrNotFound) {
		return tools.Result{
			Success: false,
			Message: "No encontré información del cliente en el sistema. Puede ser cliente nuevo.",
		}, nil
	}
	if err != nil {
		return tools.Result{}, err
	}

	ltv := number(client.LTV)
	msg := fmt.Sprintf("Cliente registrado con %d pedidos, total %s pesos.", client.TotalOrders, ltv)
	if client.Name != "" {
		msg = fmt.Sprintf("El cliente es %s. Tiene %d pedidos con nosotros por un total de %s pesos.", client.Name, client.TotalOrders, ltv)
	}
	data := map[string]any{
		"name":         client.Name,
		"email":        client.Email,
		"phone":        client.Phone,
		"total_orders": client.TotalOrders,
		"ltv":          client.LTV,
	}
	if client.LastOrder != nil {
		data["last_order_date"] = client.LastOrder.CreatedAt
	}
	return tools.Result{Success: true, Message: msg, Data: data}, nil
}

// number renders a float the way it is spoken: no trailing zeros.
func number(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func clip(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n])
}

func storeHost(u string) string {
	u = strings.TrimPrefix(u, "https://")
	u = strings.TrimPrefix(u, "http://")
	return strings.TrimRight(u, "/")
}
