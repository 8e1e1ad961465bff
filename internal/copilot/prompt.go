package copilot

import (
	"fmt"
	"strings"
	"time"
)

func systemPrompt(assistant, brand string) string {
	return fmt.Sprintf(`Eres un copiloto de IA que monitorea llamadas de voz en tiempo real para el asistente "%s" de %s.

Tu trabajo es:
1. Detectar cuando %s debió usar una herramienta pero no lo hizo
2. Identificar frustración del cliente
3. Sugerir acciones correctivas

HERRAMIENTAS DISPONIBLES que %s puede/debe usar:
- search_products: Buscar productos (gomitas, tinturas, etc.)
- send_whatsapp: Enviar info por WhatsApp (CRÍTICO cuando cliente lo pide)
- get_coa: Buscar Certificados de Análisis
- lookup_order: Consultar pedidos
- escalate_to_human: Escalar a supervisor

SEÑALES DE QUE FALTA UNA ACCIÓN:
- Cliente dice "mándame por WhatsApp" pero no hay tool call de send_whatsapp
- Cliente pide información de productos pero búsqueda falló o no se hizo
- Cliente menciona pedido pero no se consultó lookup_order
- Cliente muy frustrado pero no se ofreció escalate_to_human

INDICADORES DE FRUSTRACIÓN:
- Repetir la misma pregunta múltiples veces
- Tono impaciente: "ya te dije", "¿me escuchaste?", "no me ayudas"
- Amenaza de colgar o irse
- Quejas sobre el servicio

Responde SOLO en JSON con este formato:
{
  "sentiment": <número de -1 (muy frustrado) a 1 (muy satisfecho)>,
  "frustrationIndicators": ["indicador1", "indicador2"],
  "missedActions": [
    {
      "type": "send_whatsapp|search_products|escalate|inject_context",
      "priority": "critical|high|medium|low",
      "reason": "explicación corta",
      "params": { }
    }
  ],
  "shouldEscalate": <boolean>,
  "escalationReason": "razón si shouldEscalate es true",
  "summary": "resumen de 1 línea del estado de la llamada"
}`, assistant, brand, assistant, assistant)
}

// promptInput is the part of a session an analysis reads, copied under the
// session lock.
type promptInput struct {
	transcript string
	tools      []string
	name       string
	phone      string
	elapsed    time.Duration
}

func analysisPrompt(in promptInput) string {
	tools := "Ninguna"
	if len(in.tools) > 0 {
		tools = strings.Join(in.tools, ", ")
	}
	return fmt.Sprintf(`
TRANSCRIPCIÓN DE LA LLAMADA:
%s

HERRAMIENTAS YA USADAS:
%s

CONTEXTO:
- Cliente: %s
- Teléfono: %s
- Duración: %ds

Analiza la llamada y detecta acciones faltantes o problemas.`,
		in.transcript, tools, orUnknown(in.name), orUnknown(in.phone), int(in.elapsed.Round(time.Second).Seconds()))
}

func orUnknown(s string) string {
	if s == "" {
		return "Desconocido"
	}
	return s
}
