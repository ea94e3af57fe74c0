package mailer

import (
	"text/template"
)

var subjects = map[string]string{
	KindOrderConfirmed:        "Pet Gourmet: pedido confirmado",
	KindSubscriptionActivated: "Pet Gourmet: tu suscripción está activa",
	KindSubscriptionCancelled: "Pet Gourmet: suscripción cancelada",
	KindPaymentFailed:         "Pet Gourmet: no pudimos procesar tu pago",
}

var bodies = map[string]string{
	KindOrderConfirmed: `Hola {{.Order.CustomerName}},

Recibimos el pago de tu pedido #{{.Order.ID}}.
{{range .Order.Items}}
- {{.Quantity}} x {{.ProductName}}{{if .Size}} ({{.Size}}){{end}}: ${{printf "%.2f" .Subtotal}}
{{- end}}

Total: ${{printf "%.2f" .Order.Total}}

Puedes seguir tu pedido en {{.SiteURL}}/perfil
`,
	KindSubscriptionActivated: `Hola {{.Sub.CustomerName}},

Tu suscripción a {{.Sub.ProductName}} ({{.Sub.SubscriptionType}}) está activa.
Monto por periodo: ${{printf "%.2f" .Sub.TransactionAmount}} {{.Sub.CurrencyID}}
{{- with .Sub.NextBillingDate}}
Próximo cobro: {{.Format "2006-01-02"}}
{{- end}}

Administra tu suscripción en {{.SiteURL}}/perfil
`,
	KindSubscriptionCancelled: `Hola {{.Sub.CustomerName}},

Cancelamos tu suscripción a {{.Sub.ProductName}}. No se realizarán más cargos.

Puedes volver a suscribirte cuando quieras en {{.SiteURL}}
`,
	KindPaymentFailed: `Hola {{.Sub.CustomerName}},

No pudimos cobrar el pago {{.PaymentID}} de tu suscripción a {{.Sub.ProductName}}.
Tu suscripción quedó suspendida hasta que se procese un pago.

Actualiza tu método de pago en {{.SiteURL}}/perfil
`,
}

func parseTemplates() map[string]*template.Template {
	out := make(map[string]*template.Template, len(bodies))
	for kind, body := range bodies {
		out[kind] = template.Must(template.New(kind).Parse(body))
	}
	return out
}
