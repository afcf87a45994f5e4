package gateway

// Wire shapes of the gateway HTTP API. Amounts are in minor units.

type OrderLine struct {
	Type           string `json:"type"`
	Reference      string `json:"reference"`
	Name           string `json:"name"`
	Quantity       int    `json:"quantity"`
	UnitPrice      int64  `json:"unit_price"`
	TaxRate        int64  `json:"tax_rate"`
	TotalAmount    int64  `json:"total_amount"`
	TotalTaxAmount int64  `json:"total_tax_amount"`
}

type MerchantURLsPayload struct {
	Confirmation string `json:"confirmation,omitempty"`
	Notification string `json:"notification,omitempty"`
	Terms        string `json:"terms,omitempty"`
}

type OrderPayload struct {
	PurchaseCountry    string              `json:"purchase_country"`
	PurchaseCurrency   string              `json:"purchase_currency"`
	Locale             string              `json:"locale"`
	OrderAmount        int64               `json:"order_amount"`
	OrderTaxAmount     int64               `json:"order_tax_amount"`
	OrderLines         []OrderLine         `json:"order_lines"`
	MerchantURLs       MerchantURLsPayload `json:"merchant_urls"`
	MerchantReference1 string              `json:"merchant_reference1,omitempty"`
	MerchantReference2 string              `json:"merchant_reference2,omitempty"`
}

type PaymentMethodCategory struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
}

type SessionPayload struct {
	SessionID               string                  `json:"session_id"`
	ClientToken             string                  `json:"client_token"`
	PaymentMethodCategories []PaymentMethodCategory `json:"payment_method_categories"`
}

type AuthorizationPayload struct {
	OrderID                 string `json:"order_id"`
	RedirectURL             string `json:"redirect_url,omitempty"`
	FraudStatus             string `json:"fraud_status,omitempty"`
	AuthorizedPaymentMethod struct {
		Type string `json:"type"`
	} `json:"authorized_payment_method"`
}

type CapturePayload struct {
	CapturedAmount int64  `json:"captured_amount"`
	Description    string `json:"description,omitempty"`
}

type ErrorPayload struct {
	ErrorCode     string   `json:"error_code"`
	ErrorMessage  string   `json:"error_message,omitempty"`
	ErrorMessages []string `json:"error_messages,omitempty"`
	CorrelationID string   `json:"correlation_id,omitempty"`
}
