package models

// GatewayNotification is the envelope the gateway POSTs to the notify URL.
type GatewayNotification struct {
	ID           string               `json:"id"`
	CreateTime   string               `json:"create_time"`
	EventType    string               `json:"event_type"` // e.g. "TRANSACTION.SUCCESS"
	ResourceType string               `json:"resource_type"`
	Summary      string               `json:"summary"`
	Resource     NotificationResource `json:"resource"`
}

// NotificationResource carries the AES-256-GCM sealed transaction.
type NotificationResource struct {
	Algorithm      string `json:"algorithm"` // AEAD_AES_256_GCM
	Ciphertext     string `json:"ciphertext"`
	AssociatedData string `json:"associated_data"`
	OriginalType   string `json:"original_type"`
	Nonce          string `json:"nonce"`
}

// GatewayTransaction is the decrypted resource, also returned by the
// gateway's order query endpoint.
type GatewayTransaction struct {
	AppID          string            `json:"appid"`
	MchID          string            `json:"mchid"`
	OutTradeNo     string            `json:"out_trade_no"`
	TransactionID  string            `json:"transaction_id"`
	TradeType      string            `json:"trade_type"`
	TradeState     string            `json:"trade_state"` // SUCCESS, NOTPAY, CLOSED, REVOKED, USERPAYING, PAYERROR
	TradeStateDesc string            `json:"trade_state_desc"`
	SuccessTime    string            `json:"success_time"`
	Amount         TransactionAmount `json:"amount"`
}

// TransactionAmount is expressed in minor units (fen).
type TransactionAmount struct {
	Total         int64  `json:"total"`
	PayerTotal    int64  `json:"payer_total"`
	Currency      string `json:"currency"`
	PayerCurrency string `json:"payer_currency"`
}

// Trade states reported by the gateway.
const (
	TradeStateSuccess    = "SUCCESS"
	TradeStateNotPay     = "NOTPAY"
	TradeStateClosed     = "CLOSED"
	TradeStateRevoked    = "REVOKED"
	TradeStateUserPaying = "USERPAYING"
	TradeStatePayError   = "PAYERROR"
)

// EventTransactionSuccess is the only event type that triggers activation.
const EventTransactionSuccess = "TRANSACTION.SUCCESS"
