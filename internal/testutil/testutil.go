// Package testutil holds fixtures shared by package tests: throwaway RSA
// keys, gateway credentials, SQLite databases and sealed callbacks.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"journal-billing/internal/config"
	"journal-billing/internal/database"
	"journal-billing/internal/models"
	"journal-billing/internal/signing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	APIv3Key       = "0123456789abcdef0123456789abcdef"
	PlatformSerial = "PLATFORM-SERIAL-1"
)

var (
	keysOnce    sync.Once
	merchantKey *rsa.PrivateKey
	platformKey *rsa.PrivateKey
)

func keys() (*rsa.PrivateKey, *rsa.PrivateKey) {
	keysOnce.Do(func() {
		var err error
		if merchantKey, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
		if platformKey, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
	})
	return merchantKey, platformKey
}

// Gateway bundles merchant credentials with the platform private key that
// tests use to sign callbacks the way the gateway would.
type Gateway struct {
	Config      *config.Gateway
	PlatformKey *rsa.PrivateKey
}

// NewGateway returns valid credentials pointing at baseURL.
func NewGateway(t *testing.T, baseURL string) *Gateway {
	t.Helper()
	merchant, platform := keys()
	cfg := &config.Gateway{
		BaseURL:           baseURL,
		AppID:             "wxd678efh567hg6787",
		MchID:             "1230000109",
		SerialNo:          "MERCHANT-SERIAL-1",
		NotifyURL:         "https://billing.example.com/api/payments/notify",
		PlatformSerial:    PlatformSerial,
		PrivateKey:        merchant,
		PlatformPublicKey: &platform.PublicKey,
		APIv3Key:          []byte(APIv3Key),
	}
	require.NoError(t, cfg.Validate())
	return &Gateway{Config: cfg, PlatformKey: platform}
}

// OpenDB returns a migrated SQLite database in a temp dir.
func OpenDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "billing.db"), logger.Silent)
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))
	t.Cleanup(func() { database.Close(db, nil) })
	return db
}

// Notification builds a callback body for tx, sealed with the API v3 key.
func (g *Gateway) Notification(t *testing.T, eventType string, tx models.GatewayTransaction) []byte {
	t.Helper()
	plaintext, err := json.Marshal(tx)
	require.NoError(t, err)

	const nonce = "fdasflkja484"
	ciphertext, err := signing.EncryptAEAD(plaintext, "transaction", nonce, g.Config.APIv3Key)
	require.NoError(t, err)

	body, err := json.Marshal(models.GatewayNotification{
		ID:           "EV-2018022511223320873",
		CreateTime:   "2024-01-01T00:00:00+08:00",
		EventType:    eventType,
		ResourceType: "encrypt-resource",
		Summary:      "payment success",
		Resource: models.NotificationResource{
			Algorithm:      "AEAD_AES_256_GCM",
			Ciphertext:     ciphertext,
			AssociatedData: "transaction",
			OriginalType:   "transaction",
			Nonce:          nonce,
		},
	})
	require.NoError(t, err)
	return body
}

// SignedHeaders returns the callback headers for body signed with the
// platform key.
func (g *Gateway) SignedHeaders(t *testing.T, body []byte) http.Header {
	t.Helper()
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	nonce := "nonce-" + ts
	sig, err := signing.Sign(signing.BuildVerifyString(ts, nonce, string(body)), g.PlatformKey)
	require.NoError(t, err)

	h := http.Header{}
	h.Set("Wechatpay-Signature", sig)
	h.Set("Wechatpay-Timestamp", ts)
	h.Set("Wechatpay-Nonce", nonce)
	h.Set("Wechatpay-Serial", PlatformSerial)
	h.Set("Content-Type", "application/json")
	return h
}

// SuccessTransaction is a decrypted TRANSACTION.SUCCESS resource.
func SuccessTransaction(outTradeNo, transactionID string, total int64) models.GatewayTransaction {
	return models.GatewayTransaction{
		AppID:          "wxd678efh567hg6787",
		MchID:          "1230000109",
		OutTradeNo:     outTradeNo,
		TransactionID:  transactionID,
		TradeType:      models.TradeTypeNative,
		TradeState:     models.TradeStateSuccess,
		TradeStateDesc: "支付成功",
		SuccessTime:    "2024-01-01T00:00:05+08:00",
		Amount:         models.TransactionAmount{Total: total, PayerTotal: total, Currency: "CNY", PayerCurrency: "CNY"},
	}
}
