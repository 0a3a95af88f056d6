// Package paymenttest provides helpers for tests that exercise the Stripe
// adapter with real signatures and payloads.
package paymenttest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// SignStripePayload returns a Stripe-Signature header value for payload.
func SignStripePayload(payload []byte, secret string, at time.Time) string {
	ts := at.Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = fmt.Fprintf(mac, "%d.", ts)
	_, _ = mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

// Session describes the checkout session embedded in a test event.
type Session struct {
	ID            string
	PaymentIntent string
	PaymentStatus string
	AmountTotal   int64
	Currency      string
}

// SessionEvent renders a checkout.session.* event body.
func SessionEvent(eventID, eventType string, s Session) []byte {
	obj := map[string]any{
		"id":             s.ID,
		"object":         "checkout.session",
		"payment_status": s.PaymentStatus,
		"status":         "complete",
		"amount_total":   s.AmountTotal,
		"currency":       s.Currency,
	}
	if s.PaymentIntent != "" {
		obj["payment_intent"] = s.PaymentIntent
	}
	return event(eventID, eventType, obj)
}

// IntentEvent renders a payment_intent.* event body.
func IntentEvent(eventID, eventType, intentID, status string, amount int64) []byte {
	return event(eventID, eventType, map[string]any{
		"id":       intentID,
		"object":   "payment_intent",
		"status":   status,
		"amount":   amount,
		"currency": "usd",
	})
}

func event(id, typ string, obj map[string]any) []byte {
	body, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        typ,
		"created":     time.Now().Unix(),
		"livemode":    false,
		"api_version": "2024-09-30.acacia",
		"data":        map[string]any{"object": obj},
	})
	if err != nil {
		panic(err)
	}
	return body
}
