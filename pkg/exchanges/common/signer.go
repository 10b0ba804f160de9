package common

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
)

const (
	// DefaultRecvWindow is the venue's default tolerance for request timestamps (ms).
	DefaultRecvWindow int64 = 5000
	// MaxRecvWindow is the largest recvWindow the venue accepts (ms).
	MaxRecvWindow int64 = 60000
)

// Sign returns the hex HMAC-SHA256 of payload keyed by secret.
func Sign(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Signer stamps and signs request parameters.
type Signer struct {
	secret     string
	recvWindow int64
	clock      func() int64
}

// NewSigner builds a signer. clock supplies venue-adjusted milliseconds; nil uses TimeSync-free
// local time.
func NewSigner(secret string, recvWindow int64, clock func() int64) *Signer {
	return &Signer{secret: secret, recvWindow: ClampRecvWindow(recvWindow), clock: clock}
}

// SignParams adds timestamp and recvWindow and appends the signature over the sorted,
// URL-encoded parameters. params is modified in place.
func (s *Signer) SignParams(params url.Values) url.Values {
	params.Set("timestamp", strconv.FormatInt(s.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(s.recvWindow, 10))
	params.Del("signature")
	params.Set("signature", Sign(params.Encode(), s.secret))
	return params
}

// SignLogon signs the persistent-connection authentication payload.
func (s *Signer) SignLogon(apiKey string) (timestamp int64, signature string) {
	timestamp = s.now()
	params := url.Values{}
	params.Set("apiKey", apiKey)
	params.Set("timestamp", strconv.FormatInt(timestamp, 10))
	return timestamp, Sign(params.Encode(), s.secret)
}

func (s *Signer) now() int64 {
	if s.clock != nil {
		return s.clock()
	}
	return nowMillis()
}

// ClampRecvWindow applies the default and the venue maximum.
func ClampRecvWindow(w int64) int64 {
	if w <= 0 {
		return DefaultRecvWindow
	}
	if w > MaxRecvWindow {
		return MaxRecvWindow
	}
	return w
}
