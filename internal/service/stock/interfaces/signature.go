package interfaces

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// SignatureHeader 是支付方放签名的请求头
const SignatureHeader = "Stripe-Signature"

var (
	ErrMissingSignature  = errors.New("missing signature header")
	ErrInvalidSignature  = errors.New("invalid signature header")
	ErrSignatureMismatch = errors.New("no matching v1 signature")
	ErrSignatureExpired  = errors.New("signature timestamp outside tolerance")
)

// ComputeSignature 计算 hex(HMAC-SHA256(secret, "<t>.<payload>"))
func ComputeSignature(timestamp int64, payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature 校验形如 "t=1700000000,v1=abc...,v1=def..." 的签名头。
// tolerance 为 0 时不检查时间戳。
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	if header == "" {
		return ErrMissingSignature
	}

	var (
		timestamp  int64
		haveTime   bool
		signatures [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return errors.Wrap(ErrInvalidSignature, "bad timestamp")
			}
			timestamp, haveTime = ts, true
		case "v1":
			sig, err := hex.DecodeString(value)
			if err != nil {
				continue
			}
			signatures = append(signatures, sig)
		}
	}
	if !haveTime || len(signatures) == 0 {
		return ErrInvalidSignature
	}

	if tolerance > 0 {
		age := now.Sub(time.Unix(timestamp, 0))
		if age > tolerance || age < -tolerance {
			return ErrSignatureExpired
		}
	}

	expected, _ := hex.DecodeString(ComputeSignature(timestamp, payload, secret))
	for _, sig := range signatures {
		if hmac.Equal(expected, sig) {
			return nil
		}
	}
	return ErrSignatureMismatch
}
