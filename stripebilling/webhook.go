package stripebilling

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const signatureTolerance = 5 * time.Minute

var (
	ErrMissingSignature = errors.New("missing stripe-signature header")
	ErrInvalidSignature = errors.New("webhook signature verification failed")
)

// VerifySignature checks a Stripe-Signature header (t=...,v1=...) against
// the payload: HMAC-SHA256 over "timestamp.payload" with the endpoint
// secret, constant-time compare, timestamps older than the tolerance
// rejected to stop replays.
func VerifySignature(payload []byte, header, secret string) error {
	return verifySignatureAt(payload, header, secret, time.Now())
}

func verifySignatureAt(payload []byte, header, secret string, now time.Time) error {
	if strings.TrimSpace(header) == "" {
		return ErrMissingSignature
	}

	timestamp, signatures, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}
	if now.Sub(timestamp) > signatureTolerance || timestamp.Sub(now) > signatureTolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	expected := computeSignature(timestamp, payload, secret)
	for _, sig := range signatures {
		if hmac.Equal(expected, sig) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// parseSignatureHeader splits "t=1710000000,v1=abc,v1=def" into the signed
// timestamp and the candidate v1 signatures. Other schemes are ignored.
func parseSignatureHeader(header string) (time.Time, [][]byte, error) {
	var timestamp time.Time
	var signatures [][]byte

	for _, pair := range strings.Split(header, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 {
			continue
		}
		switch parts[0] {
		case "t":
			seconds, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return time.Time{}, nil, fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
			}
			timestamp = time.Unix(seconds, 0)
		case "v1":
			sig, err := hex.DecodeString(parts[1])
			if err != nil {
				continue
			}
			signatures = append(signatures, sig)
		}
	}

	if timestamp.IsZero() {
		return time.Time{}, nil, fmt.Errorf("%w: no timestamp", ErrInvalidSignature)
	}
	if len(signatures) == 0 {
		return time.Time{}, nil, fmt.Errorf("%w: no v1 signatures", ErrInvalidSignature)
	}
	return timestamp, signatures, nil
}

func computeSignature(timestamp time.Time, payload []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", timestamp.Unix(), payload)
	return mac.Sum(nil)
}

// SignPayload builds a valid Stripe-Signature header for the payload. Used
// by tests and the dev tooling to fabricate deliveries.
func SignPayload(payload []byte, secret string, at time.Time) string {
	sig := computeSignature(at, payload, secret)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(sig))
}
