package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	appErr "github.com/stackplane/controlplane/pkg/errors"
)

// Signature header format: "t=<unix>,v1=<hex hmac-sha256 of "<unix>.<body>">".
// The timestamp binds the signature to a delivery window so a captured
// payload cannot be replayed later.

const signatureTolerance = 5 * time.Minute

// VerifySignature checks the webhook signature before any state mutation.
// An unverifiable event is rejected, never processed.
func VerifySignature(secret []byte, header string, body []byte, now time.Time) error {
	if header == "" {
		return appErr.New(appErr.CodeUnauthorized, "missing webhook signature")
	}

	var ts int64
	var sig string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return appErr.New(appErr.CodeUnauthorized, "malformed signature timestamp")
			}
			ts = parsed
		case "v1":
			sig = v
		}
	}
	if ts == 0 || sig == "" {
		return appErr.New(appErr.CodeUnauthorized, "malformed webhook signature")
	}

	age := now.Sub(time.Unix(ts, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return appErr.New(appErr.CodeUnauthorized, "webhook signature outside tolerance")
	}

	expected := ComputeSignature(secret, ts, body)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return appErr.New(appErr.CodeUnauthorized, "webhook signature mismatch")
	}
	return nil
}

// ComputeSignature derives the v1 signature for a timestamp and body. Exposed
// so tests and the sending side compute identical digests.
func ComputeSignature(secret []byte, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
