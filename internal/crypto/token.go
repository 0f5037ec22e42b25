package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrMalformedToken = errors.New("malformed token")

// AccessMessage builds the signed part of an access token: "<epochMillis>_<nonce>".
func AccessMessage(ts time.Time, nonce string) string {
	return strconv.FormatInt(ts.UnixMilli(), 10) + "_" + nonce
}

// NewAccessToken returns "message.signature" signed by the session key.
func NewAccessToken(session ed25519.PrivateKey, message string) string {
	return message + "." + Sign(session, []byte(message))
}

// ParseHTTPToken splits an Authorization value "address.message.signature".
func ParseHTTPToken(token string) (address, message, signature string, err error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("%w: expected address.message.signature", ErrMalformedToken)
	}
	return parts[0], parts[1], parts[2], nil
}

// ParseConnectToken splits a connection token "message.signature".
func ParseConnectToken(token string) (message, signature string, err error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: expected message.signature", ErrMalformedToken)
	}
	return parts[0], parts[1], nil
}

// MessageTime extracts the epoch-millis prefix of an access message.
func MessageTime(message string) (time.Time, error) {
	prefix, _, _ := strings.Cut(message, "_")
	ms, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid timestamp", ErrMalformedToken)
	}
	return time.UnixMilli(ms), nil
}

// DealJoin is the payload of a deal-room join token.
type DealJoin struct {
	SessionAddress    string
	EncryptionAddress string
	InnerSignature    string
}

// JoinMessage builds "<dealSessionPubkey>_<encryptionPubkey>_<innerSignature>"
// with the inner signature made by the per-deal session key itself.
func JoinMessage(dealSession ed25519.PrivateKey, encryptionAddress string) string {
	pub := dealSession.Public().(ed25519.PublicKey)
	inner := EncodeBase58(pub) + "_" + encryptionAddress
	return inner + "_" + Sign(dealSession, []byte(inner))
}

// ParseJoinMessage splits and verifies a join message, proving possession of
// the per-deal session key.
func ParseJoinMessage(message string) (DealJoin, error) {
	parts := strings.Split(message, "_")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return DealJoin{}, fmt.Errorf("%w: expected session_encryption_signature", ErrMalformedToken)
	}
	if _, err := DecodeBase58(parts[1]); err != nil {
		return DealJoin{}, fmt.Errorf("%w: encryption address: %v", ErrMalformedToken, err)
	}
	inner := parts[0] + "_" + parts[1]
	if err := VerifyWithAddress(parts[0], []byte(inner), parts[2]); err != nil {
		return DealJoin{}, err
	}
	return DealJoin{SessionAddress: parts[0], EncryptionAddress: parts[1], InnerSignature: parts[2]}, nil
}
