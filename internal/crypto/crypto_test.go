package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"strings"
	"testing"
	"time"

	"github.com/mr-tron/base58"
)

func generateTestKeypair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return pub, priv
}

func sharedPair(t *testing.T) ([]byte, []byte) {
	t.Helper()
	_, alice := generateTestKeypair(t)
	_, bob := generateTestKeypair(t)

	bobX, err := X25519Public(bob)
	if err != nil {
		t.Fatal(err)
	}
	aliceX, err := X25519Public(alice)
	if err != nil {
		t.Fatal(err)
	}

	s1, err := SharedSecretWithX25519(alice, bobX)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := SharedSecretWithX25519(bob, aliceX)
	if err != nil {
		t.Fatal(err)
	}
	return s1, s2
}

func TestSharedSecretAgreement(t *testing.T) {
	s1, s2 := sharedPair(t)
	if !bytes.Equal(s1, s2) {
		t.Fatal("both sides should derive the same secret")
	}
	if len(s1) != 32 {
		t.Fatalf("expected 32-byte secret, got %d", len(s1))
	}
}

func TestSharedSecretWithSigningKey(t *testing.T) {
	alicePub, alice := generateTestKeypair(t)
	bobPub, bob := generateTestKeypair(t)

	s1, err := SharedSecretWithEd25519(alice, bobPub)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := SharedSecretWithEd25519(bob, alicePub)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(s1, s2) {
		t.Fatal("converted signing keys should agree")
	}

	// the converted public key must match the clamped scalar's public point
	bobX, _ := X25519Public(bob)
	conv, _ := PublicToX25519(bobPub)
	if !bytes.Equal(bobX, conv) {
		t.Fatal("public conversion does not match private conversion")
	}
}

func TestPrivateToX25519Clamp(t *testing.T) {
	_, priv := generateTestKeypair(t)
	fromSeed, err := PrivateToX25519(priv.Seed())
	if err != nil {
		t.Fatal(err)
	}
	fromFull, err := PrivateToX25519(priv)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(fromSeed, fromFull) {
		t.Fatal("seed and full key should convert identically")
	}
	if fromSeed[0]&7 != 0 || fromSeed[31]&128 != 0 || fromSeed[31]&64 == 0 {
		t.Fatalf("scalar not clamped: %x", fromSeed)
	}
	if _, err := PrivateToX25519(make([]byte, 16)); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestRoundTrip(t *testing.T) {
	secret, _ := sharedPair(t)

	for _, msg := range []string{"", "Hello Bob!", "Hello \U0001F30D❤️ 日本語", strings.Repeat("A", 8000)} {
		ct, err := Encrypt(msg, secret)
		if err != nil {
			t.Fatal(err)
		}
		pt, err := Decrypt(ct, secret)
		if err != nil {
			t.Fatal(err)
		}
		if pt != msg {
			t.Fatalf("expected %q, got %q", msg, pt)
		}
	}
}

func TestWireFormatStructure(t *testing.T) {
	secret, _ := sharedPair(t)
	ct, err := Encrypt("test", secret)
	if err != nil {
		t.Fatal(err)
	}
	nonceB58, bodyB58, ok := strings.Cut(ct, ".")
	if !ok {
		t.Fatalf("missing separator in %q", ct)
	}
	nonce, _ := base58.Decode(nonceB58)
	body, _ := base58.Decode(bodyB58)
	if len(nonce) != 12 {
		t.Fatalf("expected 12-byte nonce, got %d", len(nonce))
	}
	// 4 (plaintext) + 16 (tag)
	if len(body) != 20 {
		t.Fatalf("expected body length 20, got %d", len(body))
	}
}

func TestDifferentCiphertexts(t *testing.T) {
	secret, _ := sharedPair(t)
	ct1, _ := Encrypt("same", secret)
	ct2, _ := Encrypt("same", secret)
	if ct1 == ct2 {
		t.Fatal("ciphertexts should differ for same plaintext")
	}
}

func TestWrongKeyFails(t *testing.T) {
	secret, _ := sharedPair(t)
	other, _ := sharedPair(t)

	ct, _ := Encrypt("secret", secret)
	pt, err := Decrypt(ct, other)
	if err == nil {
		t.Fatal("expected error with wrong key")
	}
	if pt != "" {
		t.Fatalf("expected no plaintext, got %q", pt)
	}
	if !IsCryptoError(err) {
		t.Fatalf("expected CryptoError, got %T", err)
	}
}

func TestTamperedCiphertext(t *testing.T) {
	secret, _ := sharedPair(t)
	ct, _ := Encrypt("secret message", secret)
	nonceB58, bodyB58, _ := strings.Cut(ct, ".")
	body, _ := base58.Decode(bodyB58)

	for i := range body {
		tampered := append([]byte(nil), body...)
		tampered[i] ^= 0x01
		_, err := Decrypt(nonceB58+"."+base58.Encode(tampered), secret)
		if err == nil {
			t.Fatalf("expected error after flipping byte %d", i)
		}
	}
}

func TestMalformedCiphertext(t *testing.T) {
	secret, _ := sharedPair(t)
	cases := []string{"", "nodot", ".", "abc.", ".abc", "0OIl.abc", base58.Encode(make([]byte, 12)) + "." + base58.Encode(make([]byte, 4))}
	for _, c := range cases {
		if _, err := Decrypt(c, secret); err == nil {
			t.Fatalf("expected error for %q", c)
		}
	}
	if _, err := Encrypt("x", make([]byte, 16)); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestAccessTokenVerifies(t *testing.T) {
	pub, priv := generateTestKeypair(t)
	address := EncodeBase58(pub)

	message := AccessMessage(time.Now(), "nonce123")
	token := address + "." + NewAccessToken(priv, message)

	addr, msg, sig, err := ParseHTTPToken(token)
	if err != nil {
		t.Fatal(err)
	}
	if addr != address || msg != message {
		t.Fatalf("unexpected parse result %q %q", addr, msg)
	}
	if err := VerifyWithAddress(address, []byte(msg), sig); err != nil {
		t.Fatalf("expected valid token: %v", err)
	}

	// flip every byte of the message
	for i := range msg {
		b := []byte(msg)
		b[i] ^= 0x01
		if err := VerifySignature(pub, b, sig); err == nil {
			t.Fatalf("flipped message byte %d still verifies", i)
		}
	}

	// flip every byte of the signature
	raw, _ := base58.Decode(sig)
	for i := range raw {
		b := append([]byte(nil), raw...)
		b[i] ^= 0x01
		if err := VerifySignature(pub, []byte(msg), base58.Encode(b)); err == nil {
			t.Fatalf("flipped signature byte %d still verifies", i)
		}
	}
}

func TestParseTokens(t *testing.T) {
	if _, _, _, err := ParseHTTPToken("a.b"); err == nil {
		t.Fatal("expected error for two-part http token")
	}
	if _, _, _, err := ParseHTTPToken("a..c"); err == nil {
		t.Fatal("expected error for empty message")
	}
	if _, _, err := ParseConnectToken("a.b.c"); err == nil {
		t.Fatal("expected error for three-part connect token")
	}

	now := time.UnixMilli(1700000000123)
	ts, err := MessageTime(AccessMessage(now, "n"))
	if err != nil {
		t.Fatal(err)
	}
	if !ts.Equal(now) {
		t.Fatalf("expected %v, got %v", now, ts)
	}
	if _, err := MessageTime("notanumber_n"); err == nil {
		t.Fatal("expected error for non-numeric timestamp")
	}
}

func TestJoinMessage(t *testing.T) {
	_, dealKey := generateTestKeypair(t)
	encX, _ := X25519Public(dealKey)
	enc := EncodeBase58(encX)

	msg := JoinMessage(dealKey, enc)
	join, err := ParseJoinMessage(msg)
	if err != nil {
		t.Fatal(err)
	}
	if join.SessionAddress != EncodeBase58(dealKey.Public().(ed25519.PublicKey)) {
		t.Fatal("session address mismatch")
	}
	if join.EncryptionAddress != enc {
		t.Fatal("encryption address mismatch")
	}

	// inner signature from a different key must be rejected
	_, other := generateTestKeypair(t)
	forged := join.SessionAddress + "_" + enc + "_" + Sign(other, []byte(join.SessionAddress+"_"+enc))
	if _, err := ParseJoinMessage(forged); err == nil {
		t.Fatal("expected forged inner signature to fail")
	}
}

func TestChainHash(t *testing.T) {
	seedRaw := sha256.Sum256([]byte("proposal"))
	seed := base58.Encode(seedRaw[:])

	h, err := ChainHash(seed, "abc.def")
	if err != nil {
		t.Fatal(err)
	}

	want := sha256.Sum256(append(seedRaw[:], []byte("abc.def")...))
	if h != base58.Encode(want[:]) {
		t.Fatalf("unexpected chain hash %s", h)
	}

	if _, err := ChainHash("", "x"); err == nil {
		t.Fatal("expected error for empty prev hash")
	}
}

func TestContentKey(t *testing.T) {
	want := sha256.Sum256([]byte("idtitledescr10"))
	if got := ContentKey("id", "title", "descr", "10"); got != base58.Encode(want[:]) {
		t.Fatalf("unexpected content key %s", got)
	}
}
