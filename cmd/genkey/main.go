package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"

	"github.com/eldtechnologies/questrelay/internal/crypto"
)

func main() {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}

	enc, err := crypto.X25519Public(priv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to derive encryption key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Public key (base58):     %s\n", crypto.EncodeBase58(pub))
	fmt.Printf("Private key (base58):    %s\n", crypto.EncodeBase58(priv))
	fmt.Printf("Encryption key (base58): %s\n", crypto.EncodeBase58(enc))
}
