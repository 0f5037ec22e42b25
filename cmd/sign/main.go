package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/eldtechnologies/questrelay/internal/crypto"
)

func main() {
	sessionKey := flag.String("key", "", "Base58 Ed25519 session private key (or seed)")
	address := flag.String("address", "", "Wallet address the session is registered for")
	dealKey := flag.String("deal", "", "Base58 per-deal session private key; prints a deal join token")
	encryption := flag.String("encryption", "", "Base58 encryption address for -deal (default: derived from -deal key)")
	flag.Parse()

	if *sessionKey == "" || *address == "" {
		fmt.Fprintln(os.Stderr, "Usage: sign -key <session-key-base58> -address <wallet-address> [-deal <deal-key-base58> [-encryption <addr>]]")
		fmt.Fprintln(os.Stderr, "  Prints an Authorization header and a connection token")
		os.Exit(1)
	}

	session, err := crypto.ParsePrivateKey(*sessionKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid session key: %v\n", err)
		os.Exit(1)
	}

	if *dealKey != "" {
		deal, err := crypto.ParsePrivateKey(*dealKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid deal key: %v\n", err)
			os.Exit(1)
		}
		enc := *encryption
		if enc == "" {
			raw, err := crypto.X25519Public(deal)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to derive encryption key: %v\n", err)
				os.Exit(1)
			}
			enc = crypto.EncodeBase58(raw)
		}
		message := crypto.JoinMessage(deal, enc)
		fmt.Printf("Deal session: %s\n", crypto.EncodeBase58(deal.Public().(ed25519.PublicKey)))
		fmt.Printf("Authorization: %s.%s\n", *address, crypto.NewAccessToken(session, message))
		return
	}

	nonceBytes := make([]byte, 12)
	rand.Read(nonceBytes)
	message := crypto.AccessMessage(time.Now(), hex.EncodeToString(nonceBytes))
	token := crypto.NewAccessToken(session, message)

	fmt.Printf("Authorization: %s.%s\n", *address, token)
	fmt.Printf("User room token: ?token=%s\n", token)
	fmt.Printf("Deal room token: ?token=%s.%s\n", *address, token)
}
