package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
)

const SecretKeyBytesLen = 32

func main() {
	if err := run(os.Stdout, rand.Reader, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error while generating secret key: %v\n", err)
		os.Exit(1)
	}
}

func run(out io.Writer, random io.Reader, args []string) error {
	fs := pflag.NewFlagSet("gensecret", pflag.ContinueOnError)
	alg := fs.String("alg", "hs256", "Key kind: hs256 (shared secret) or ed25519 (PEM key pair)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	switch *alg {
	case "hs256":
		b := make([]byte, SecretKeyBytesLen)
		if _, err := io.ReadFull(random, b); err != nil {
			return err
		}
		_, err := fmt.Fprintln(out, hex.EncodeToString(b))
		return err

	case "ed25519":
		public, private, err := ed25519.GenerateKey(random)
		if err != nil {
			return err
		}
		privateDER, err := x509.MarshalPKCS8PrivateKey(private)
		if err != nil {
			return err
		}
		publicDER, err := x509.MarshalPKIXPublicKey(public)
		if err != nil {
			return err
		}

		if err := pem.Encode(out, &pem.Block{Type: "PRIVATE KEY", Bytes: privateDER}); err != nil {
			return err
		}
		return pem.Encode(out, &pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})

	default:
		return fmt.Errorf("unknown alg %q", *alg)
	}
}
