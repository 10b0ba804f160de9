package main

// issue_license/main.go
//
// Operator tool for license tokens.
//
// Generate a key pair (the public half goes to LICENSE_JWT_PUBLIC_KEY on the proxy):
//
//   go run ./scripts/issue_license -genkey -out ./keys
//
// Sign a token for one install:
//
//   go run ./scripts/issue_license -key ./keys/license_private.pem \
//       -install <install id> -plan pro -scopes mainnet -ttl 720h \
//       -iss execution-core -aud execution-proxy

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"execution-core/pkg/license"
	"execution-core/pkg/logging"
)

func main() {
	genKey := flag.Bool("genkey", false, "generate an RSA key pair instead of a token")
	bits := flag.Int("bits", 2048, "RSA key size for -genkey")
	outDir := flag.String("out", ".", "directory for generated keys")
	keyPath := flag.String("key", "", "PEM private key used to sign")
	issuer := flag.String("iss", "", "issuer claim")
	audience := flag.String("aud", "", "audience claim")
	subject := flag.String("sub", "", "subject claim (customer reference)")
	installID := flag.String("install", "", "install id the token is bound to")
	plan := flag.String("plan", "pro", "plan name")
	scopes := flag.String("scopes", license.ScopeMainnet, "comma separated scopes")
	ttl := flag.Duration("ttl", 30*24*time.Hour, "token lifetime")
	flag.Parse()

	logging.Setup("info", true)

	if *genKey {
		if err := writeKeyPair(*outDir, *bits); err != nil {
			log.Fatal().Err(err).Msg("key generation failed")
		}
		return
	}

	if *keyPath == "" {
		flag.Usage()
		os.Exit(2)
	}
	pemBytes, err := os.ReadFile(*keyPath)
	if err != nil {
		log.Fatal().Err(err).Str("key", *keyPath).Msg("read private key")
	}
	key, err := license.ParsePrivateKey(string(pemBytes))
	if err != nil {
		log.Fatal().Err(err).Msg("parse private key")
	}

	token, err := license.CreateToken(key, license.IssueOptions{
		Issuer:    *issuer,
		Audience:  *audience,
		Subject:   *subject,
		InstallID: *installID,
		Plan:      *plan,
		Scopes:    splitScopes(*scopes),
		TTL:       *ttl,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("sign token")
	}
	state := license.Inspect(token)
	log.Info().Str("plan", state.Plan).Strs("scopes", state.Scopes).Dur("ttl", *ttl).Msg("license issued")
	fmt.Println(token)
}

func writeKeyPair(dir string, bits int) error {
	priv, pub, err := license.GenerateKeyPair(bits)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	privPath := filepath.Join(dir, "license_private.pem")
	pubPath := filepath.Join(dir, "license_public.pem")
	if err := os.WriteFile(privPath, []byte(priv), 0o600); err != nil {
		return err
	}
	if err := os.WriteFile(pubPath, []byte(pub), 0o644); err != nil {
		return err
	}
	log.Info().Str("private", privPath).Str("public", pubPath).Int("bits", bits).Msg("key pair written")
	return nil
}

func splitScopes(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
