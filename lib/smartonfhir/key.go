package smartonfhir

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/SanteonNL/orca/bserengine/lib/az/azkeyvault"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/rs/zerolog/log"
)

// KeyConfig configures where the client assertion signing key is held.
type KeyConfig struct {
	// File is the path of a private key in JWK or PEM format.
	File          string              `koanf:"file"`
	AzureKeyVault AzureKeyVaultConfig `koanf:"azurekeyvault"`
}

type AzureKeyVaultConfig struct {
	URL            string `koanf:"url"`
	Name           string `koanf:"name"`
	CredentialType string `koanf:"credentialtype"`
}

// LoadSigningKey loads the key from Azure Key Vault if configured, otherwise from file.
func LoadSigningKey(config KeyConfig, strictMode bool) (SigningKey, error) {
	if config.AzureKeyVault.URL != "" {
		client, err := azkeyvault.NewKeysClient(config.AzureKeyVault.URL, config.AzureKeyVault.CredentialType, !strictMode)
		if err != nil {
			return nil, err
		}
		key, err := azkeyvault.GetKey(client, config.AzureKeyVault.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to get key (name: %s): %w", config.AzureKeyVault.Name, err)
		}
		log.Info().
			Str("key_name", key.KeyName()).
			Str("key_version", key.KeyVersion()).
			Str("jwk_key_id", key.KeyID()).
			Msg("Loaded SMART on FHIR client assertion signing key from Azure Key Vault")
		return key, nil
	}
	if config.File == "" {
		return nil, errors.New("no signing key configured")
	}
	data, err := os.ReadFile(config.File)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	return ParseSigningKey(data)
}

// ParseSigningKey parses a private key in JWK or PEM format. If the key has no alg, RSA keys sign with RS384
// and EC keys with the ES algorithm matching their curve. If it has no kid, its SHA-256 thumbprint is used.
func ParseSigningKey(data []byte) (SigningKey, error) {
	key, err := jwk.ParseKey(data)
	if err != nil {
		key, err = jwk.ParseKey(data, jwk.WithPEM(true))
		if err != nil {
			return nil, fmt.Errorf("parse signing key: %w", err)
		}
	}
	var signer crypto.Signer
	if err := key.Raw(&signer); err != nil {
		return nil, fmt.Errorf("signing key is not a private key: %w", err)
	}
	if key.Algorithm().String() == "" {
		alg, err := defaultAlgorithm(signer)
		if err != nil {
			return nil, err
		}
		if err := key.Set(jwk.AlgorithmKey, alg); err != nil {
			return nil, err
		}
	}
	if key.KeyID() == "" {
		thumbprint, err := key.Thumbprint(crypto.SHA256)
		if err != nil {
			return nil, err
		}
		if err := key.Set(jwk.KeyIDKey, fmt.Sprintf("%x", thumbprint)); err != nil {
			return nil, err
		}
	}
	return jwkSigningKey{key: key, signer: signer}, nil
}

func defaultAlgorithm(signer crypto.Signer) (jwa.SignatureAlgorithm, error) {
	switch k := signer.(type) {
	case *ecdsa.PrivateKey:
		switch k.Curve {
		case elliptic.P256():
			return jwa.ES256, nil
		case elliptic.P384():
			return jwa.ES384, nil
		case elliptic.P521():
			return jwa.ES512, nil
		}
		return "", fmt.Errorf("unsupported curve: %s", k.Curve.Params().Name)
	case *rsa.PrivateKey:
		return jwa.RS384, nil
	default:
		return "", fmt.Errorf("unsupported key type: %T", signer)
	}
}

var _ SigningKey = jwkSigningKey{}

type jwkSigningKey struct {
	key    jwk.Key
	signer crypto.Signer
}

func (j jwkSigningKey) Sign(random io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	ecKey, ok := j.signer.(*ecdsa.PrivateKey)
	if !ok {
		return j.signer.Sign(random, digest, opts)
	}
	// JWS encodes ECDSA signatures as r||s instead of ASN.1
	r, s, err := ecdsa.Sign(random, ecKey, digest)
	if err != nil {
		return nil, err
	}
	size := (ecKey.Curve.Params().BitSize + 7) / 8
	signature := make([]byte, 2*size)
	r.FillBytes(signature[:size])
	s.FillBytes(signature[size:])
	return signature, nil
}

func (j jwkSigningKey) Public() crypto.PublicKey {
	return j.signer.Public()
}

func (j jwkSigningKey) SigningAlgorithm() string {
	return j.key.Algorithm().String()
}

func (j jwkSigningKey) KeyID() string {
	return j.key.KeyID()
}
