package azkeyvault

import (
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azkeys"
	"github.com/SanteonNL/orca/bserengine/lib/to"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

var _ crypto.Signer = &Key{}

// Key is a JWS signing key in Azure Key Vault. Signatures are in JWS format (r||s for EC keys).
type Key struct {
	keyName    string
	keyVersion string
	asJwk      jwk.Key
	publicKey  crypto.PublicKey
	client     KeysClient
}

// GetKey reads the latest version of the key from Azure Key Vault. RSA keys sign with RS384,
// EC keys with the ES algorithm matching their curve.
func GetKey(client KeysClient, keyName string) (*Key, error) {
	ctx, cancel := context.WithTimeout(context.Background(), AzureKeyVaultTimeout)
	defer cancel()

	keyResponse, err := client.GetKey(ctx, keyName, "", nil)
	if err != nil {
		return nil, fmt.Errorf("unable to get key from Azure KeyVault: %w", err)
	}
	key := keyResponse.Key
	if key == nil {
		return nil, errors.New("unable to get key from Azure KeyVault: empty response")
	}
	jwkBytes, _ := json.Marshal(key)
	parsedKey, err := jwk.ParseKey(jwkBytes)
	if err != nil {
		return nil, fmt.Errorf("unable to parse key from Azure KeyVault: %w", err)
	}
	if err := setKeyAlg(parsedKey, key); err != nil {
		return nil, fmt.Errorf("unable to set JWK alg: %w", err)
	}
	publicKeyJWK, err := parsedKey.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("unable to parse public key from Azure KeyVault: %w", err)
	}
	// Use thumbprint as key ID, to avoid leaking Azure network information through the key ID
	thumbprint, err := publicKeyJWK.Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, err
	}
	if err := parsedKey.Set(jwk.KeyIDKey, fmt.Sprintf("%x", thumbprint)); err != nil {
		return nil, err
	}
	var publicKey crypto.PublicKey
	if err = publicKeyJWK.Raw(&publicKey); err != nil {
		return nil, fmt.Errorf("unable to parse public key from Azure KeyVault: %w", err)
	}
	result := &Key{
		keyName:   keyName,
		asJwk:     parsedKey,
		publicKey: publicKey,
		client:    client,
	}
	if key.KID != nil {
		result.keyName = key.KID.Name()
		result.keyVersion = key.KID.Version()
	}
	return result, nil
}

// Sign signs the digest in Azure Key Vault, using the key's signing algorithm.
func (k Key) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), AzureKeyVaultTimeout)
	defer cancel()

	if opts != nil && opts.HashFunc() == 0 {
		return nil, errors.New("hashing should've been done")
	}
	response, err := k.client.Sign(ctx, k.keyName, k.keyVersion, azkeys.SignParameters{
		Algorithm: to.Ptr(azkeys.SignatureAlgorithm(k.SigningAlgorithm())),
		Value:     digest,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to sign with Azure KeyVault: %w", err)
	}
	return response.Result, nil
}

func (k Key) Public() crypto.PublicKey {
	return k.publicKey
}

func (k Key) SigningAlgorithm() string {
	return k.asJwk.Algorithm().String()
}

func (k Key) KeyID() string {
	return k.asJwk.KeyID()
}

func (k Key) KeyName() string {
	return k.keyName
}

func (k Key) KeyVersion() string {
	return k.keyVersion
}

func setKeyAlg(parsedKey jwk.Key, key *azkeys.JSONWebKey) error {
	switch parsedKey.KeyType() {
	case jwa.EC:
		if key.Crv == nil {
			return errors.New("EC key without curve")
		}
		switch *key.Crv {
		case azkeys.CurveNameP256:
			return parsedKey.Set(jwk.AlgorithmKey, jwa.ES256)
		case azkeys.CurveNameP384:
			return parsedKey.Set(jwk.AlgorithmKey, jwa.ES384)
		case azkeys.CurveNameP521:
			return parsedKey.Set(jwk.AlgorithmKey, jwa.ES512)
		default:
			return fmt.Errorf("unsupported curve: %s", *key.Crv)
		}
	case jwa.RSA:
		return parsedKey.Set(jwk.AlgorithmKey, jwa.RS384)
	default:
		return fmt.Errorf("unsupported key type: %s", parsedKey.KeyType())
	}
}
