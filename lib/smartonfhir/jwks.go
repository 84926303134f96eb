package smartonfhir

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/rs/zerolog/log"
)

// PublicKeySet returns the JWK set of the public keys, so authorization servers can verify the client assertions.
func PublicKeySet(keys ...SigningKey) (jwk.Set, error) {
	set := jwk.NewSet()
	for _, key := range keys {
		publicKey, err := jwk.FromRaw(key.Public())
		if err != nil {
			return nil, fmt.Errorf("public key (kid=%s): %w", key.KeyID(), err)
		}
		if err := publicKey.Set(jwk.KeyIDKey, key.KeyID()); err != nil {
			return nil, err
		}
		if err := publicKey.Set(jwk.AlgorithmKey, key.SigningAlgorithm()); err != nil {
			return nil, err
		}
		if err := publicKey.Set(jwk.KeyUsageKey, jwk.ForSignature); err != nil {
			return nil, err
		}
		if err := set.AddKey(publicKey); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// JWKSHandler serves the JWK set.
func JWKSHandler(set jwk.Set) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "max-age=3600")
		if err := json.NewEncoder(w).Encode(set); err != nil {
			log.Ctx(r.Context()).Err(err).Msg("Failed to write JWKS response")
		}
	}
}
