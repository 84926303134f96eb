// Package azkeyvault provides signing keys held in Azure Key Vault. Private key material never leaves the vault.
package azkeyvault

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azkeys"
	"github.com/rs/zerolog/log"
)

const AzureKeyVaultTimeout = 10 * time.Second

var AzureHttpRequestDoer HttpRequestDoer = http.DefaultClient

type HttpRequestDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// KeysClient is the subset of azkeys.Client used for signing.
type KeysClient interface {
	GetKey(ctx context.Context, name string, version string, options *azkeys.GetKeyOptions) (azkeys.GetKeyResponse, error)
	Sign(ctx context.Context, name string, version string, parameters azkeys.SignParameters, options *azkeys.SignOptions) (azkeys.SignResponse, error)
}

var _ KeysClient = &azkeys.Client{}

func NewKeysClient(keyVaultURL string, credentialType string, insecure bool) (*azkeys.Client, error) {
	cred, err := createCredential(credentialType)
	if err != nil {
		return nil, fmt.Errorf("unable to acquire Azure credential: %w", err)
	}
	clientOptions := &azkeys.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Transport: AzureHttpRequestDoer,
		},
	}
	if insecure {
		clientOptions.InsecureAllowCredentialWithHTTP = true
	}
	return azkeys.NewClient(keyVaultURL, cred, clientOptions) // never returns an error
}

func createCredential(credentialType string) (azcore.TokenCredential, error) {
	switch credentialType {
	case "", "default":
		return azidentity.NewDefaultAzureCredential(nil)
	case "cli":
		return azidentity.NewAzureCLICredential(nil)
	case "managed_identity":
		opts := &azidentity.ManagedIdentityCredentialOptions{}
		// For UserAssignedManagedIdentity, client ID needs to be explicitly set.
		if ID, ok := os.LookupEnv("AZURE_CLIENT_ID"); ok {
			log.Debug().Msg("Azure: configuring UserAssignedManagedIdentity (using AZURE_CLIENT_ID) for Azure Key Vault client.")
			opts.ID = azidentity.ClientID(ID)
		}
		return azidentity.NewManagedIdentityCredential(opts)
	default:
		return nil, fmt.Errorf("unsupported Azure Key Vault credential type: %s", credentialType)
	}
}
