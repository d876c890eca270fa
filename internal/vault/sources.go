package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
)

// StaticSource returns key material already read from the environment.
type StaticSource string

func (s StaticSource) Secret(context.Context) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", ErrMissingSecret
	}
	return string(s), nil
}

// FileSource reads key material from a mounted secret file.
type FileSource struct {
	Path string
}

func (f FileSource) Secret(context.Context) (string, error) {
	if f.Path == "" {
		return "", ErrMissingSecret
	}
	raw, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s not found", ErrMissingSecret, f.Path)
	}
	if err != nil {
		return "", fmt.Errorf("read vault secret file: %w", err)
	}
	return string(raw), nil
}

type secretGetter interface {
	GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
}

// AzureKeyVaultSource reads key material from an Azure Key Vault secret.
type AzureKeyVaultSource struct {
	SecretName string
	client     secretGetter
}

// NewAzureKeyVaultSource authenticates with the default Azure credential chain.
func NewAzureKeyVaultSource(vaultURL, secretName string) (*AzureKeyVaultSource, error) {
	if vaultURL == "" || secretName == "" {
		return nil, ErrMissingSecret
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("azure credential: %w", err)
	}
	client, err := azsecrets.NewClient(vaultURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azure key vault client: %w", err)
	}
	return &AzureKeyVaultSource{SecretName: secretName, client: client}, nil
}

func (a *AzureKeyVaultSource) Secret(ctx context.Context) (string, error) {
	resp, err := a.client.GetSecret(ctx, a.SecretName, "", nil)
	if err != nil {
		return "", fmt.Errorf("fetch secret %s: %w", a.SecretName, err)
	}
	if resp.Value == nil || strings.TrimSpace(*resp.Value) == "" {
		return "", fmt.Errorf("%w: secret %s is empty", ErrMissingSecret, a.SecretName)
	}
	return *resp.Value, nil
}
