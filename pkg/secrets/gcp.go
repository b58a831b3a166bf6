// Package secrets reads broker credentials from GCP Secret Manager.
package secrets

import (
	"context"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/sirupsen/logrus"
)

// Source returns the latest value of a named secret.
type Source interface {
	GetSecret(ctx context.Context, secretName string) (string, error)
}

type GCPSecretManager struct {
	client    *secretmanager.Client
	projectID string
	logger    *logrus.Logger
}

func NewGCPSecretManager(ctx context.Context, projectID string, logger *logrus.Logger) (*GCPSecretManager, error) {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create secretmanager client: %w", err)
	}

	return &GCPSecretManager{
		client:    client,
		projectID: projectID,
		logger:    logger,
	}, nil
}

func (g *GCPSecretManager) GetSecret(ctx context.Context, secretName string) (string, error) {
	req := &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/latest", g.projectID, secretName),
	}

	result, err := g.client.AccessSecretVersion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to access secret %s: %w", secretName, err)
	}
	return string(result.Payload.Data), nil
}

func (g *GCPSecretManager) Close() error {
	return g.client.Close()
}

// SecretNames maps each broker credential to its secret id.
type SecretNames struct {
	APIKey       string `mapstructure:"api_key"`
	APISecret    string `mapstructure:"api_secret"`
	PersonID     string `mapstructure:"person_id"`
	Password     string `mapstructure:"password"`
	CertPassword string `mapstructure:"cert_password"`
}

func DefaultSecretNames() SecretNames {
	return SecretNames{
		APIKey:       "calspread-api-key",
		APISecret:    "calspread-api-secret",
		PersonID:     "calspread-person-id",
		Password:     "calspread-password",
		CertPassword: "calspread-cert-password",
	}
}

// Credentials holds the values read for SecretNames.
type Credentials struct {
	APIKey       string
	APISecret    string
	PersonID     string
	Password     string
	CertPassword string
}

// Fill sets every empty field of creds from src. A secret that cannot be
// read leaves its field empty and is logged at debug level.
func Fill(ctx context.Context, src Source, names SecretNames, creds *Credentials, logger *logrus.Logger) {
	fields := []struct {
		name string
		dst  *string
	}{
		{names.APIKey, &creds.APIKey},
		{names.APISecret, &creds.APISecret},
		{names.PersonID, &creds.PersonID},
		{names.Password, &creds.Password},
		{names.CertPassword, &creds.CertPassword},
	}

	for _, f := range fields {
		if *f.dst != "" || f.name == "" {
			continue
		}
		value, err := src.GetSecret(ctx, f.name)
		if err != nil {
			logger.WithError(err).WithField("secret", f.name).Debug("Failed to get secret, leaving empty")
			continue
		}
		*f.dst = strings.TrimSpace(value)
	}
}
