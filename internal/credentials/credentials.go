// Package credentials resolves the service account used to reach the document
// store. A missing or malformed credential is a configuration error and must stop
// the run before any remote call.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/option"
)

// DefaultEnv is the environment variable holding the service account JSON.
const DefaultEnv = "FIREBASE_SERVICE_ACCOUNT"

// ErrMissing reports that no configured source produced a credential.
var ErrMissing = errors.New("no service account credentials configured")

// Source names where to look, in order: Secret, File, Env.
type Source struct {
	Env    string `yaml:"env"`    // environment variable with the JSON document
	File   string `yaml:"file"`   // path to a JSON key file
	Secret string `yaml:"secret"` // Secret Manager version, projects/*/secrets/*/versions/*
}

// Credentials is a resolved service account.
type Credentials struct {
	JSON        []byte
	ProjectID   string
	ClientEmail string
	Origin      string // "secret", "file" or "env"
}

// ClientOptions returns the Google API client options for these credentials.
func (c *Credentials) ClientOptions() []option.ClientOption {
	return []option.ClientOption{option.WithCredentialsJSON(c.JSON)}
}

// SecretAccessor reads a secret version payload.
type SecretAccessor interface {
	AccessSecret(ctx context.Context, name string) ([]byte, error)
}

// Resolver resolves a Source. Zero fields fall back to the process environment,
// the OS filesystem and Secret Manager.
type Resolver struct {
	Getenv   func(string) string
	ReadFile func(string) ([]byte, error)
	Secrets  SecretAccessor
}

// Resolve finds and validates the credentials described by src.
func (r Resolver) Resolve(ctx context.Context, src Source) (*Credentials, error) {
	getenv := r.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	readFile := r.ReadFile
	if readFile == nil {
		readFile = os.ReadFile
	}

	var (
		raw    []byte
		origin string
	)
	switch {
	case src.Secret != "":
		secrets := r.Secrets
		if secrets == nil {
			secrets = secretManager{}
		}
		data, err := secrets.AccessSecret(ctx, src.Secret)
		if err != nil {
			return nil, fmt.Errorf("access secret %s: %w", src.Secret, err)
		}
		raw, origin = data, "secret"
	case src.File != "":
		data, err := readFile(src.File)
		if err != nil {
			return nil, fmt.Errorf("read credentials file: %w", err)
		}
		raw, origin = data, "file"
	default:
		env := src.Env
		if env == "" {
			env = DefaultEnv
		}
		v := getenv(env)
		if v == "" {
			return nil, fmt.Errorf("%w: %s is not set", ErrMissing, env)
		}
		raw, origin = []byte(v), "env"
	}

	return parse(raw, origin)
}

func parse(raw []byte, origin string) (*Credentials, error) {
	var key struct {
		Type        string `json:"type"`
		ProjectID   string `json:"project_id"`
		ClientEmail string `json:"client_email"`
		PrivateKey  string `json:"private_key"`
	}
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, fmt.Errorf("parse service account from %s: %w", origin, err)
	}
	if key.Type != "service_account" {
		return nil, fmt.Errorf("credentials from %s: type %q is not a service account", origin, key.Type)
	}
	if key.PrivateKey == "" || key.ClientEmail == "" {
		return nil, fmt.Errorf("credentials from %s: private_key and client_email are required", origin)
	}
	return &Credentials{
		JSON:        raw,
		ProjectID:   key.ProjectID,
		ClientEmail: key.ClientEmail,
		Origin:      origin,
	}, nil
}

// secretManager reads secrets with application default credentials.
type secretManager struct{}

func (secretManager) AccessSecret(ctx context.Context, name string) ([]byte, error) {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("secret manager client: %w", err)
	}
	defer func() { _ = client.Close() }()

	resp, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return nil, err
	}
	return resp.GetPayload().GetData(), nil
}
