package crypto

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/smithy-go"
)

// KMSAPI is the subset of the AWS KMS API used to wrap and unwrap DEKs.
type KMSAPI interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// AWSKMSOptions configures the AWS KMS key manager.
type AWSKMSOptions struct {
	Handle    MasterKeyHandle
	KeyID     string // explicit key id, ARN or alias; derived from Handle when empty
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Timeout   time.Duration
}

type awsKMSManager struct {
	client  KMSAPI
	keyID   string
	timeout time.Duration
}

// NewAWSKMSManager creates a KeyManager backed by AWS KMS.
func NewAWSKMSManager(ctx context.Context, opts AWSKMSOptions) (KeyManager, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("kms: failed to load AWS config: %w", err)
	}

	var kmsOptions []func(*kms.Options)
	if opts.Endpoint != "" {
		kmsOptions = append(kmsOptions, func(o *kms.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		})
	}

	return NewAWSKMSManagerWithClient(kms.NewFromConfig(awsCfg, kmsOptions...), opts)
}

// NewAWSKMSManagerWithClient creates a KeyManager around an existing KMS client.
func NewAWSKMSManagerWithClient(client KMSAPI, opts AWSKMSOptions) (KeyManager, error) {
	if client == nil {
		return nil, errors.New("kms: client is required")
	}
	keyID := strings.TrimSpace(opts.KeyID)
	if keyID == "" {
		if err := opts.Handle.Validate(); err != nil {
			return nil, err
		}
		keyID = AliasForHandle(opts.Handle)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &awsKMSManager{client: client, keyID: keyID, timeout: timeout}, nil
}

// AliasForHandle maps a master key handle to alias/<keyRing>-<key>. Project and location
// are implied by the account and region the client is configured for.
func AliasForHandle(h MasterKeyHandle) string {
	return fmt.Sprintf("alias/%s-%s", h.KeyRing, h.Key)
}

// Provider implements KeyManager.
func (m *awsKMSManager) Provider() string {
	return "aws-kms"
}

// WrapKey implements KeyManager.
func (m *awsKMSManager) WrapKey(ctx context.Context, plaintext []byte, wrapContext map[string]string) (*KeyEnvelope, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("kms: plaintext DEK is empty")
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	out, err := m.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:             aws.String(m.keyID),
		Plaintext:         plaintext,
		EncryptionContext: wrapContext,
	})
	if err != nil {
		return nil, fmt.Errorf("kms: encrypt failed (key ID: %s): %w", m.keyID, classifyKMSError(err))
	}

	keyID := aws.ToString(out.KeyId)
	if keyID == "" {
		keyID = m.keyID
	}
	return &KeyEnvelope{
		KeyID:      keyID,
		Provider:   m.Provider(),
		Ciphertext: out.CiphertextBlob,
	}, nil
}

// UnwrapKey implements KeyManager.
func (m *awsKMSManager) UnwrapKey(ctx context.Context, envelope *KeyEnvelope, wrapContext map[string]string) ([]byte, error) {
	if envelope == nil || len(envelope.Ciphertext) == 0 {
		return nil, fmt.Errorf("%w: wrapped key is empty", ErrIntegrity)
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	out, err := m.client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob:    envelope.Ciphertext,
		KeyId:             aws.String(m.keyID),
		EncryptionContext: wrapContext,
	})
	if err != nil {
		return nil, fmt.Errorf("kms: decrypt failed: %w", classifyKMSError(err))
	}
	if len(out.Plaintext) != KeySize {
		return nil, fmt.Errorf("%w: unwrapped key has %d bytes", ErrIntegrity, len(out.Plaintext))
	}
	return out.Plaintext, nil
}

// Close implements KeyManager.
func (m *awsKMSManager) Close(_ context.Context) error {
	return nil
}

// classifyKMSError maps AWS KMS error codes onto ErrIntegrity or ErrKeyUnavailable.
func classifyKMSError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InvalidCiphertextException", "IncorrectKeyException", "InvalidKeyUsageException":
			return fmt.Errorf("%w: %s", ErrIntegrity, apiErr.ErrorMessage())
		}
	}
	return fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
}
