package client

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"

	"token-service/internal/config"
	"token-service/internal/util"
)

// DataKey is a fresh AES-256 key with its KMS-wrapped form. When KMS is
// disabled (development) the wrapped form is the plaintext itself and the
// envelope must never leave the local machine.
type DataKey struct {
	Plaintext  []byte
	Ciphertext []byte
	KeyID      string
}

// KMSClient wraps the AWS KMS API for wallet backup envelopes. In
// development mode it degrades to locally generated keys.
type KMSClient struct {
	api    *kms.Client
	config *config.KMSConfig
}

func NewKMSClient(cfg *config.Config) (*KMSClient, error) {
	kmsConfig := cfg.KMS

	client := &KMSClient{config: &kmsConfig}
	if !kmsConfig.Enabled {
		util.Info("KMS disabled, backup envelopes use local data keys")
		return client, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(kmsConfig.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client.api = kms.NewFromConfig(awsCfg)
	util.Info("KMS client initialized",
		util.String("region", kmsConfig.Region),
		util.String("key_id", kmsConfig.KeyID))
	return client, nil
}

func (c *KMSClient) GenerateDataKey(ctx context.Context) (*DataKey, error) {
	if !c.config.Enabled {
		return c.generateLocalKey()
	}

	result, err := c.api.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(c.config.KeyID),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	return &DataKey{
		Plaintext:  result.Plaintext,
		Ciphertext: result.CiphertextBlob,
		KeyID:      c.config.KeyID,
	}, nil
}

func (c *KMSClient) generateLocalKey() (*DataKey, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate local data key: %w", err)
	}
	return &DataKey{
		Plaintext:  key,
		Ciphertext: append([]byte(nil), key...),
		KeyID:      "local",
	}, nil
}

func (c *KMSClient) UnwrapDataKey(ctx context.Context, wrapped []byte) ([]byte, error) {
	if !c.config.Enabled {
		return append([]byte(nil), wrapped...), nil
	}

	result, err := c.api.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: wrapped})
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap data key: %w", err)
	}
	return result.Plaintext, nil
}

func (c *KMSClient) Enabled() bool {
	return c.config.Enabled
}

func (c *KMSClient) KeyID() string {
	if !c.config.Enabled {
		return "local"
	}
	return c.config.KeyID
}
