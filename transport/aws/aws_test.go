package aws

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/flowbus/transport"
)

func TestRegisteredWithDefaultRegistry(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "aws", caps.Name)
	assert.True(t, caps.SupportsVisibility)
	assert.True(t, caps.SupportsNativeDLQ)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.AWSCapabilities, Capabilities())
}

func overrideFactories(t *testing.T, sqsAPI SQSAPI, snsAPI SNSAPI) {
	t.Helper()
	originalConfigLoader := DefaultConfigLoader
	originalTopicResolver := TopicResolverFactory
	originalSQS := SQSClientFactory
	originalSNS := SNSClientFactory
	t.Cleanup(func() {
		DefaultConfigLoader = originalConfigLoader
		TopicResolverFactory = originalTopicResolver
		SQSClientFactory = originalSQS
		SNSClientFactory = originalSNS
	})

	DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{Region: "us-east-1"}, nil
	}
	SQSClientFactory = func(cfg aws.Config, optFns ...func(*amazonsqs.Options)) SQSAPI { return sqsAPI }
	SNSClientFactory = func(cfg aws.Config, optFns ...func(*amazonsns.Options)) SNSAPI { return snsAPI }
}

func TestBuild(t *testing.T) {
	t.Run("creates client with mocked factories", func(t *testing.T) {
		fakeSQS := newFakeSQS()
		overrideFactories(t, fakeSQS, &fakeSNS{})

		cfg := &mockConfig{awsRegion: "us-east-1", awsAccountID: "123456789012", awsEndpoint: "http://localhost:4566"}
		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)
		require.NotNil(t, tr.Client)
		assert.Same(t, tr.Client, tr.Publisher)

		client := tr.Client.(*Client)
		assert.Same(t, fakeSQS, client.sqs)
	})

	t.Run("rejects nil config", func(t *testing.T) {
		_, err := Build(context.Background(), nil, nil)
		assert.Error(t, err)
	})

	t.Run("returns error when config loader fails", func(t *testing.T) {
		overrideFactories(t, newFakeSQS(), &fakeSNS{})
		DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
			return aws.Config{}, errors.New("config error")
		}

		_, err := Build(context.Background(), &mockConfig{awsRegion: "us-east-1"}, watermill.NopLogger{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "config error")
	})

	t.Run("returns error when topic resolver fails", func(t *testing.T) {
		overrideFactories(t, newFakeSQS(), &fakeSNS{})
		TopicResolverFactory = func(accountID, region string) (*sns.GenerateArnTopicResolver, error) {
			return nil, errors.New("resolver error")
		}

		_, err := Build(context.Background(), &mockConfig{awsRegion: "us-east-1"}, watermill.NopLogger{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "resolver error")
	})

	t.Run("returns error for malformed endpoint", func(t *testing.T) {
		overrideFactories(t, newFakeSQS(), &fakeSNS{})

		_, err := Build(context.Background(), &mockConfig{awsRegion: "us-east-1", awsEndpoint: "://bad"}, watermill.NopLogger{})
		assert.Error(t, err)
	})
}

func TestResolveAccountAndRegion(t *testing.T) {
	tests := []struct {
		name        string
		cfg         transport.Config
		wantAccount string
		wantRegion  string
	}{
		{"uses config values", &mockConfig{awsAccountID: "123456789012", awsRegion: "us-west-2"}, "123456789012", "us-west-2"},
		{"falls back to loader region", &mockConfig{awsAccountID: "123456789012"}, "123456789012", "us-east-1"},
		{"localstack default when account empty", &mockConfig{awsEndpoint: "http://localhost:4566"}, localstackAccountID, "us-east-1"},
		{"localstack default when account malformed", &mockConfig{awsAccountID: "12", awsEndpoint: "http://localhost:4566"}, localstackAccountID, "us-east-1"},
		{"trims quotes", &mockConfig{awsAccountID: `"123456789012"`}, "123456789012", "us-east-1"},
		{"nil config", nil, "", "us-east-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			accountID, region := resolveAccountAndRegion(tt.cfg, watermill.NopLogger{}, "us-east-1")
			assert.Equal(t, tt.wantAccount, accountID)
			assert.Equal(t, tt.wantRegion, region)
		})
	}
}

func TestAwsEndpointURL(t *testing.T) {
	u, err := awsEndpointURL(nil)
	assert.NoError(t, err)
	assert.Nil(t, u)

	u, err = awsEndpointURL(&mockConfig{})
	assert.NoError(t, err)
	assert.Nil(t, u)

	u, err = awsEndpointURL(&mockConfig{awsEndpoint: "http://localhost:4566"})
	require.NoError(t, err)
	assert.Equal(t, "localhost:4566", u.Host)
}

type mockConfig struct {
	awsRegion          string
	awsAccountID       string
	awsAccessKeyID     string
	awsSecretAccessKey string
	awsEndpoint        string
}

func (m *mockConfig) GetTransport() string                { return TransportName }
func (m *mockConfig) GetAWSRegion() string                { return m.awsRegion }
func (m *mockConfig) GetAWSAccountID() string             { return m.awsAccountID }
func (m *mockConfig) GetAWSAccessKeyID() string           { return m.awsAccessKeyID }
func (m *mockConfig) GetAWSSecretAccessKey() string       { return m.awsSecretAccessKey }
func (m *mockConfig) GetAWSEndpoint() string              { return m.awsEndpoint }
func (m *mockConfig) GetVisibilityTimeout() time.Duration { return 30 * time.Second }
func (m *mockConfig) GetSQLiteFile() string { return "" }
func (m *mockConfig) GetPostgresURL() string { return "" }
func (m *mockConfig) GetKafkaBrokers() []string           { return nil }
func (m *mockConfig) GetRabbitMQURL() string              { return "" }
func (m *mockConfig) GetNATSURL() string                  { return "" }
func (m *mockConfig) GetHTTPPublisherURL() string         { return "" }
