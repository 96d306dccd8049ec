package config

import (
	"context"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// mockSSMClient records GetParameters calls and serves canned responses.
type mockSSMClient struct {
	values  map[string]string
	invalid []string
	err     error
	batches [][]string
}

func (m *mockSSMClient) GetParameters(ctx context.Context, params *ssm.GetParametersInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersOutput, error) {
	m.batches = append(m.batches, params.Names)
	if m.err != nil {
		return nil, m.err
	}

	out := &ssm.GetParametersOutput{}
	for _, name := range params.Names {
		if val, ok := m.values[name]; ok {
			out.Parameters = append(out.Parameters, ssmtypes.Parameter{
				Name:  aws.String(name),
				Value: aws.String(val),
			})
			continue
		}
		for _, inv := range m.invalid {
			if inv == name {
				out.InvalidParameters = append(out.InvalidParameters, name)
			}
		}
	}
	return out, nil
}

// TestSSMProviderSatisfiesSecretProvider verifies that SSMProvider
// implements the SecretProvider interface at compile time.
func TestSSMProviderSatisfiesSecretProvider(t *testing.T) {
	var _ SecretProvider = (*SSMProvider)(nil)
	var _ SecretProvider = NewSSMProvider("us-east-1")
}

// TestSSMProviderEmptyKeysReturnsEmptyMap verifies that calling
// GetParametersBatch with empty or nil keys returns an empty map without
// touching the SSM client.
func TestSSMProviderEmptyKeysReturnsEmptyMap(t *testing.T) {
	client := &mockSSMClient{}
	provider := newSSMProviderWithClient("us-east-1", client)

	for _, keys := range [][]string{nil, {}} {
		result, err := provider.GetParametersBatch(context.Background(), keys)
		if err != nil {
			t.Fatalf("GetParametersBatch returned unexpected error: %v", err)
		}
		if len(result) != 0 {
			t.Errorf("expected empty result, got %v", result)
		}
	}
	if len(client.batches) != 0 {
		t.Errorf("SSM client called %d times for empty keys", len(client.batches))
	}
}

// TestSSMProviderResolvesParameters verifies the happy path: all requested
// paths resolve to their decrypted values.
func TestSSMProviderResolvesParameters(t *testing.T) {
	client := &mockSSMClient{
		values: map[string]string{
			"/dev/chatforge/database/url":  "postgres://localhost/chatforge",
			"/dev/chatforge/stripe/secret": "sk_test_123",
		},
	}
	provider := newSSMProviderWithClient("us-east-1", client)

	result, err := provider.GetParametersBatch(context.Background(), []string{
		"/dev/chatforge/database/url",
		"/dev/chatforge/stripe/secret",
	})
	if err != nil {
		t.Fatalf("GetParametersBatch returned error: %v", err)
	}
	if got := result["/dev/chatforge/database/url"]; got != "postgres://localhost/chatforge" {
		t.Errorf("database url = %q", got)
	}
	if got := result["/dev/chatforge/stripe/secret"]; got != "sk_test_123" {
		t.Errorf("stripe secret = %q", got)
	}
}

// TestSSMProviderBatchesRequests verifies that more than ssmMaxBatchSize keys
// are split across multiple GetParameters calls.
func TestSSMProviderBatchesRequests(t *testing.T) {
	values := make(map[string]string)
	var keys []string
	for i := 0; i < ssmMaxBatchSize+3; i++ {
		key := "/dev/chatforge/param/" + string(rune('a'+i))
		values[key] = "v"
		keys = append(keys, key)
	}

	client := &mockSSMClient{values: values}
	provider := newSSMProviderWithClient("us-east-1", client)

	result, err := provider.GetParametersBatch(context.Background(), keys)
	if err != nil {
		t.Fatalf("GetParametersBatch returned error: %v", err)
	}
	if len(result) != len(keys) {
		t.Errorf("resolved %d of %d keys", len(result), len(keys))
	}
	if len(client.batches) != 2 {
		t.Errorf("SSM called %d times, want 2 batches", len(client.batches))
	}
	if len(client.batches[0]) != ssmMaxBatchSize {
		t.Errorf("first batch size = %d, want %d", len(client.batches[0]), ssmMaxBatchSize)
	}
}

// TestSSMProviderReportsInvalidParameters verifies that parameters SSM flags
// as not found surface as an error rather than a silent partial result.
func TestSSMProviderReportsInvalidParameters(t *testing.T) {
	client := &mockSSMClient{
		values:  map[string]string{"/dev/chatforge/present": "v"},
		invalid: []string{"/dev/chatforge/absent"},
	}
	provider := newSSMProviderWithClient("us-east-1", client)

	_, err := provider.GetParametersBatch(context.Background(), []string{
		"/dev/chatforge/present",
		"/dev/chatforge/absent",
	})
	if err == nil {
		t.Fatal("expected error for invalid parameters, got nil")
	}
	if !strings.Contains(err.Error(), "/dev/chatforge/absent") {
		t.Errorf("error should name the missing parameter, got: %v", err)
	}
}

// TestSSMProviderContextCancellation verifies that cancellation between
// batches aborts the retrieval.
func TestSSMProviderContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	provider := newSSMProviderWithClient("us-east-1", &mockSSMClient{})
	_, err := provider.GetParametersBatch(ctx, []string{"/dev/chatforge/test"})
	if err == nil {
		t.Fatal("expected error with cancelled context, got nil")
	}
}
