package gemini

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"pdfqa/backend/internal/apperr"
	"pdfqa/backend/internal/settings"
)

type stubRepo struct {
	s   *settings.Settings
	err error
}

func (r *stubRepo) Get(ctx context.Context) (*settings.Settings, error) { return r.s, r.err }
func (r *stubRepo) Update(ctx context.Context, s *settings.Settings) error {
	return nil
}

func TestProvider_SettingsError(t *testing.T) {
	p := NewProvider(settings.NewService(&stubRepo{err: errors.New("db fail")}), "e", "g")

	_, err := p.Embed(context.Background(), "hello")
	assert.ErrorContains(t, err, "failed to get settings")
}

func TestProvider_ClientSwitching(t *testing.T) {
	p := NewProvider(settings.NewService(&stubRepo{}), "e", "g")
	defer p.Close()
	ctx := context.Background()

	client1, err := p.getClient(ctx, "key1")
	require.NoError(t, err)
	assert.Equal(t, "key1", p.currentKey)

	client2, err := p.getClient(ctx, "key1")
	require.NoError(t, err)
	assert.Same(t, client1, client2)

	client3, err := p.getClient(ctx, "key2")
	require.NoError(t, err)
	assert.NotSame(t, client1, client3)
	assert.Equal(t, "key2", p.currentKey)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want apperr.Retry
	}{
		{"Deadline", context.DeadlineExceeded, apperr.RetryTransient},
		{"HTTP 429", &googleapi.Error{Code: 429}, apperr.RetryTransient},
		{"HTTP 503", &googleapi.Error{Code: 503}, apperr.RetryTransient},
		{"HTTP 400", &googleapi.Error{Code: 400}, apperr.RetryPermanent},
		{"gRPC unavailable", status.Error(codes.Unavailable, "down"), apperr.RetryTransient},
		{"gRPC exhausted", status.Error(codes.ResourceExhausted, "quota"), apperr.RetryTransient},
		{"gRPC invalid", status.Error(codes.InvalidArgument, "bad"), apperr.RetryPermanent},
		{"Unknown", errors.New("connection reset"), apperr.RetryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, apperr.Classify(classify(tt.err)))
		})
	}
	assert.NoError(t, classify(nil))
}
