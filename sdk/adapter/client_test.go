package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/xKoRx/guard/sdk/domain"
)

func TestStreamEndError(t *testing.T) {
	assert.NoError(t, streamEndError(nil))

	lost := streamEndError(status.Error(codes.Unavailable, "connection reset"))
	assert.True(t, domain.HasCode(lost, domain.ErrAdapterUnavailable))

	invalid := status.Error(codes.InvalidArgument, "bad hello")
	assert.Equal(t, invalid, streamEndError(invalid))
}
