package ingress

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatReturnsNilWhenNotGateway(t *testing.T) {
	assert.Nil(t, Format(&Config{Mode: ModeDirect}, "sid", 8080))
	assert.Nil(t, Format(nil, "sid", 8080))
}

func TestFormatWildcard(t *testing.T) {
	cfg := &Config{
		Mode: ModeGateway,
		Gateway: &Gateway{
			Address: "*.example.com",
			Route:   GatewayRoute{Mode: RouteModeWildcard},
		},
	}
	ep := Format(cfg, "sid", 8080)
	assert.NotNil(t, ep)
	assert.Equal(t, "sid-8080.example.com", ep.Endpoint)
	assert.Nil(t, ep.Headers)
}

func TestFormatURI(t *testing.T) {
	cfg := &Config{
		Mode: ModeGateway,
		Gateway: &Gateway{
			Address: "gateway.example.com",
			Route:   GatewayRoute{Mode: RouteModeURI},
		},
	}
	ep := Format(cfg, "sid", 9000)
	assert.NotNil(t, ep)
	assert.Equal(t, "gateway.example.com/sid/9000", ep.Endpoint)
	assert.Nil(t, ep.Headers)
}

func TestFormatHeader(t *testing.T) {
	cfg := &Config{
		Mode: ModeGateway,
		Gateway: &Gateway{
			Address: "gateway.example.com",
			Route:   GatewayRoute{Mode: RouteModeHeader},
		},
	}
	ep := Format(cfg, "sid", 8080)
	assert.NotNil(t, ep)
	assert.Equal(t, "gateway.example.com", ep.Endpoint)
	assert.Equal(t, map[string]string{HeaderName: "sid-8080"}, ep.Headers)
}

func TestValidateRuntimeCombinationRejectsLocalDaemonGateway(t *testing.T) {
	err := ValidateRuntimeCombination("local-daemon", Config{Mode: ModeGateway})
	assert.Error(t, err)

	err = ValidateRuntimeCombination("local-daemon", Config{Mode: ModeDirect})
	assert.NoError(t, err)

	err = ValidateRuntimeCombination("cluster-pod", Config{Mode: ModeGateway})
	assert.NoError(t, err)
}
