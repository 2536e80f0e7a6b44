package mqttclient_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/railview/spotter/pkg/mqttclient"
)

func TestClientThroughContext(t *testing.T) {
	ctx := log.Logger.WithContext(context.Background())
	client := mqttclient.NewClient(ctx, mqttclient.ConfigOptions{})

	newCtx := mqttclient.WithContext(ctx, client)
	require.NotNil(t, mqttclient.FromContext(newCtx))
	assert.Equal(t, client, mqttclient.FromContext(newCtx))
}

func TestFromContextWithoutClient(t *testing.T) {
	assert.Nil(t, mqttclient.FromContext(context.Background()))
}
