package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJWTManager(t *testing.T) {
	jm, err := NewJWTManager("a-signing-key")
	require.NoError(t, err)
	assert.NotNil(t, jm)

	_, err = NewJWTManager("")
	assert.Error(t, err)
}

func TestJWTManager_GenerateAndValidate(t *testing.T) {
	jm, err := NewJWTManager("a-signing-key")
	require.NoError(t, err)
	ctx := context.Background()

	token, err := jm.GenerateToken(ctx, "user-1", "alice@example.com", []string{"user"}, time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	claims, err := jm.ValidateToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "alice@example.com", claims.Username)
	assert.Equal(t, []string{"user"}, claims.Roles)
	assert.Equal(t, "pg-rag-orchestrator", claims.Issuer)
}

func TestJWTManager_RejectsExpiredToken(t *testing.T) {
	jm, err := NewJWTManager("a-signing-key")
	require.NoError(t, err)
	ctx := context.Background()

	token, err := jm.GenerateToken(ctx, "user-1", "alice@example.com", nil, -time.Minute)
	require.NoError(t, err)

	_, err = jm.ValidateToken(ctx, token)
	assert.Error(t, err)
}

func TestJWTManager_RejectsWrongKey(t *testing.T) {
	signer, err := NewJWTManager("key-one")
	require.NoError(t, err)
	verifier, err := NewJWTManager("key-two")
	require.NoError(t, err)
	ctx := context.Background()

	token, err := signer.GenerateToken(ctx, "user-1", "alice@example.com", nil, time.Hour)
	require.NoError(t, err)

	_, err = verifier.ValidateToken(ctx, token)
	assert.Error(t, err)
}

func TestJWTManager_RejectsGarbage(t *testing.T) {
	jm, err := NewJWTManager("a-signing-key")
	require.NoError(t, err)

	_, err = jm.ValidateToken(context.Background(), "not.a.token")
	assert.Error(t, err)
}
