package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narvanalabs/botpanel/internal/auth"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func runPanel(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath, tokenSubject, tokenExpiry = "", "operator", 0
	t.Setenv("PANEL_CONFIG", "")
	t.Setenv("PANEL_PROJECTS_DIR", t.TempDir())

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return strings.TrimSpace(out.String()), err
}

func validate(t *testing.T, token string) *auth.Claims {
	t.Helper()
	svc, err := auth.NewService(&auth.Config{JWTSecret: []byte(testSecret)}, nil)
	require.NoError(t, err)
	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	return claims
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("PANEL_JWT_SECRET", testSecret)

	out, err := runPanel(t, "token", "--subject", "ci", "--expiry", "10m")
	require.NoError(t, err)

	claims := validate(t, out)
	assert.Equal(t, "ci", claims.Subject)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), claims.ExpiresAt, time.Minute)
}

func TestTokenCommand_ConfigFlag(t *testing.T) {
	t.Setenv("PANEL_JWT_SECRET", "")
	path := filepath.Join(t.TempDir(), "panel.yaml")
	require.NoError(t, os.WriteFile(path, []byte("jwt_secret: "+testSecret+"\n"), 0o600))

	out, err := runPanel(t, "--config", path, "token")
	require.NoError(t, err)
	assert.Equal(t, "operator", validate(t, out).Subject)
}

func TestTokenCommand_AuthDisabled(t *testing.T) {
	t.Setenv("PANEL_JWT_SECRET", "")

	_, err := runPanel(t, "token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication is disabled")
}
