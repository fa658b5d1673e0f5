package cli

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"journal-billing/internal/config"
	"journal-billing/internal/gateway"
	"journal-billing/internal/signing"
	"journal-billing/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var authParam = regexp.MustCompile(`(\w+)="([^"]*)"`)

func runSign(t *testing.T, gw *config.Gateway, args ...string) (string, error) {
	t.Helper()
	opts := &RootOptions{
		loadGateway: func() (*config.Gateway, error) { return gw, nil },
		now:         func() time.Time { return time.Unix(1704067200, 0) },
	}
	cmd := newRootCommand(opts)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"sign"}, args...))
	err := cmd.Execute()
	return strings.TrimSpace(out.String()), err
}

func verifyHeader(t *testing.T, gw *config.Gateway, header, method, path, body string) {
	t.Helper()
	require.True(t, strings.HasPrefix(header, gateway.AuthScheme+" "), header)

	params := map[string]string{}
	for _, m := range authParam.FindAllStringSubmatch(header, -1) {
		params[m[1]] = m[2]
	}
	assert.Equal(t, gw.MchID, params["mchid"])
	assert.Equal(t, gw.SerialNo, params["serial_no"])
	assert.Equal(t, "1704067200", params["timestamp"])

	sig, err := base64.StdEncoding.DecodeString(params["signature"])
	require.NoError(t, err)
	digest := sha256.Sum256([]byte(signing.BuildCanonicalString(method, path, params["timestamp"], params["nonce_str"], body)))
	assert.NoError(t, rsa.VerifyPKCS1v15(&gw.PrivateKey.PublicKey, crypto.SHA256, digest[:], sig))
}

func TestSign_Get(t *testing.T) {
	gw := testutil.NewGateway(t, "").Config
	path := "/v3/pay/transactions/out-trade-no/" + outTradeNo + "?mchid=1230000109"

	out, err := runSign(t, gw, "--path", path)
	require.NoError(t, err)
	verifyHeader(t, gw, out, "GET", path, "")
}

func TestSign_PostBodyFromFile(t *testing.T) {
	gw := testutil.NewGateway(t, "").Config
	body := `{"appid":"wxd678efh567hg6787","amount":{"total":2990,"currency":"CNY"}}`
	file := filepath.Join(t.TempDir(), "body.json")
	require.NoError(t, os.WriteFile(file, []byte(body), 0o600))

	out, err := runSign(t, gw, "--method", "post", "--path", "/v3/pay/transactions/native", "--body", "@"+file)
	require.NoError(t, err)
	verifyHeader(t, gw, out, "POST", "/v3/pay/transactions/native", body)
}

func TestSign_Errors(t *testing.T) {
	gw := testutil.NewGateway(t, "").Config

	_, err := runSign(t, gw, "--method", "DELETE", "--path", "/v3/x")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = runSign(t, gw, "--path", "v3/x")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = runSign(t, gw, "--path", "/v3/x", "--body", "@/does/not/exist")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = runSign(t, gw)
	assert.Error(t, err)

	opts := &RootOptions{loadGateway: func() (*config.Gateway, error) { return nil, errors.New("GATEWAY_MCH_ID is required") }, now: time.Now}
	cmd := newRootCommand(opts)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"sign", "--path", "/v3/x"})
	err = cmd.Execute()
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.ErrorContains(t, err, "GATEWAY_MCH_ID")
}
