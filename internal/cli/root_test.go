package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"festibox/shop/internal/flow"
)

const (
	testKey    = "FLOW-CLI-KEY"
	testSecret = "cli-secret"
)

func setKeys(t *testing.T) {
	t.Helper()
	t.Setenv("FESTIBOX_CONFIG", "")
	t.Setenv("FLOW_API_KEY", testKey)
	t.Setenv("FLOW_SECRET_KEY", testSecret)
	t.Setenv("SHOP_API_URL", "https://api.festibox.cl")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// fakeGateway answers payment/create and payment/getStatus after checking
// the signature.
func fakeGateway(t *testing.T, seen *[]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || !flow.Verify(r.Form, testSecret) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"code":108,"message":"invalid signature"}`))
			return
		}
		*seen = append(*seen, r.URL.Path)
		switch r.URL.Path {
		case "/payment/create":
			assert.Equal(t, "https://api.festibox.cl/v1/payments/flow/confirm", r.Form.Get("urlConfirmation"))
			_, _ = w.Write([]byte(`{"url":"https://sandbox.flow.cl/app/web/pay.php","token":"TOK123","flowOrder":4242}`))
		case "/payment/getStatus", "/payment/getStatusByCommerceId":
			_, _ = w.Write([]byte(`{"flowOrder":4242,"commerceOrder":"ord_1","status":2,"amount":"24990","paymentData":{"media":"Webpay"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"sign", "create", "status"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)

	for _, name := range []string{"sandbox", "base-url", "config", "timeout"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
}

func TestSignOutput(t *testing.T) {
	setKeys(t)
	out, err := execute(t, "sign", "commerceOrder=ord_123", "amount=24990", "currency=CLP")
	require.NoError(t, err)
	goldie.New(t).Assert(t, "sign", []byte(out))
}

func TestSignRejectsBadParams(t *testing.T) {
	setKeys(t)
	_, err := execute(t, "sign", "novalue")
	assert.ErrorContains(t, err, "want key=value")

	_, err = execute(t, "sign", "s=abc")
	assert.ErrorContains(t, err, "reserved")
}

func TestSignRequiresKeys(t *testing.T) {
	t.Setenv("FESTIBOX_CONFIG", "")
	t.Setenv("FLOW_API_KEY", "")
	t.Setenv("FLOW_SECRET_KEY", "")
	_, err := execute(t, "sign", "a=b")
	assert.ErrorContains(t, err, "FLOW_API_KEY")
}

func TestCreatePrintsRedirect(t *testing.T) {
	setKeys(t)
	var seen []string
	srv := fakeGateway(t, &seen)

	out, err := execute(t, "create", "--base-url", srv.URL, "--order", "ord_1", "--amount", "24990", "--email", "yo@example.com")
	require.NoError(t, err)
	assert.Equal(t, "https://sandbox.flow.cl/app/web/pay.php?token=TOK123\n", out)
	assert.Equal(t, []string{"/payment/create"}, seen)
}

func TestCreateRequiresFlags(t *testing.T) {
	setKeys(t)
	_, err := execute(t, "create", "--order", "ord_1")
	assert.ErrorContains(t, err, "required flag")
}

func TestStatusByTokenAndOrder(t *testing.T) {
	setKeys(t)
	var seen []string
	srv := fakeGateway(t, &seen)

	out, err := execute(t, "status", "--base-url", srv.URL, "--token", "TOK123")
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "paid", got["status_name"])
	assert.Equal(t, "ord_1", got["commerceOrder"])

	_, err = execute(t, "status", "--base-url", srv.URL, "--order", "ord_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"/payment/getStatus", "/payment/getStatusByCommerceId"}, seen)

	_, err = execute(t, "status", "--base-url", srv.URL)
	assert.ErrorContains(t, err, "--token or --order")
}

func TestStatusSurfacesAPIError(t *testing.T) {
	setKeys(t)
	t.Setenv("FLOW_SECRET_KEY", "wrong-secret")
	var seen []string
	srv := fakeGateway(t, &seen)

	_, err := execute(t, "status", "--base-url", srv.URL, "--token", "TOK123")
	var apiErr *flow.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Empty(t, seen)
}
