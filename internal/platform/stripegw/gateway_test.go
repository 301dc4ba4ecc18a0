package stripegw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/form"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	cfgpkg "github.com/ambetz/vipgate/pkg/config"
)

type recordedCall struct {
	method string
	path   string
	params stripe.ParamsContainer
}

// stubBackend answers canned JSON per "METHOD path" so gateway flows can run
// without the network.
type stubBackend struct {
	calls     []recordedCall
	responses map[string]string
	errs      map[string]error
}

func (s *stubBackend) respond(method, path string, v stripe.LastResponseSetter) error {
	key := method + " " + path
	if err := s.errs[key]; err != nil {
		return err
	}
	body, ok := s.responses[key]
	if !ok {
		return fmt.Errorf("unexpected stripe call %s", key)
	}
	return json.Unmarshal([]byte(body), v)
}

func (s *stubBackend) Call(method, path, _ string, params stripe.ParamsContainer, v stripe.LastResponseSetter) error {
	s.calls = append(s.calls, recordedCall{method: method, path: path, params: params})
	return s.respond(method, path, v)
}

func (s *stubBackend) CallRaw(method, path, _ string, _ *form.Values, _ *stripe.Params, v stripe.LastResponseSetter) error {
	s.calls = append(s.calls, recordedCall{method: method, path: path})
	return s.respond(method, path, v)
}

func (s *stubBackend) CallStreaming(_, _, _ string, _ stripe.ParamsContainer, _ stripe.StreamingLastResponseSetter) error {
	return nil
}

func (s *stubBackend) CallMultipart(_, _, _, _ string, _ *bytes.Buffer, _ *stripe.Params, _ stripe.LastResponseSetter) error {
	return nil
}

func (s *stubBackend) SetMaxNetworkRetries(_ int64) {}

func (s *stubBackend) paths() []string {
	out := make([]string, 0, len(s.calls))
	for _, c := range s.calls {
		out = append(out, c.method+" "+c.path)
	}
	return out
}

func newTestGateway(backend *stubBackend) *Gateway {
	sc := &client.API{}
	sc.Init("sk_test_key", &stripe.Backends{API: backend, Connect: backend, Uploads: backend})
	cfg := &cfgpkg.Config{Stripe: cfgpkg.StripeConfig{
		WebhookSecret: "whsec_test",
		PriceID:       "price_test",
		SourceTag:     "gcp-bot",
	}}
	return newGateway(sc, cfg, zap.NewNop().Sugar())
}

const emptySearchResult = `{"object":"search_result","data":[],"has_more":false}`

func TestGetOrCreateCustomer_FindsExisting(t *testing.T) {
	backend := &stubBackend{responses: map[string]string{
		"GET /v1/customers/search": `{"object":"search_result","data":[{"id":"cus_42","metadata":{"telegram_id":"42"}}],"has_more":false}`,
	}}
	gw := newTestGateway(backend)

	cus, err := gw.GetOrCreateCustomer(context.Background(), 42, "alice")
	require.NoError(t, err)
	assert.Equal(t, "cus_42", cus.ID)
	assert.Equal(t, []string{"GET /v1/customers/search"}, backend.paths())
}

func TestGetOrCreateCustomer_CreatesWhenMissing(t *testing.T) {
	backend := &stubBackend{responses: map[string]string{
		"GET /v1/customers/search": emptySearchResult,
		"POST /v1/customers":       `{"id":"cus_new"}`,
	}}
	gw := newTestGateway(backend)

	cus, err := gw.GetOrCreateCustomer(context.Background(), 42, "alice")
	require.NoError(t, err)
	assert.Equal(t, "cus_new", cus.ID)
	require.Equal(t, []string{"GET /v1/customers/search", "POST /v1/customers"}, backend.paths())

	params, ok := backend.calls[1].params.(*stripe.CustomerParams)
	require.True(t, ok)
	assert.Equal(t, "42", params.Metadata[MetaKeyTelegramID])
	assert.Equal(t, "alice", params.Metadata[MetaKeyUsername])
	assert.Equal(t, "gcp-bot", params.Metadata[MetaKeySource])
}

func TestCreatePaymentLink_EnsuresCustomerFirst(t *testing.T) {
	backend := &stubBackend{responses: map[string]string{
		"GET /v1/customers/search": emptySearchResult,
		"POST /v1/customers":       `{"id":"cus_new"}`,
		"POST /v1/payment_links":   `{"id":"plink_1","url":"https://buy.stripe.com/test_1"}`,
	}}
	gw := newTestGateway(backend)

	url, err := gw.CreatePaymentLink(context.Background(), 42, "alice")
	require.NoError(t, err)
	assert.Equal(t, "https://buy.stripe.com/test_1", url)
	require.Equal(t, []string{
		"GET /v1/customers/search",
		"POST /v1/customers",
		"POST /v1/payment_links",
	}, backend.paths())

	params, ok := backend.calls[2].params.(*stripe.PaymentLinkParams)
	require.True(t, ok)
	assert.Equal(t, "42", params.Metadata[MetaKeyTelegramID])
	assert.Equal(t, "gcp-bot", params.Metadata[MetaKeySource])
	require.Len(t, params.LineItems, 1)
	assert.Equal(t, "price_test", *params.LineItems[0].Price)
}

func TestCreatePaymentLink_FailsWhenCustomerCannotBeEnsured(t *testing.T) {
	backend := &stubBackend{
		responses: map[string]string{"GET /v1/customers/search": emptySearchResult},
		errs:      map[string]error{"POST /v1/customers": fmt.Errorf("stripe down")},
	}
	gw := newTestGateway(backend)

	_, err := gw.CreatePaymentLink(context.Background(), 42, "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create customer")
}
