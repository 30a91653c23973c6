package billing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/billbridge/internal/syncerr"
)

var testAccount = Account{ID: "acct_1", APIKey: "sk_test_123"}

func newTestClient(server *httptest.Server) *Client {
	return NewClient(ClientOptions{
		BaseURL:    server.URL,
		HTTPClient: server.Client(),
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})
}

func TestGetCustomerSendsAuthAndDecodes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/customers/cus_1", r.URL.Path)
		assert.Equal(t, "Bearer sk_test_123", r.Header.Get("Authorization"))
		assert.Equal(t, "acct_1", r.Header.Get("Stripe-Account"))
		_, _ = w.Write([]byte(`{"id":"cus_1","name":"Ada Lovelace","email":"ada@example.com","balance":-500,"address":{"city":"London"}}`))
	}))
	defer server.Close()

	customer, err := newTestClient(server).GetCustomer(context.Background(), testAccount, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", customer.Email)
	assert.Equal(t, int64(-500), customer.Balance)
	require.NotNil(t, customer.Address)
	assert.Equal(t, "London", customer.Address.City)
}

func TestGetCustomerMapsMissingAndDeletedToNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/customers/cus_gone":
			_, _ = w.Write([]byte(`{"id":"cus_gone","deleted":true}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":"resource_missing","message":"No such customer"}}`))
		}
	}))
	defer server.Close()

	client := newTestClient(server)
	_, err := client.GetCustomer(context.Background(), testAccount, "cus_gone")
	require.ErrorIs(t, err, syncerr.ErrNotFound)
	var nf *syncerr.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.True(t, nf.Deleted)

	_, err = client.GetCustomer(context.Background(), testAccount, "cus_missing")
	require.ErrorIs(t, err, syncerr.ErrNotFound)
}

func TestGetInvoiceExpandsCustomer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "customer", r.URL.Query().Get("expand[]"))
		_, _ = w.Write([]byte(`{"id":"in_1","number":"INV-1","status":"open","currency":"usd","amount_due":183000,"customer":{"id":"cus_1","email":"ada@example.com"}}`))
	}))
	defer server.Close()

	invoice, err := newTestClient(server).GetInvoice(context.Background(), testAccount, "in_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", invoice.CustomerID)
	require.NotNil(t, invoice.Customer)
	assert.Equal(t, "ada@example.com", invoice.Email())
	assert.Equal(t, int64(183000), invoice.AmountDue)
}

func TestInvoiceDecodesBareCustomerID(t *testing.T) {
	var invoice Invoice
	require.NoError(t, json.Unmarshal([]byte(`{"id":"in_2","customer":"cus_9","customer_email":"bob@example.com"}`), &invoice))
	assert.Equal(t, "cus_9", invoice.CustomerID)
	assert.Nil(t, invoice.Customer)
	assert.Equal(t, "bob@example.com", invoice.Email())

	encoded, err := json.Marshal(invoice)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `"customer":"cus_9"`)
}

func TestListCustomersSkipsDeleted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"data":[{"id":"cus_1"},{"id":"cus_2","deleted":true},{"id":"cus_3"}],"has_more":true}`))
	}))
	defer server.Close()

	customers, err := newTestClient(server).ListCustomers(context.Background(), testAccount, 5)
	require.NoError(t, err)
	require.Len(t, customers, 2)
	assert.Equal(t, "cus_3", customers[1].ID)
}

func TestUpdateCustomerSendsFormEncodedPatch(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "ct_1", r.PostForm.Get("metadata[crm_contact_id]"))
		assert.Equal(t, "Ada", r.PostForm.Get("name"))
		assert.Empty(t, r.PostForm.Get("email"))
		_, _ = w.Write([]byte(`{"id":"cus_1","name":"Ada","metadata":{"crm_contact_id":"ct_1"}}`))
	}))
	defer server.Close()

	customer, err := newTestClient(server).UpdateCustomer(context.Background(), testAccount, "cus_1", CustomerPatch{
		Name:     "Ada",
		Metadata: map[string]string{"crm_contact_id": "ct_1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ct_1", customer.Metadata["crm_contact_id"])
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestProviderErrorsCarryStatusAndCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"Invalid API Key"}}`))
	}))
	defer server.Close()

	_, err := newTestClient(server).GetCustomer(context.Background(), testAccount, "cus_1")
	require.ErrorIs(t, err, syncerr.ErrProvider)
	var pe *syncerr.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, http.StatusUnauthorized, pe.StatusCode)
	assert.Equal(t, "invalid_request_error", pe.Code)
}

func TestMissingAPIKeyIsConfigurationError(t *testing.T) {
	client := NewClient(ClientOptions{BaseURL: "http://127.0.0.1:1"})
	_, err := client.GetCustomer(context.Background(), Account{}, "cus_1")
	require.ErrorIs(t, err, syncerr.ErrConfiguration)
}
