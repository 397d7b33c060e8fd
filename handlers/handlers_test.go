package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"bridge-svc/kafka"
	"bridge-svc/models"
	"bridge-svc/reconcile"
	"bridge-svc/signature"
	"bridge-svc/store"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"
)

const testSecret = "sbpay-secret"

type fakeProcessor struct {
	verify models.VerificationResult
}

func (f *fakeProcessor) RequestPaymentURL(ctx context.Context, txID string, amount decimal.Decimal, name string) (models.PaymentURL, error) {
	return models.PaymentURL{
		URL:           "https://icom.yaad.net/p/?action=pay&Amount=" + amount.String() + "&Order=" + txID + "&signature=abc",
		TransactionID: txID,
	}, nil
}

func (f *fakeProcessor) VerifyPayment(ctx context.Context, params models.CallbackParams) (models.VerificationResult, error) {
	if params.ResultCode() != models.CCodeSuccess {
		return models.VerificationResult{ResultCode: params.ResultCode()}, nil
	}
	return f.verify, nil
}

type fakeOrigin struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeOrigin) ApproveOrder(ctx context.Context, orderID string) (models.ApprovalResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, orderID)
	return models.ApprovalResult{OrderID: orderID, StatusCode: http.StatusOK}, nil
}

type handlerFixture struct {
	router    *gin.Engine
	origin    *fakeOrigin
	processor *fakeProcessor
	store     *store.MemoryStore
	codec     *signature.Codec
	events    *recordingPublisher
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []kafka.PaymentEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, event kafka.PaymentEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) published() []kafka.PaymentEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]kafka.PaymentEvent(nil), p.events...)
}

func setupHandlerTest(t *testing.T, production bool) *handlerFixture {
	f := &handlerFixture{
		origin:    &fakeOrigin{},
		processor: &fakeProcessor{verify: models.VerificationResult{ResultCode: "0", Approved: true}},
		store:     store.NewMemoryStore(),
		codec:     signature.NewCodec(testSecret),
		events:    &recordingPublisher{},
	}

	logger := zaptest.NewLogger(t)
	engine := reconcile.NewEngine(f.codec, f.processor, f.origin, f.store, f.events, logger)
	handler := NewPaymentHandler(engine, logger, production)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/health", HealthCheck)
	api := router.Group("/api")
	api.POST("/payment", handler.ProcessPayment)
	api.POST("/webhook/payment", handler.HandleWebhook)
	api.GET("/yaad-callback", handler.HandleYaadCallback)
	api.GET("/payment-success", PaymentSuccessPage)
	api.GET("/payment-cancelled", PaymentCancelledPage)
	f.router = router
	return f
}

func (f *handlerFixture) post(t *testing.T, path string, body []byte, sig string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sig != "" {
		req.Header.Set(HeaderSignature, sig)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *handlerFixture) sign(t *testing.T, body []byte) string {
	t.Helper()
	sig, err := f.codec.SignBody(body)
	if err != nil {
		t.Fatalf("SignBody failed: %v", err)
	}
	return sig
}

func (f *handlerFixture) approvals() int {
	f.origin.mu.Lock()
	defer f.origin.mu.Unlock()
	return len(f.origin.calls)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode response %q: %v", w.Body.String(), err)
	}
	return out
}

// Scenario A
func TestPaymentHandler_ProcessPayment_Success(t *testing.T) {
	f := setupHandlerTest(t, false)
	body := []byte(`{"transaction_id":"TX1","amount":100,"customer":{"name":"Alice"}}`)

	w := f.post(t, "/api/payment", body, f.sign(t, body))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["status"] != "success" {
		t.Errorf("Expected status success, got %v", resp["status"])
	}
	if resp["transaction_id"] != "TX1" {
		t.Errorf("Expected transaction_id TX1, got %v", resp["transaction_id"])
	}
	if u, _ := resp["payment_url"].(string); !strings.Contains(u, "action=pay") {
		t.Errorf("Expected payment_url with action=pay, got %q", u)
	}
	if state, _ := f.store.Get(context.Background(), "TX1"); state != store.StateURLIssued {
		t.Errorf("Expected url_issued, got %s", state)
	}
}

func TestPaymentHandler_ProcessPayment_InlineSignature(t *testing.T) {
	f := setupHandlerTest(t, false)
	unsigned := []byte(`{"transaction_id":"TX1","amount":"100.00","customer":{"name":"Alice"}}`)
	sig := f.sign(t, unsigned)
	body := []byte(`{"transaction_id":"TX1","amount":"100.00","customer":{"name":"Alice"},"signature":"` + sig + `"}`)

	w := f.post(t, "/api/payment", body, "")

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestPaymentHandler_ProcessPayment_MissingSignature(t *testing.T) {
	f := setupHandlerTest(t, false)
	body := []byte(`{"transaction_id":"TX1","amount":100,"customer":{"name":"Alice"}}`)

	w := f.post(t, "/api/payment", body, "")

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected status 401, got %d", w.Code)
	}
	if resp := decode(t, w); resp["error"] != "Missing SBPay signature" {
		t.Errorf("Unexpected error %v", resp["error"])
	}
}

func TestPaymentHandler_ProcessPayment_InvalidSignature(t *testing.T) {
	f := setupHandlerTest(t, false)
	body := []byte(`{"transaction_id":"TX1","amount":100,"customer":{"name":"Alice"}}`)
	tampered := []byte(`{"transaction_id":"TX1","amount":1,"customer":{"name":"Alice"}}`)

	w := f.post(t, "/api/payment", tampered, f.sign(t, body))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected status 401, got %d", w.Code)
	}
	if resp := decode(t, w); resp["error"] != "Invalid signature" {
		t.Errorf("Unexpected error %v", resp["error"])
	}
}

func TestPaymentHandler_ProcessPayment_Validation(t *testing.T) {
	f := setupHandlerTest(t, true)

	tests := []struct {
		name string
		body string
	}{
		{"missing customer name", `{"transaction_id":"TX1","amount":100,"customer":{}}`},
		{"missing transaction id", `{"amount":100,"customer":{"name":"Alice"}}`},
		{"zero amount", `{"transaction_id":"TX1","amount":0,"customer":{"name":"Alice"}}`},
		{"missing amount", `{"transaction_id":"TX1","customer":{"name":"Alice"}}`},
		{"bad email", `{"transaction_id":"TX1","amount":5,"customer":{"name":"Alice","email":"nope"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := []byte(tt.body)
			w := f.post(t, "/api/payment", body, f.sign(t, body))
			if w.Code != http.StatusBadRequest {
				t.Fatalf("Expected status 400, got %d: %s", w.Code, w.Body.String())
			}
			resp := decode(t, w)
			if resp["error"] != "Invalid payment request" {
				t.Errorf("Unexpected error %v", resp["error"])
			}
			if _, ok := resp["details"]; ok {
				t.Error("Expected no details in production")
			}
		})
	}
}

func TestPaymentHandler_ProcessPayment_ProductionForm(t *testing.T) {
	f := setupHandlerTest(t, true)
	body := []byte(`{"transaction_id":"TX1","amount":100,"customer":{"name":"Alice"}}`)

	w := f.post(t, "/api/payment", body, f.sign(t, body))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Expected HTML, got %s", ct)
	}
	page := w.Body.String()
	for _, want := range []string{
		`action="https://icom.yaad.net/p/"`,
		`name="action" value="pay"`,
		`name="Order" value="TX1"`,
		`name="Amount" value="100"`,
	} {
		if !strings.Contains(page, want) {
			t.Errorf("Expected %q in form", want)
		}
	}
	if strings.Contains(page, "PassP") || strings.Contains(page, `name="KEY"`) {
		t.Error("Form must not carry Yaad credentials")
	}
}

// Scenarios B and C
func TestPaymentHandler_Webhook_ApprovesOnce(t *testing.T) {
	f := setupHandlerTest(t, false)
	body := []byte(`{"order_id":"TX1","status":"completed"}`)
	sig := f.sign(t, body)

	for i := 0; i < 2; i++ {
		w := f.post(t, "/api/webhook/payment", body, sig)
		if w.Code != http.StatusOK {
			t.Fatalf("Delivery %d: expected status 200, got %d: %s", i+1, w.Code, w.Body.String())
		}
		if resp := decode(t, w); resp["status"] != "success" {
			t.Errorf("Delivery %d: expected success, got %v", i+1, resp["status"])
		}
	}

	if n := f.approvals(); n != 1 {
		t.Errorf("Expected 1 approval call, got %d", n)
	}
	if f.origin.calls[0] != "TX1" {
		t.Errorf("Expected approval for TX1, got %s", f.origin.calls[0])
	}
}

// Scenario D
func TestPaymentHandler_Webhook_InvalidSignature(t *testing.T) {
	for _, production := range []bool{false, true} {
		f := setupHandlerTest(t, production)
		body := []byte(`{"order_id":"TX1","status":"completed"}`)

		w := f.post(t, "/api/webhook/payment", body, strings.Repeat("ab", 32))

		if w.Code != http.StatusUnauthorized {
			t.Fatalf("Expected status 401, got %d", w.Code)
		}
		if resp := decode(t, w); resp["error"] != "Invalid signature" {
			t.Errorf("Unexpected error %v", resp["error"])
		}
		if f.approvals() != 0 {
			t.Error("Expected no approval calls")
		}
	}
}

func TestPaymentHandler_Webhook_InvalidSignaturePublishesNothing(t *testing.T) {
	f := setupHandlerTest(t, false)
	ctx := context.Background()
	if _, _, err := f.store.CompareAndSwap(ctx, "TX1", []store.State{store.StatePending}, store.StateURLIssued); err != nil {
		t.Fatalf("Failed to seed state: %v", err)
	}

	body := []byte(`{"order_id":"TX1","status":"completed"}`)
	w := f.post(t, "/api/webhook/payment", body, "deadbeef")

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected status 401, got %d", w.Code)
	}
	if events := f.events.published(); len(events) != 0 {
		t.Errorf("Expected no published events, got %+v", events)
	}
	if f.approvals() != 0 {
		t.Error("Expected no approval calls")
	}
}

func TestPaymentHandler_Webhook_QuerySignature(t *testing.T) {
	f := setupHandlerTest(t, false)
	body := []byte(`{"order_id":"TX1","status":"completed"}`)

	w := f.post(t, "/api/webhook/payment?signature="+f.sign(t, body), body, "")

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestPaymentHandler_Webhook_InlineSignature(t *testing.T) {
	f := setupHandlerTest(t, false)
	sig := f.sign(t, []byte(`{"order_id":"TX1","status":"completed"}`))
	body := []byte(`{"order_id":"TX1","status":"completed","signature":"` + sig + `"}`)

	w := f.post(t, "/api/webhook/payment", body, "")

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestPaymentHandler_Webhook_MissingSignature(t *testing.T) {
	f := setupHandlerTest(t, false)

	w := f.post(t, "/api/webhook/payment", []byte(`{"order_id":"TX1","status":"completed"}`), "")

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected status 401, got %d", w.Code)
	}
}

func TestPaymentHandler_Webhook_Ignored(t *testing.T) {
	f := setupHandlerTest(t, false)
	body := []byte(`{"order_id":"TX1","status":"pending"}`)

	w := f.post(t, "/api/webhook/payment", body, f.sign(t, body))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if resp := decode(t, w); resp["status"] != "ignored" {
		t.Errorf("Expected ignored, got %v", resp["status"])
	}
	if f.approvals() != 0 {
		t.Error("Expected no approval calls")
	}
}

func TestPaymentHandler_Webhook_MissingOrderID(t *testing.T) {
	f := setupHandlerTest(t, false)
	body := []byte(`{"status":"completed"}`)

	w := f.post(t, "/api/webhook/payment", body, f.sign(t, body))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", w.Code)
	}
	if resp := decode(t, w); resp["details"] == nil {
		t.Error("Expected details in development")
	}
}

func (f *handlerFixture) get(path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestPaymentHandler_YaadCallback_Verified(t *testing.T) {
	f := setupHandlerTest(t, false)

	w := f.get("/api/yaad-callback?Order=TX1&CCode=0&Amount=100&Sign=xyz")

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp := decode(t, w); resp["status"] != "success" {
		t.Errorf("Expected success, got %v", resp["status"])
	}
	if f.approvals() != 1 {
		t.Errorf("Expected 1 approval call, got %d", f.approvals())
	}
}

// Scenario E
func TestPaymentHandler_YaadCallback_FailedCode(t *testing.T) {
	f := setupHandlerTest(t, false)

	w := f.get("/api/yaad-callback?Order=TX1&CCode=1&errMsg=declined")

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", w.Code)
	}
	resp := decode(t, w)
	if resp["error"] != "Payment verification failed" || resp["code"] != "1" || resp["message"] != "declined" {
		t.Errorf("Unexpected body %v", resp)
	}
	if state, _ := f.store.Get(context.Background(), "TX1"); state != store.StateRejected {
		t.Errorf("Expected rejected, got %s", state)
	}
	if f.approvals() != 0 {
		t.Error("Expected no approval calls")
	}
}

func TestPaymentHandler_YaadCallback_VerifyDisagrees(t *testing.T) {
	f := setupHandlerTest(t, false)
	f.processor.verify = models.VerificationResult{ResultCode: "0", Approved: false}

	w := f.get("/api/yaad-callback?Order=TX1&CCode=0")

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", w.Code)
	}
	if f.approvals() != 0 {
		t.Error("Expected no approval calls")
	}
}

func TestPaymentHandler_WebhookAndCallbackApproveOnce(t *testing.T) {
	f := setupHandlerTest(t, false)
	body := []byte(`{"order_id":"TX1","status":"completed"}`)
	sig := f.sign(t, body)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.post(t, "/api/webhook/payment", body, sig)
		}()
		go func() {
			defer wg.Done()
			f.get("/api/yaad-callback?Order=TX1&CCode=0")
		}()
	}
	wg.Wait()

	if n := f.approvals(); n != 1 {
		t.Errorf("Expected 1 approval call, got %d", n)
	}
}

func TestPages_EscapeQuery(t *testing.T) {
	f := setupHandlerTest(t, false)

	w := f.get("/api/payment-success?Order=%3Cscript%3Ealert(1)%3C/script%3E&Amount=100")

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	page := w.Body.String()
	if strings.Contains(page, "<script>") {
		t.Error("Expected Order to be escaped")
	}
	if !strings.Contains(page, "&lt;script&gt;") || !strings.Contains(page, "Amount: 100 ILS") {
		t.Errorf("Unexpected page %s", page)
	}

	w = f.get("/api/payment-cancelled")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "Payment Cancelled") {
		t.Errorf("Unexpected cancel page %d", w.Code)
	}
}

func TestHealthCheck(t *testing.T) {
	f := setupHandlerTest(t, false)

	w := f.get("/health")

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	resp := decode(t, w)
	if resp["status"] != "ok" || resp["service"] != ServiceName || resp["timestamp"] == "" {
		t.Errorf("Unexpected body %v", resp)
	}
}
