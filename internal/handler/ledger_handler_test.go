package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/auth0/go-jwt-middleware/v2/validator"
	"github.com/dafibh/fortuna/budget-ledger/internal/catalog"
	"github.com/dafibh/fortuna/budget-ledger/internal/domain"
	"github.com/dafibh/fortuna/budget-ledger/internal/middleware"
	"github.com/dafibh/fortuna/budget-ledger/internal/repository/memory"
	"github.com/dafibh/fortuna/budget-ledger/internal/service"
	"github.com/dafibh/fortuna/budget-ledger/internal/testutil"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOwner = "auth0|test"

// Helper to set up auth context the way the auth middleware does
func setupAuthContext(c echo.Context, ownerID string) {
	claims := &validator.ValidatedClaims{
		RegisteredClaims: validator.RegisteredClaims{Subject: ownerID},
		CustomClaims:     &middleware.CustomClaims{Email: "test@example.com"},
	}
	ctx := context.WithValue(c.Request().Context(), middleware.ClaimsKey, claims)
	ctx = context.WithValue(ctx, middleware.OwnerIDKey, ownerID)
	c.SetRequest(c.Request().WithContext(ctx))
}

func newTestHandler(store domain.LedgerStore) *LedgerHandler {
	policy := service.NewAllocationPolicy(catalog.Default(), decimal.NewFromInt(100000))
	ledger := service.NewLedgerService(store, policy, nil, zerolog.Nop(), service.LedgerServiceConfig{StoreTimeout: 2 * time.Second})
	return NewLedgerHandler(ledger)
}

// newRequest builds an authenticated echo context; path params are given as name/value pairs
func newRequest(method, target, body string, params ...string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if len(params) > 0 {
		var names, values []string
		for i := 0; i+1 < len(params); i += 2 {
			names = append(names, params[i])
			values = append(values, params[i+1])
		}
		c.SetParamNames(names...)
		c.SetParamValues(values...)
	}
	setupAuthContext(c, testOwner)
	return c, rec
}

func getLedger(t *testing.T, h *LedgerHandler) LedgerResponse {
	t.Helper()
	c, rec := newRequest(http.MethodGet, "/api/v1/budget", "")
	require.NoError(t, h.GetLedger(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp LedgerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func categoryID(t *testing.T, resp LedgerResponse, name string) string {
	t.Helper()
	for _, c := range resp.Categories {
		if c.Name == name {
			return c.ID
		}
	}
	t.Fatalf("category %q not found", name)
	return ""
}

func TestGetLedger_SeedsCategories(t *testing.T) {
	h := newTestHandler(memory.NewStore())

	resp := getLedger(t, h)

	require.Len(t, resp.Categories, 5)
	assert.Equal(t, "100000.00", resp.Settings.TotalBudget)
	assert.Equal(t, "100000.00", resp.Summary.TotalAllocated)
	assert.Equal(t, "0.00", resp.Summary.TotalSpent)
	for _, c := range resp.Categories {
		if c.Name == "Venue" {
			assert.Equal(t, "35000.00", c.Allocated)
			assert.Equal(t, "35000.00", c.Remaining)
			assert.False(t, c.Overspent)
		}
	}
}

func TestGetLedger_MissingOwner(t *testing.T) {
	h := newTestHandler(memory.NewStore())
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/budget", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.GetLedger(c)
	if err != nil {
		t.Fatalf("Expected JSON response, got error: %v", err)
	}
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rec.Code)
	}
}

func TestCreateExpense_Success(t *testing.T) {
	h := newTestHandler(memory.NewStore())
	venue := categoryID(t, getLedger(t, h), "Venue")

	body := `{"categoryId":"` + venue + `","description":"Deposit","amount":"5000","date":"2026-05-01"}`
	c, rec := newRequest(http.MethodPost, "/api/v1/budget/expenses", body)
	require.NoError(t, h.CreateExpense(c))
	require.Equal(t, http.StatusCreated, rec.Code)

	var expense ExpenseResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &expense))
	assert.Equal(t, "5000.00", expense.Amount)
	assert.Equal(t, "2026-05-01", expense.Date)
	assert.Equal(t, venue, expense.CategoryID)

	resp := getLedger(t, h)
	assert.Equal(t, "5000.00", resp.Summary.TotalSpent)
	require.Len(t, resp.Expenses, 1)
}

func TestCreateExpense_IdempotentReplay(t *testing.T) {
	h := newTestHandler(memory.NewStore())
	venue := categoryID(t, getLedger(t, h), "Venue")
	body := `{"categoryId":"` + venue + `","description":"Deposit","amount":"250.5"}`

	var ids []string
	for i, want := range []int{http.StatusCreated, http.StatusOK} {
		c, rec := newRequest(http.MethodPost, "/api/v1/budget/expenses", body)
		c.Request().Header.Set(IdempotencyKeyHeader, "submit-1")
		require.NoError(t, h.CreateExpense(c))
		require.Equal(t, want, rec.Code, "request %d", i+1)

		var expense ExpenseResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &expense))
		ids = append(ids, expense.ID)
	}

	assert.Equal(t, ids[0], ids[1])
	assert.Equal(t, "250.50", getLedger(t, h).Summary.TotalSpent)
}

func TestCreateExpense_Validation(t *testing.T) {
	h := newTestHandler(memory.NewStore())
	venue := categoryID(t, getLedger(t, h), "Venue")

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"categoryId":`},
		{"non numeric amount", `{"categoryId":"` + venue + `","description":"x","amount":"ten"}`},
		{"zero amount", `{"categoryId":"` + venue + `","description":"x","amount":"0"}`},
		{"sub-cent amount", `{"categoryId":"` + venue + `","description":"x","amount":"0.004"}`},
		{"half-cent amount", `{"categoryId":"` + venue + `","description":"x","amount":"1.005"}`},
		{"amount too large", `{"categoryId":"` + venue + `","description":"x","amount":"1000000000000"}`},
		{"blank description", `{"categoryId":"` + venue + `","description":"   ","amount":"1"}`},
		{"bad date", `{"categoryId":"` + venue + `","description":"x","amount":"1","date":"05/01/2026"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := newRequest(http.MethodPost, "/api/v1/budget/expenses", tt.body)
			require.NoError(t, h.CreateExpense(c))
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var problem ProblemDetails
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
			assert.Equal(t, ErrorTypeValidation, problem.Type)
		})
	}

	assert.Equal(t, "0.00", getLedger(t, h).Summary.TotalSpent)
}

func TestCreateExpense_UnknownCategory(t *testing.T) {
	h := newTestHandler(memory.NewStore())
	getLedger(t, h)

	body := `{"categoryId":"no-such-category","description":"x","amount":"1"}`
	c, rec := newRequest(http.MethodPost, "/api/v1/budget/expenses", body)
	require.NoError(t, h.CreateExpense(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateExpense_StorageUnavailable(t *testing.T) {
	store := testutil.NewFaultyStore(memory.NewStore())
	h := newTestHandler(store)
	venue := categoryID(t, getLedger(t, h), "Venue")

	store.Fail(testutil.OpCreateExpense, testutil.ErrInjected, 1)

	body := `{"categoryId":"` + venue + `","description":"Deposit","amount":"10"}`
	c, rec := newRequest(http.MethodPost, "/api/v1/budget/expenses", body)
	require.NoError(t, h.CreateExpense(c))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, retryAfterSeconds, rec.Header().Get("Retry-After"))

	assert.Equal(t, "0.00", getLedger(t, h).Summary.TotalSpent)
}

func TestUpdateExpense_MovesCategory(t *testing.T) {
	h := newTestHandler(memory.NewStore())
	ledger := getLedger(t, h)
	venue := categoryID(t, ledger, "Venue")
	catering := categoryID(t, ledger, "Catering")

	c, rec := newRequest(http.MethodPost, "/api/v1/budget/expenses",
		`{"categoryId":"`+venue+`","description":"Deposit","amount":"5000"}`)
	require.NoError(t, h.CreateExpense(c))
	var created ExpenseResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	c, rec = newRequest(http.MethodPut, "/api/v1/budget/expenses/"+created.ID,
		`{"categoryId":"`+catering+`","description":"Menu tasting","amount":"3000"}`, "id", created.ID)
	require.NoError(t, h.UpdateExpense(c))
	require.Equal(t, http.StatusOK, rec.Code)

	after := getLedger(t, h)
	for _, cat := range after.Categories {
		switch cat.Name {
		case "Venue":
			assert.Equal(t, "0.00", cat.Spent)
		case "Catering":
			assert.Equal(t, "3000.00", cat.Spent)
		}
	}

	c, rec = newRequest(http.MethodGet, "/api/v1/budget/categories/"+catering+"/expenses", "", "id", catering)
	require.NoError(t, h.GetCategoryExpenses(c))
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []ExpenseResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, "Menu tasting", listed[0].Description)
}

func TestUpdateExpense_NotFound(t *testing.T) {
	h := newTestHandler(memory.NewStore())
	venue := categoryID(t, getLedger(t, h), "Venue")

	c, rec := newRequest(http.MethodPut, "/api/v1/budget/expenses/missing",
		`{"categoryId":"`+venue+`","description":"x","amount":"1"}`, "id", "missing")
	require.NoError(t, h.UpdateExpense(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteExpense(t *testing.T) {
	h := newTestHandler(memory.NewStore())
	venue := categoryID(t, getLedger(t, h), "Venue")

	c, rec := newRequest(http.MethodPost, "/api/v1/budget/expenses",
		`{"categoryId":"`+venue+`","description":"Deposit","amount":"75"}`)
	require.NoError(t, h.CreateExpense(c))
	var created ExpenseResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	c, rec = newRequest(http.MethodDelete, "/api/v1/budget/expenses/"+created.ID, "", "id", created.ID)
	require.NoError(t, h.DeleteExpense(c))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	c, rec = newRequest(http.MethodDelete, "/api/v1/budget/expenses/"+created.ID, "", "id", created.ID)
	require.NoError(t, h.DeleteExpense(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, "0.00", getLedger(t, h).Summary.TotalSpent)
}

func TestSetTotalBudget(t *testing.T) {
	h := newTestHandler(memory.NewStore())
	getLedger(t, h)

	c, rec := newRequest(http.MethodPut, "/api/v1/budget/total", `{"totalBudget":"200000"}`)
	require.NoError(t, h.SetTotalBudget(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp LedgerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "200000.00", resp.Settings.TotalBudget)
	for _, cat := range resp.Categories {
		if cat.Name == "Photography" {
			assert.Equal(t, "20000.00", cat.Allocated)
		}
	}

	c, rec = newRequest(http.MethodPut, "/api/v1/budget/total", `{"totalBudget":"-1"}`)
	require.NoError(t, h.SetTotalBudget(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	c, rec = newRequest(http.MethodPut, "/api/v1/budget/total", `{"totalBudget":"lots"}`)
	require.NoError(t, h.SetTotalBudget(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	for _, total := range []string{"150000.005", "10000000000000"} {
		c, rec = newRequest(http.MethodPut, "/api/v1/budget/total", `{"totalBudget":"`+total+`"}`)
		require.NoError(t, h.SetTotalBudget(c))
		assert.Equal(t, http.StatusBadRequest, rec.Code, total)

		var problem ProblemDetails
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
		assert.Equal(t, ErrorTypeValidation, problem.Type)
	}
	assert.Equal(t, "200000.00", getLedger(t, h).Settings.TotalBudget)
}

func TestResetLedger(t *testing.T) {
	h := newTestHandler(memory.NewStore())
	venue := categoryID(t, getLedger(t, h), "Venue")

	c, _ := newRequest(http.MethodPost, "/api/v1/budget/expenses",
		`{"categoryId":"`+venue+`","description":"Deposit","amount":"40000"}`)
	require.NoError(t, h.CreateExpense(c))

	ledger := getLedger(t, h)
	for _, cat := range ledger.Categories {
		if cat.Name == "Venue" {
			assert.True(t, cat.Overspent)
			assert.Equal(t, "-5000.00", cat.Remaining)
		}
	}

	c, rec := newRequest(http.MethodPost, "/api/v1/budget/reset", "")
	require.NoError(t, h.ResetLedger(c))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	after := getLedger(t, h)
	assert.Empty(t, after.Expenses)
	assert.Equal(t, "0.00", after.Summary.TotalSpent)
	require.Len(t, after.Categories, 5)
}

func TestReconcileCategory(t *testing.T) {
	store := memory.NewStore()
	h := newTestHandler(store)
	venue := categoryID(t, getLedger(t, h), "Venue")

	// Corrupt the cached aggregate behind the engine's back
	_, err := store.SetSpent(context.Background(), testOwner, venue, decimal.NewFromInt(999))
	require.NoError(t, err)

	c, rec := newRequest(http.MethodPost, "/api/v1/budget/categories/"+venue+"/reconcile", "", "id", venue)
	require.NoError(t, h.ReconcileCategory(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var result ReconcileResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Drifted)
	assert.Equal(t, "999.00", result.Previous)
	assert.Equal(t, "0.00", result.Corrected)
	assert.Equal(t, 0, result.ExpenseCount)

	c, rec = newRequest(http.MethodPost, "/api/v1/budget/categories/nope/reconcile", "", "id", "nope")
	require.NoError(t, h.ReconcileCategory(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(ctx context.Context) error { return p.err }

func TestHealth(t *testing.T) {
	e := echo.New()

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), rec)
	require.NoError(t, NewHealthHandler(nil, "memory").Health(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), rec)
	require.NoError(t, NewHealthHandler(fakePinger{err: context.DeadlineExceeded}, "postgres").Health(c))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
