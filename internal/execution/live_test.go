package execution

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"pafer-trading-engine/internal/logging"
)

func testCreds() Credentials {
	return Credentials{APIKey: "test-api-key", SecretKey: "test-secret"}
}

func TestLiveExecutorSubmitSignsRequest(t *testing.T) {
	var gotKey, gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-MBX-APIKEY")
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"orderId":123,"clientOrderId":"abc","symbol":"ETHUSDT","side":"BUY","status":"FILLED","avgPrice":"2001.5","executedQty":"0.5","updateTime":1700000000000}`))
	}))
	defer server.Close()

	e := NewLiveExecutor(server.URL, testCreds(), 5000, logging.Nop())
	fill, err := e.Submit(context.Background(), Order{
		ClientOrderID: "abc",
		Symbol:        "ETHUSDT",
		Side:          Buy,
		Type:          Market,
		Quantity:      0.5,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if gotKey != "test-api-key" {
		t.Errorf("api key header %q", gotKey)
	}
	for _, want := range []string{"signature=", "timestamp=", "recvWindow=5000", "symbol=ETHUSDT", "quantity=0.5"} {
		if !containsParam(gotQuery, want) {
			t.Errorf("query %q missing %q", gotQuery, want)
		}
	}
	if fill.OrderID != "123" || fill.Price != 2001.5 || fill.Quantity != 0.5 {
		t.Errorf("fill %+v decoded wrong", fill)
	}
}

func TestLiveExecutorRejectedOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-2019,"msg":"Margin is insufficient."}`))
	}))
	defer server.Close()

	e := NewLiveExecutor(server.URL, testCreds(), 0, logging.Nop())
	_, err := e.Submit(context.Background(), Order{Symbol: "ETHUSDT", Side: Buy, Type: Market, Quantity: 1})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("got %v, want ErrRejected", err)
	}
}

func TestLiveExecutorRetriesServerErrors(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"orderId":7,"symbol":"ETHUSDT","side":"SELL","status":"FILLED","avgPrice":"1995","executedQty":"1","updateTime":1700000000000}`))
	}))
	defer server.Close()

	e := NewLiveExecutor(server.URL, testCreds(), 0, logging.Nop())
	fill, err := e.Submit(context.Background(), Order{Symbol: "ETHUSDT", Side: Sell, Type: Market, Quantity: 1})
	if err != nil {
		t.Fatalf("Submit after retries: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts %d, want 3", attempts)
	}
	if fill.Price != 1995 {
		t.Errorf("fill price %v", fill.Price)
	}
}

func TestLiveExecutorUnavailableAfterRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	e := NewLiveExecutor(server.URL, testCreds(), 0, logging.Nop())
	_, err := e.Balance(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable", err)
	}
}

func TestLiveExecutorPositionParsing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"symbol":"ETHUSDT","positionAmt":"-2.5","entryPrice":"2100","leverage":"20","unRealizedProfit":"12.5","liquidationPrice":"2199"}]`))
	}))
	defer server.Close()

	e := NewLiveExecutor(server.URL, testCreds(), 0, logging.Nop())
	pos, err := e.Position(context.Background(), "ETHUSDT")
	if err != nil {
		t.Fatalf("Position: %v", err)
	}
	if pos.Quantity != -2.5 || pos.EntryPrice != 2100 || pos.Leverage != 20 {
		t.Errorf("position %+v decoded wrong", pos)
	}
	if pos.Flat() {
		t.Error("short position reported flat")
	}
}

func TestLiveExecutorCancel(t *testing.T) {
	var gotMethod, gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"orderId":55,"symbol":"ETHUSDT","status":"CANCELED"}`))
	}))
	defer server.Close()

	e := NewLiveExecutor(server.URL, testCreds(), 0, logging.Nop())
	if err := e.Cancel(context.Background(), "ETHUSDT", "55"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if gotMethod != http.MethodDelete {
		t.Errorf("method %s, want DELETE", gotMethod)
	}
	for _, want := range []string{"symbol=ETHUSDT", "orderId=55", "signature="} {
		if !containsParam(gotQuery, want) {
			t.Errorf("query %q missing %q", gotQuery, want)
		}
	}
}

func TestLiveExecutorCancelUnknownOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-2011,"msg":"Unknown order sent."}`))
	}))
	defer server.Close()

	e := NewLiveExecutor(server.URL, testCreds(), 0, logging.Nop())
	if err := e.Cancel(context.Background(), "ETHUSDT", "404"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("got %v, want ErrOrderNotFound", err)
	}
}

func TestLiveExecutorMarkToMarketNoop(t *testing.T) {
	e := NewLiveExecutor("http://localhost:1", testCreds(), 0, logging.Nop())
	fill, err := e.MarkToMarket(context.Background(), 2000)
	if fill != nil || err != nil {
		t.Fatalf("MarkToMarket: fill=%v err=%v, want nil/nil", fill, err)
	}
}

func containsParam(query, fragment string) bool {
	for i := 0; i+len(fragment) <= len(query); i++ {
		if query[i:i+len(fragment)] == fragment {
			return true
		}
	}
	return false
}
